package registry

import (
	"sort"

	"github.com/blockpool-io/csi-controller/pkg/base"
)

// Child back-references (replica→pool, pool→node, nexus→node) are weak:
// only the identifier is stored, never a pointer. Resolution goes through
// the owning Registry so a destroyed parent can never be reached through a
// stale child.

// Pool is a storage-node-local aggregate of disks.
type Pool struct {
	Name     string
	NodeName string
	Disks    []string
	State    base.PoolState
	Capacity uint64
	Used     uint64

	replicas map[string]*Replica
}

func newPool(nodeName, name string, disks []string, state base.PoolState, capacity, used uint64) *Pool {
	return &Pool{
		Name: name, NodeName: nodeName, Disks: disks,
		State: state, Capacity: capacity, Used: used,
		replicas: make(map[string]*Replica),
	}
}

// Accessible reports whether the pool can currently serve replica placement.
func (p *Pool) Accessible() bool {
	return p.State == base.PoolOnline || p.State == base.PoolDegraded
}

// FreeBytes is the pool's unused capacity.
func (p *Pool) FreeBytes() uint64 {
	if p.Used >= p.Capacity {
		return 0
	}
	return p.Capacity - p.Used
}

// merge updates mutable attributes from a freshly observed pool and reports
// whether anything actually changed.
func (p *Pool) merge(disks []string, state base.PoolState, capacity, used uint64) bool {
	changed := state != p.State || capacity != p.Capacity || used != p.Used || !stringSliceEqual(p.Disks, disks)
	p.Disks, p.State, p.Capacity, p.Used = disks, state, capacity, used
	return changed
}

// offline marks the pool unreachable; idempotent.
func (p *Pool) offline() bool {
	if p.State == base.PoolOffline {
		return false
	}
	p.State = base.PoolOffline
	return true
}

func (p *Pool) Replicas() []*Replica {
	out := make([]*Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Replica is a fixed-size logical volume allocated from a Pool.
type Replica struct {
	UUID      string
	PoolName  string
	NodeName  string
	Size      uint64
	Share     base.ReplicaShareProtocol
	URI       string
	RealUUID  string
	offline_  bool
}

func newReplica(nodeName, poolName, uuid string, size uint64, share base.ReplicaShareProtocol, uri string) *Replica {
	return &Replica{
		UUID: uuid, PoolName: poolName, NodeName: nodeName,
		Size: size, Share: share, URI: uri, RealUUID: parseRealUUID(uri),
	}
}

// IsOffline reports the replica's soft-offline flag.
func (r *Replica) IsOffline() bool { return r.offline_ }

func (r *Replica) merge(size uint64, share base.ReplicaShareProtocol, uri string) bool {
	changed := size != r.Size || share != r.Share || uri != r.URI || r.offline_
	r.Size, r.Share, r.URI, r.RealUUID = size, share, uri, parseRealUUID(uri)
	r.offline_ = false
	return changed
}

// setShare mutates the replica's share protocol and URI, as when a nexus
// moves and bound replicas need a new protocol.
func (r *Replica) setShare(share base.ReplicaShareProtocol, uri string) bool {
	if r.Share == share && r.URI == uri {
		return false
	}
	r.Share, r.URI = share, uri
	return true
}

// offline sets the soft down-flag; idempotent.
func (r *Replica) offline() bool {
	if r.offline_ {
		return false
	}
	r.offline_ = true
	return true
}

// NexusChild is one child of a Nexus: a replica URI plus its observed state.
type NexusChild struct {
	URI   string
	State base.ChildState
}

// Nexus fronts a volume by mirroring writes to one or more replicas.
type Nexus struct {
	UUID      string
	NodeName  string
	Size      uint64
	DeviceURI string
	State     base.NexusState
	Children  []NexusChild
	Share     base.NexusShareProtocol
}

func newNexus(nodeName, uuid string, size uint64, state base.NexusState, children []NexusChild) *Nexus {
	n := &Nexus{UUID: uuid, NodeName: nodeName, Size: size, State: state}
	n.setChildren(children)
	return n
}

func (n *Nexus) setChildren(children []NexusChild) {
	sorted := append([]NexusChild(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URI < sorted[j].URI })
	n.Children = sorted
}

// merge updates nexus attributes and reports whether anything changed.
// Children are compared by sorted URI+state so reordering alone is not a
// change.
func (n *Nexus) merge(size uint64, deviceURI string, state base.NexusState, children []NexusChild) bool {
	sorted := append([]NexusChild(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URI < sorted[j].URI })

	changed := size != n.Size || deviceURI != n.DeviceURI || state != n.State || !childrenEqual(n.Children, sorted)
	n.Size, n.DeviceURI, n.State, n.Children = size, deviceURI, state, sorted
	return changed
}

// offline marks the nexus and all children unreachable.
func (n *Nexus) offline() bool {
	if n.State == base.NexusOffline {
		return false
	}
	n.State = base.NexusOffline
	for i := range n.Children {
		n.Children[i].State = base.ChildFaulted
	}
	return true
}

func childrenEqual(a, b []NexusChild) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
