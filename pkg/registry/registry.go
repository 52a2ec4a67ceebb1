// Package registry implements the Registry and Node sync engine: the live,
// in-memory mirror of every storage node's pools, replicas and nexūs.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/eventstream"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
)

// Config controls the sync engine's timing. Zero-valued fields fall back to
// the package defaults.
type Config struct {
	SyncPeriod time.Duration
	SyncRetry  time.Duration
	BadLimit   int
	Dial       Dialer
}

func (c Config) withDefaults() Config {
	if c.SyncPeriod == 0 {
		c.SyncPeriod = base.DefaultSyncPeriod
	}
	if c.SyncRetry == 0 {
		c.SyncRetry = base.DefaultSyncRetry
	}
	if c.BadLimit == 0 {
		c.BadLimit = base.DefaultBadLimit
	}
	return c
}

// Registry aggregates every known Node and re-emits their change events to
// subscribers.
type Registry struct {
	cfg    Config
	broker *eventstream.Broker

	mu    sync.RWMutex
	nodes map[string]*Node
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg.withDefaults(),
		broker: eventstream.NewBroker(),
		nodes:  make(map[string]*Node),
	}
}

// AddNode is an idempotent connect: a known node with the same endpoint is
// left alone, a new endpoint reconnects, and an unknown name is created.
func (r *Registry) AddNode(name, endpoint string) *Node {
	r.mu.Lock()
	n, ok := r.nodes[name]
	if !ok {
		n = newNode(name, r.broker, r.cfg.Dial, r.cfg.SyncPeriod, r.cfg.SyncRetry, r.cfg.BadLimit)
		r.nodes[name] = n
		r.mu.Unlock()
		r.emit(base.KindNode, base.EventNew, n)
	} else {
		r.mu.Unlock()
	}
	n.connect(endpoint)
	metrics.NodesTotal.WithLabelValues("total").Set(float64(r.nodeCount()))
	return n
}

// DisconnectNode marks name offline, retaining the Node object.
func (r *Registry) DisconnectNode(name string) {
	r.mu.RLock()
	n, ok := r.nodes[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	n.disconnect()
}

// RemoveNode deletes name from the Registry. Per the open question on
// removeNode's side effects: the node is disconnected (its pools, nexūs and
// replicas emit their offline mod events and the node emits mod), its timer
// and WorkQueue are stopped, a single best-effort final del is emitted for
// the node itself (its children get no del), and only then is the map
// entry deleted, so no event is emitted after that point.
func (r *Registry) RemoveNode(name string) {
	r.mu.RLock()
	n, ok := r.nodes[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	n.disconnect()
	n.stop()
	r.emit(base.KindNode, base.EventDel, n)

	r.mu.Lock()
	if r.nodes[name] == n {
		delete(r.nodes, name)
	}
	r.mu.Unlock()
}

func (r *Registry) nodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// GetNode returns the node by name, if known.
func (r *Registry) GetNode(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// ListNodes returns every node, sorted by name.
func (r *Registry) ListNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListPools returns every pool across every node, sorted by node then name.
func (r *Registry) ListPools() []*Pool {
	var out []*Pool
	for _, n := range r.ListNodes() {
		n.mu.Lock()
		for _, p := range n.pools {
			out = append(out, p)
		}
		n.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeName != out[j].NodeName {
			return out[i].NodeName < out[j].NodeName
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ListReplicas returns every replica across every node, sorted by UUID.
func (r *Registry) ListReplicas() []*Replica {
	var out []*Replica
	for _, p := range r.ListPools() {
		out = append(out, p.Replicas()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// ListNexuses returns every nexus across every node, sorted by UUID.
func (r *Registry) ListNexuses() []*Nexus {
	var out []*Nexus
	for _, n := range r.ListNodes() {
		n.mu.Lock()
		for _, nx := range n.nexuses {
			out = append(out, nx)
		}
		n.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// GetNexus finds a nexus by UUID across all nodes.
func (r *Registry) GetNexus(uuid string) (*Nexus, bool) {
	for _, nx := range r.ListNexuses() {
		if nx.UUID == uuid {
			return nx, true
		}
	}
	return nil, false
}

// GetReplica finds a replica by UUID across all nodes.
func (r *Registry) GetReplica(uuid string) (*Replica, bool) {
	for _, rep := range r.ListReplicas() {
		if rep.UUID == uuid {
			return rep, true
		}
	}
	return nil, false
}

// SetReplicaShare updates a replica's cached share protocol and URI, as
// when the Volume FSM reshares a replica before adding it as a nexus child
// on a different node, and emits mod if anything changed.
func (r *Registry) SetReplicaShare(uuid string, share base.ReplicaShareProtocol, uri string) bool {
	rep, ok := r.GetReplica(uuid)
	if !ok {
		return false
	}
	if rep.setShare(share, uri) {
		r.emit(base.KindReplica, base.EventMod, rep)
		return true
	}
	return false
}

// GetCapacity sums capacity-used over accessible pools, optionally scoped
// to one node.
func (r *Registry) GetCapacity(node string) uint64 {
	var total uint64
	for _, p := range r.ListPools() {
		if node != "" && p.NodeName != node {
			continue
		}
		if p.Accessible() {
			total += p.FreeBytes()
		}
	}
	return total
}

// ChoosePools ranks accessible pools with enough free space for
// requiredBytes, restricted to mustNodes if non-empty, and returns them
// ordered by: preferred-node membership, ONLINE before DEGRADED, fewer
// replicas first, more free space first; then filtered to at most one pool
// per node.
func (r *Registry) ChoosePools(requiredBytes uint64, mustNodes, shouldNodes []string) []*Pool {
	must := toSet(mustNodes)
	should := toSet(shouldNodes)

	var candidates []*Pool
	for _, p := range r.ListPools() {
		if !p.Accessible() || p.FreeBytes() < requiredBytes {
			continue
		}
		if len(must) > 0 && !must[p.NodeName] {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ap, bp := should[a.NodeName], should[b.NodeName]
		if ap != bp {
			return ap
		}
		aOnline, bOnline := a.State == base.PoolOnline, b.State == base.PoolOnline
		if aOnline != bOnline {
			return aOnline
		}
		if len(a.replicas) != len(b.replicas) {
			return len(a.replicas) < len(b.replicas)
		}
		return a.FreeBytes() > b.FreeBytes()
	})

	seenNode := make(map[string]bool)
	out := make([]*Pool, 0, len(candidates))
	for _, p := range candidates {
		if seenNode[p.NodeName] {
			continue
		}
		seenNode[p.NodeName] = true
		out = append(out, p)
	}
	return out
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func (r *Registry) emit(kind base.EventKind, typ base.EventType, obj interface{}) {
	r.broker.Publish(eventstream.Event{Kind: kind, Type: typ, Object: obj})
}

// Subscribe opens an Event Stream replaying current state then tailing live
// changes. Replay order, per node: all replicas, then all pools, then all
// nexūs, then a terminal sync event for that node.
func (r *Registry) Subscribe() *eventstream.Stream {
	return r.broker.Subscribe(func(push func(eventstream.Event)) {
		for _, n := range r.ListNodes() {
			replicas, pools, nexuses := n.snapshot()
			for _, rep := range replicas {
				push(eventstream.Event{Kind: base.KindReplica, Type: base.EventNew, Object: rep})
			}
			for _, p := range pools {
				push(eventstream.Event{Kind: base.KindPool, Type: base.EventNew, Object: p})
			}
			for _, nx := range nexuses {
				push(eventstream.Event{Kind: base.KindNexus, Type: base.EventNew, Object: nx})
			}
			push(eventstream.Event{Kind: base.KindNode, Type: base.EventSync, Object: n})
		}
	})
}
