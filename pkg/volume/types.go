package volume

import "github.com/blockpool-io/csi-controller/pkg/base"

// Spec is a volume's desired configuration (§3). Size is immutable once a
// volume exists; the remaining fields may be changed through Update.
type Spec struct {
	ReplicaCount   int
	Local          bool
	PreferredNodes []string
	RequiredNodes  []string
	RequiredBytes  uint64
	LimitBytes     uint64
	Protocol       base.NexusShareProtocol
}

// BoundReplica is a weak back-reference to a replica owned by this volume:
// only identifiers are kept, never a pointer. Mutable attributes (share
// protocol, URI, online/offline) are always resolved fresh through the
// Registry.
type BoundReplica struct {
	UUID     string
	NodeName string
	PoolName string
	Offline  bool
}

// Status is a volume's observed state (§3/§4.3).
type Status struct {
	Phase         base.VolumePhase
	Size          uint64
	NexusUUID     string
	DeviceURI     string
	PublishedNode string
	Replicas      []BoundReplica
	Reason        string
}

// OnlineCount returns the number of bound replicas not flagged offline.
func (s Status) OnlineCount() int {
	n := 0
	for _, r := range s.Replicas {
		if !r.Offline {
			n++
		}
	}
	return n
}
