package rpc

import "github.com/blockpool-io/csi-controller/pkg/base"

// The storage-node daemon's own wire schema is opaque; these are the
// request/response shapes this controller needs on the wire to drive it,
// not a transcription of the daemon's internal protocol.

// PoolInfo describes one storage pool as reported by a node.
type PoolInfo struct {
	Name     string
	Disks    []string
	State    base.PoolState
	Capacity uint64
	Used     uint64
}

// ReplicaInfo describes one replica as reported by a node.
type ReplicaInfo struct {
	UUID     string
	Pool     string
	Size     uint64
	Share    base.ReplicaShareProtocol
	URI      string
	Thin     bool
}

// NexusChild describes one child of a nexus.
type NexusChild struct {
	URI   string
	State base.ChildState
}

// NexusInfo describes one nexus as reported by a node.
type NexusInfo struct {
	UUID     string
	Size     uint64
	State    base.NexusState
	Children []NexusChild
	Share    base.NexusShareProtocol
	DeviceURI string
}

// CreatePoolRequest creates a pool from a set of block devices.
type CreatePoolRequest struct {
	Name  string
	Disks []string
}

// CreateReplicaRequest creates a replica on a named pool.
type CreateReplicaRequest struct {
	UUID  string
	Pool  string
	Size  uint64
	Thin  bool
	Share base.ReplicaShareProtocol
}

// CreateNexusRequest creates a nexus over a set of child replica URIs.
type CreateNexusRequest struct {
	UUID     string
	Size     uint64
	Children []string
}

// PublishNexusRequest shares an existing nexus so it is mountable.
type PublishNexusRequest struct {
	UUID  string
	Share base.NexusShareProtocol
}

// ChildRequest adds or removes one nexus child.
type ChildRequest struct {
	NexusUUID string
	ChildURI  string
}

// ShareReplicaRequest re-shares an existing replica under a new protocol, as
// when the nexus binding it moves to a different node and the replica's
// locality relative to the nexus changes.
type ShareReplicaRequest struct {
	UUID  string
	Pool  string
	Share base.ReplicaShareProtocol
}
