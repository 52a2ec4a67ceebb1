// Package base holds constants, protocol enumerations and small helpers
// shared by every component of the controller.
package base

import "time"

const (
	// DefaultSyncPeriod is the Node sync interval used after a successful sync.
	DefaultSyncPeriod = 60 * time.Second
	// DefaultSyncRetry is the Node sync interval used after a failed sync.
	DefaultSyncRetry = 10 * time.Second
	// DefaultBadLimit is the number of consecutive sync failures tolerated
	// before a Node is considered unsynced.
	DefaultBadLimit = 3

	// DefaultRPCTimeout is the transport deadline for most node RPCs.
	DefaultRPCTimeout = 15 * time.Second
	// NexusOpTimeout is the transport deadline for nexus create/destroy calls.
	NexusOpTimeout = 60 * time.Second
	// ReplicaDestroyTimeout is the transport deadline for replica destruction.
	ReplicaDestroyTimeout = time.Hour
	// DefaultSoftDeadlineSlack is added on top of the transport deadline to
	// work around transports that don't reliably honor their own deadline.
	DefaultSoftDeadlineSlack = time.Second

	// DefaultStoreTimeout is the deadline for a single persistent-store call.
	DefaultStoreTimeout = 60 * time.Second

	// DefaultMaxListEntries is the default CSI ListVolumes page size.
	DefaultMaxListEntries = 1000
)

// ReplicaShareProtocol is the protocol a replica is shared with.
type ReplicaShareProtocol string

const (
	ShareNone  ReplicaShareProtocol = "NONE"
	ShareISCSI ReplicaShareProtocol = "ISCSI"
	ShareNVMF  ReplicaShareProtocol = "NVMF"
)

// NexusShareProtocol is the protocol a nexus is published with.
type NexusShareProtocol string

const (
	NexusShareNBD   NexusShareProtocol = "NBD"
	NexusShareISCSI NexusShareProtocol = "ISCSI"
	NexusShareNVMF  NexusShareProtocol = "NVMF"
)

// PoolState is the observed state of a storage pool.
type PoolState string

const (
	PoolOnline   PoolState = "ONLINE"
	PoolDegraded PoolState = "DEGRADED"
	PoolOffline  PoolState = "OFFLINE"
)

// NexusState is the observed state of a nexus.
type NexusState string

const (
	NexusOnline   NexusState = "ONLINE"
	NexusDegraded NexusState = "DEGRADED"
	NexusOffline  NexusState = "OFFLINE"
	NexusFaulted  NexusState = "FAULTED"
)

// ChildState is the observed state of one nexus child.
type ChildState string

const (
	ChildOnline   ChildState = "ONLINE"
	ChildDegraded ChildState = "DEGRADED"
	ChildFaulted  ChildState = "FAULTED"
)

// EventKind identifies the entity kind carried by an event.
type EventKind string

const (
	KindNode    EventKind = "node"
	KindPool    EventKind = "pool"
	KindReplica EventKind = "replica"
	KindNexus   EventKind = "nexus"
	KindVolume  EventKind = "volume"
)

// EventType identifies what happened to an entity.
type EventType string

const (
	EventNew  EventType = "new"
	EventMod  EventType = "mod"
	EventDel  EventType = "del"
	EventSync EventType = "sync"
)

// VolumePhase is the Volume FSM's observed state (§4.3).
type VolumePhase string

const (
	VolumePending   VolumePhase = "PENDING"
	VolumeHealthy   VolumePhase = "HEALTHY"
	VolumeDegraded  VolumePhase = "DEGRADED"
	VolumeFaulted   VolumePhase = "FAULTED"
	VolumeDestroyed VolumePhase = "DESTROYED"
	VolumeError     VolumePhase = "ERROR"
)

// truthyLocalValues are the values accepted by the "local" storage-class
// parameter (see spec §6 recognized storage-class parameters).
var truthyLocalValues = map[string]bool{
	"y": true, "yes": true, "true": true, "on": true,
	"Y": true, "Yes": true, "YES": true,
	"True": true, "TRUE": true,
	"On": true, "ON": true,
}

// ParseLocalFlag interprets the "local" storage-class parameter.
func ParseLocalFlag(v string) bool {
	return truthyLocalValues[v]
}
