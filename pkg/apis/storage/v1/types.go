// Package v1 holds the Node and Volume custom resource types the CRD
// reconciler bridge (§4.5) watches and writes.
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Node mirrors one registry node's identity and sync state as a Kubernetes
// object, so the orchestrator's own tooling can list/watch nodes the way it
// lists any other resource.
type Node struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              NodeSpec   `json:"spec"`
	Status            NodeStatus `json:"status"`
}

// NodeSpec is the desired identity of a node; the reconciler bridge never
// overwrites Spec fields it did not itself write, so manual edits to
// GRPCEndpoint survive a sync cycle.
type NodeSpec struct {
	GRPCEndpoint string `json:"grpcEndpoint"`
}

// NodeSyncState mirrors the registry's own synced/unsynced classification.
type NodeSyncState string

const (
	NodeSyncStateSynced   NodeSyncState = "synced"
	NodeSyncStateUnsynced NodeSyncState = "unsynced"
)

// NodeStatus reflects the registry's live view of the node; it is owned
// entirely by the reconciler bridge.
type NodeStatus struct {
	State NodeSyncState `json:"state"`
	// LastSyncTime is the last time a sync cycle against this node
	// succeeded.
	LastSyncTime metav1.Time `json:"lastSyncTime,omitempty"`
	// ObservedGeneration lets the reconciler detect whether Status has
	// caught up with the Spec generation it was computed from.
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// NodeList is a list of Node resources.
type NodeList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Node `json:"items"`
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Volume mirrors one provisioned volume's spec and live state machine phase.
type Volume struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              VolumeSpec   `json:"spec"`
	Status            VolumeStatus `json:"status"`
}

// VolumeSpec is the desired volume configuration, writable by the CSI
// dispatcher and, for ReplicaCount/Protocol changes, by a user editing the CR
// directly (§4.5 bidirectional sync rules).
type VolumeSpec struct {
	Size           uint64            `json:"size"`
	ReplicaCount   int               `json:"replicaCount"`
	Protocol       string            `json:"protocol"`
	Local          bool              `json:"local,omitempty"`
	PreferredNodes []string          `json:"preferredNodes,omitempty"`
	RequiredNodes  []string          `json:"requiredNodes,omitempty"`
	RequiredBytes  uint64            `json:"requiredBytes,omitempty"`
	LimitBytes     uint64            `json:"limitBytes,omitempty"`
	StorageClass   string            `json:"storageClass,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// VolumePhase mirrors the volume state machine's states (§4.3).
type VolumePhase string

const (
	VolumePending   VolumePhase = "Pending"
	VolumeHealthy   VolumePhase = "Healthy"
	VolumeDegraded  VolumePhase = "Degraded"
	VolumeFaulted   VolumePhase = "Faulted"
	VolumeDestroyed VolumePhase = "Destroyed"
	VolumeError     VolumePhase = "Error"
)

// VolumeStatus is owned entirely by the reconciler bridge, mirroring the
// Volume Manager's in-memory state.
type VolumeStatus struct {
	Phase              VolumePhase    `json:"phase"`
	Size               uint64         `json:"size,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	Nexus              string         `json:"nexus,omitempty"`
	TargetNodes        []string       `json:"targetNodes,omitempty"`
	PublishedNode      string         `json:"publishedNode,omitempty"`
	Replicas           []VolumeReplica `json:"replicas,omitempty"`
	ObservedGeneration int64          `json:"observedGeneration,omitempty"`
}

// VolumeReplica mirrors one bound replica's placement and health for
// display and reconciler bookkeeping; the Registry remains authoritative.
type VolumeReplica struct {
	UUID     string `json:"uuid"`
	NodeName string `json:"nodeName"`
	PoolName string `json:"poolName"`
	Offline  bool   `json:"offline,omitempty"`
}

// VolumeList is a list of Volume resources.
type VolumeList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Volume `json:"items"`
}

var _ runtime.Object = &Node{}
var _ runtime.Object = &NodeList{}
var _ runtime.Object = &Volume{}
var _ runtime.Object = &VolumeList{}
