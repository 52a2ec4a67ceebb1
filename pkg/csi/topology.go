package csi

import (
	"strings"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/blockpool-io/csi-controller/pkg/base"
)

const topologyHostnameKey = "hostname"

// nodeIDScheme is the scheme prefix this controller's node identifiers use:
// <scheme>://<node-name>[/<endpoint>] (§6).
const nodeIDScheme = "csi-node"

// formatNodeID builds the NodeId string returned to the orchestrator for a
// given registry node name.
func formatNodeID(nodeName string) string {
	return nodeIDScheme + "://" + nodeName
}

// parseNodeID extracts the node name from a NodeId carried in
// ControllerPublishVolumeRequest, rejecting any other shape.
func parseNodeID(id string) (string, error) {
	const prefix = nodeIDScheme + "://"
	if !strings.HasPrefix(id, prefix) {
		return "", base.InvalidArgument("node id %q does not match %s<node-name>[/<endpoint>]", id, prefix)
	}
	rest := strings.TrimPrefix(id, prefix)
	name := rest
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		name = rest[:idx]
	}
	if name == "" {
		return "", base.InvalidArgument("node id %q carries no node name", id)
	}
	return name, nil
}

// chooseTargetNode applies §4.4's topology mapping: only the hostname key is
// understood. An unrecognized key in requisite is rejected; unrecognized
// keys in preferred are silently ignored. Preferred, if present, wins.
func chooseTargetNode(requirement *csispec.TopologyRequirement) (string, error) {
	if requirement == nil {
		return "", nil
	}

	for _, t := range requirement.GetRequisite() {
		for k := range t.GetSegments() {
			if k != topologyHostnameKey {
				return "", base.InvalidArgument("unrecognized topology key %q in requisite", k)
			}
		}
	}

	for _, t := range requirement.GetPreferred() {
		if host, ok := t.GetSegments()[topologyHostnameKey]; ok {
			return host, nil
		}
	}
	for _, t := range requirement.GetRequisite() {
		if host, ok := t.GetSegments()[topologyHostnameKey]; ok {
			return host, nil
		}
	}
	return "", nil
}

func accessibleTopologyFor(nodeName string) *csispec.Topology {
	return &csispec.Topology{Segments: map[string]string{topologyHostnameKey: nodeName}}
}
