package csi

import (
	"context"
	"strings"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/volume"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const volumeNamePrefix = "pvc-"

const defaultMaxListEntries = 1000

// volumeIDFromName extracts the canonical UUID from a CSI volume name,
// which orchestrators always supply as pvc-<uuid> (§4.4).
func volumeIDFromName(name string) (string, error) {
	if !strings.HasPrefix(name, volumeNamePrefix) || len(name) == len(volumeNamePrefix) {
		return "", base.InvalidArgument("volume name %q does not match %s<uuid>", name, volumeNamePrefix)
	}
	return strings.TrimPrefix(name, volumeNamePrefix), nil
}

func validateAccessMode(caps []*csispec.VolumeCapability) error {
	if len(caps) == 0 {
		return base.InvalidArgument("volume capabilities are required")
	}
	for _, c := range caps {
		mode := c.GetAccessMode().GetMode()
		if mode != csispec.VolumeCapability_AccessMode_SINGLE_NODE_WRITER {
			return base.InvalidArgument("unsupported access mode %s", mode)
		}
	}
	return nil
}

func toVolumeSpec(req *csispec.CreateVolumeRequest, params parsedParams, targetNode string) volume.Spec {
	required := uint64(req.GetCapacityRange().GetRequiredBytes())
	limit := uint64(req.GetCapacityRange().GetLimitBytes())
	spec := volume.Spec{
		ReplicaCount:  params.ReplicaCount,
		Local:         params.Local,
		RequiredBytes: required,
		LimitBytes:    limit,
		Protocol:      params.Protocol,
	}
	if targetNode != "" {
		spec.PreferredNodes = []string{targetNode}
	}
	return spec
}

func toCSIVolume(uuid string, st volume.Status) *csispec.Volume {
	v := &csispec.Volume{
		VolumeId:      uuid,
		CapacityBytes: int64(st.Size),
	}
	for _, r := range st.Replicas {
		v.AccessibleTopology = append(v.AccessibleTopology, accessibleTopologyFor(r.NodeName))
	}
	return v
}

// CreateVolume provisions a new volume, funneled through the process-wide
// WorkQueue and the dedup cache (§4.4).
func (s *Server) CreateVolume(ctx context.Context, req *csispec.CreateVolumeRequest) (*csispec.CreateVolumeResponse, error) {
	_, mgr, err := s.checkReady()
	if err != nil {
		return nil, err
	}

	result, err := call(s, "CreateVolume", req, func() (interface{}, error) {
		done := make(chan struct {
			resp *csispec.CreateVolumeResponse
			err  error
		}, 1)
		if !s.queue.Push(func() {
			resp, err := s.createVolume(ctx, mgr, req)
			done <- struct {
				resp *csispec.CreateVolumeResponse
				err  error
			}{resp, err}
		}) {
			return nil, base.Unavailable("csi dispatcher is shutting down")
		}
		r := <-done
		return r.resp, r.err
	})
	if err != nil {
		return nil, volumeErrToStatus(err)
	}
	return result.(*csispec.CreateVolumeResponse), nil
}

func (s *Server) createVolume(ctx context.Context, mgr *volume.Manager, req *csispec.CreateVolumeRequest) (*csispec.CreateVolumeResponse, error) {
	if req.GetName() == "" {
		return nil, base.InvalidArgument("volume name is required")
	}
	uuid, err := volumeIDFromName(req.GetName())
	if err != nil {
		return nil, err
	}
	if err := validateAccessMode(req.GetVolumeCapabilities()); err != nil {
		return nil, err
	}

	params, err := parseStorageClassParams(req.GetParameters())
	if err != nil {
		return nil, err
	}

	targetNode, err := chooseTargetNode(req.GetAccessibilityRequirements())
	if err != nil {
		return nil, err
	}

	spec := toVolumeSpec(req, params, targetNode)
	v, err := mgr.CreateVolume(ctx, uuid, spec)
	if err != nil {
		return nil, err
	}

	return &csispec.CreateVolumeResponse{Volume: toCSIVolume(uuid, v.Status())}, nil
}

// DeleteVolume destroys a volume. A missing volume is not an error (§8
// invariant 5: idempotent destroy).
func (s *Server) DeleteVolume(ctx context.Context, req *csispec.DeleteVolumeRequest) (*csispec.DeleteVolumeResponse, error) {
	_, mgr, err := s.checkReady()
	if err != nil {
		return nil, err
	}

	result, err := call(s, "DeleteVolume", req, func() (interface{}, error) {
		if req.GetVolumeId() == "" {
			return nil, base.InvalidArgument("volume id is required")
		}
		if err := mgr.DestroyVolume(ctx, req.GetVolumeId()); err != nil {
			return nil, err
		}
		return &csispec.DeleteVolumeResponse{}, nil
	})
	if err != nil {
		return nil, volumeErrToStatus(err)
	}
	return result.(*csispec.DeleteVolumeResponse), nil
}

// ControllerPublishVolume creates and publishes the nexus for a volume on
// the requested node, funneled through the same process-wide WorkQueue as
// CreateVolume (§4.4).
func (s *Server) ControllerPublishVolume(ctx context.Context, req *csispec.ControllerPublishVolumeRequest) (*csispec.ControllerPublishVolumeResponse, error) {
	_, mgr, err := s.checkReady()
	if err != nil {
		return nil, err
	}

	result, err := call(s, "ControllerPublishVolume", req, func() (interface{}, error) {
		done := make(chan struct {
			resp *csispec.ControllerPublishVolumeResponse
			err  error
		}, 1)
		if !s.queue.Push(func() {
			resp, err := s.controllerPublishVolume(ctx, mgr, req)
			done <- struct {
				resp *csispec.ControllerPublishVolumeResponse
				err  error
			}{resp, err}
		}) {
			return nil, base.Unavailable("csi dispatcher is shutting down")
		}
		r := <-done
		return r.resp, r.err
	})
	if err != nil {
		return nil, volumeErrToStatus(err)
	}
	return result.(*csispec.ControllerPublishVolumeResponse), nil
}

func (s *Server) controllerPublishVolume(ctx context.Context, mgr *volume.Manager, req *csispec.ControllerPublishVolumeRequest) (*csispec.ControllerPublishVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, base.InvalidArgument("volume id is required")
	}
	if req.GetNodeId() == "" {
		return nil, base.InvalidArgument("node id is required")
	}
	if err := validateAccessMode([]*csispec.VolumeCapability{req.GetVolumeCapability()}); err != nil {
		return nil, err
	}

	nodeName, err := parseNodeID(req.GetNodeId())
	if err != nil {
		return nil, err
	}

	v, ok := mgr.GetVolume(req.GetVolumeId())
	if !ok {
		return nil, base.NotFound("volume %q not found", req.GetVolumeId())
	}

	uri, err := v.Publish(ctx, nodeName)
	if err != nil {
		return nil, err
	}

	return &csispec.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{"deviceUri": uri},
	}, nil
}

// ControllerUnpublishVolume tears down the volume's nexus. A missing
// volume or an already-unpublished one is not an error.
func (s *Server) ControllerUnpublishVolume(ctx context.Context, req *csispec.ControllerUnpublishVolumeRequest) (*csispec.ControllerUnpublishVolumeResponse, error) {
	_, mgr, err := s.checkReady()
	if err != nil {
		return nil, err
	}

	result, err := call(s, "ControllerUnpublishVolume", req, func() (interface{}, error) {
		if req.GetVolumeId() == "" {
			return nil, base.InvalidArgument("volume id is required")
		}
		v, ok := mgr.GetVolume(req.GetVolumeId())
		if !ok {
			return &csispec.ControllerUnpublishVolumeResponse{}, nil
		}
		if err := v.Unpublish(ctx); err != nil {
			return nil, err
		}
		return &csispec.ControllerUnpublishVolumeResponse{}, nil
	})
	if err != nil {
		return nil, volumeErrToStatus(err)
	}
	return result.(*csispec.ControllerUnpublishVolumeResponse), nil
}

// ValidateVolumeCapabilities confirms SINGLE_NODE_WRITER is the only
// capability this driver ever honors.
func (s *Server) ValidateVolumeCapabilities(ctx context.Context, req *csispec.ValidateVolumeCapabilitiesRequest) (*csispec.ValidateVolumeCapabilitiesResponse, error) {
	_, mgr, err := s.checkReady()
	if err != nil {
		return nil, err
	}
	if req.GetVolumeId() == "" {
		return nil, volumeErrToStatus(base.InvalidArgument("volume id is required"))
	}
	if _, ok := mgr.GetVolume(req.GetVolumeId()); !ok {
		return nil, volumeErrToStatus(base.NotFound("volume %q not found", req.GetVolumeId()))
	}
	if err := validateAccessMode(req.GetVolumeCapabilities()); err != nil {
		return &csispec.ValidateVolumeCapabilitiesResponse{Message: err.Error()}, nil
	}
	return &csispec.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csispec.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      req.GetVolumeContext(),
			VolumeCapabilities: req.GetVolumeCapabilities(),
			Parameters:         req.GetParameters(),
		},
	}, nil
}

// ListVolumes returns a page of at most maxEntries volumes (default 1000),
// resuming from a previously issued token (§4.4).
func (s *Server) ListVolumes(ctx context.Context, req *csispec.ListVolumesRequest) (*csispec.ListVolumesResponse, error) {
	_, mgr, err := s.checkReady()
	if err != nil {
		return nil, err
	}

	cursor, ok := s.pages.resolve(req.GetStartingToken())
	if !ok {
		return nil, status.Errorf(codes.Aborted, "starting token %q is unknown or expired", req.GetStartingToken())
	}

	all := mgr.ListVolumes()
	if cursor > len(all) {
		return nil, status.Errorf(codes.Aborted, "starting token %q is out of range", req.GetStartingToken())
	}

	maxEntries := int(req.GetMaxEntries())
	if maxEntries <= 0 {
		maxEntries = defaultMaxListEntries
	}

	end := cursor + maxEntries
	if end > len(all) {
		end = len(all)
	}

	resp := &csispec.ListVolumesResponse{}
	for _, v := range all[cursor:end] {
		resp.Entries = append(resp.Entries, &csispec.ListVolumesResponse_Entry{
			Volume: toCSIVolume(v.UUID, v.Status()),
		})
	}

	s.pages.discard(req.GetStartingToken())
	if end < len(all) {
		resp.NextToken = s.pages.newToken(end)
	}
	return resp, nil
}

// GetCapacity reports the free bytes of the node named by the accessible
// topology segment, or the cluster-wide total if none is given.
func (s *Server) GetCapacity(ctx context.Context, req *csispec.GetCapacityRequest) (*csispec.GetCapacityResponse, error) {
	reg, _, err := s.checkReady()
	if err != nil {
		return nil, err
	}

	nodeName := ""
	if t := req.GetAccessibleTopology(); t != nil {
		nodeName = t.GetSegments()[topologyHostnameKey]
	}

	var available uint64
	if nodeName != "" {
		available = reg.GetCapacity(nodeName)
	} else {
		for _, n := range reg.ListNodes() {
			available += reg.GetCapacity(n.Name)
		}
	}

	return &csispec.GetCapacityResponse{AvailableCapacity: int64(available)}, nil
}

// ControllerGetCapabilities advertises exactly the RPCs this controller
// actually serves (§4.4); snapshots and expand fall through to the
// embedded UnimplementedControllerServer.
func (s *Server) ControllerGetCapabilities(ctx context.Context, req *csispec.ControllerGetCapabilitiesRequest) (*csispec.ControllerGetCapabilitiesResponse, error) {
	rpcTypes := []csispec.ControllerServiceCapability_RPC_Type{
		csispec.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csispec.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csispec.ControllerServiceCapability_RPC_LIST_VOLUMES,
		csispec.ControllerServiceCapability_RPC_GET_CAPACITY,
	}
	caps := make([]*csispec.ControllerServiceCapability, 0, len(rpcTypes))
	for _, t := range rpcTypes {
		caps = append(caps, &csispec.ControllerServiceCapability{
			Type: &csispec.ControllerServiceCapability_Rpc{
				Rpc: &csispec.ControllerServiceCapability_RPC{Type: t},
			},
		})
	}
	return &csispec.ControllerGetCapabilitiesResponse{Capabilities: caps}, nil
}
