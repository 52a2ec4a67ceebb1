package csi

import (
	"context"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GetPluginInfo is always available, even before MakeReady (§4.4).
func (s *Server) GetPluginInfo(ctx context.Context, req *csispec.GetPluginInfoRequest) (*csispec.GetPluginInfoResponse, error) {
	return &csispec.GetPluginInfoResponse{
		Name:          pluginName,
		VendorVersion: pluginVersion,
	}, nil
}

func (s *Server) GetPluginCapabilities(ctx context.Context, req *csispec.GetPluginCapabilitiesRequest) (*csispec.GetPluginCapabilitiesResponse, error) {
	return &csispec.GetPluginCapabilitiesResponse{
		Capabilities: []*csispec.PluginCapability{
			{
				Type: &csispec.PluginCapability_Service_{
					Service: &csispec.PluginCapability_Service{
						Type: csispec.PluginCapability_Service_CONTROLLER_SERVICE,
					},
				},
			},
		},
	}, nil
}

// Probe reports readiness based on the same gate Controller methods check.
func (s *Server) Probe(ctx context.Context, req *csispec.ProbeRequest) (*csispec.ProbeResponse, error) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	return &csispec.ProbeResponse{Ready: wrapperspb.Bool(ready)}, nil
}
