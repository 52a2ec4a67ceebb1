// Package csi implements the orchestrator-facing CSI Identity and Controller
// services (§4.4, §6): the gRPC-visible surface that turns createVolume,
// controllerPublishVolume and friends into calls against the Volume Manager.
package csi

import (
	"sync"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/volume"
	"github.com/blockpool-io/csi-controller/pkg/workqueue"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	pluginName    = "blockpool.io.csi-controller"
	pluginVersion = "1.0.0"
)

// Server implements both the CSI Identity and Controller gRPC services. It
// starts bound and serving Identity immediately; Controller methods return
// UNAVAILABLE until makeReady is called by the supervisor (§4.4 readiness).
type Server struct {
	csispec.UnimplementedIdentityServer
	csispec.UnimplementedControllerServer

	log   *logrus.Entry
	dedup *dedupCache
	queue *workqueue.Queue // process-wide: serializes createVolume/controllerPublishVolume

	mu      sync.RWMutex
	ready   bool
	reg     *registry.Registry
	volumes *volume.Manager

	pages *pagingStore
}

// NewServer constructs an unready Server. Call MakeReady once the Registry
// and Volume Manager are wired up.
func NewServer() *Server {
	return &Server{
		log:   log.ForComponent("csi"),
		dedup: newDedupCache(),
		queue: workqueue.New("csi-dispatcher"),
		pages: newPagingStore(),
	}
}

// MakeReady binds the Registry and Volume Manager and flips the readiness
// gate so Controller methods start serving real results.
func (s *Server) MakeReady(reg *registry.Registry, mgr *volume.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg = reg
	s.volumes = mgr
	s.ready = true
}

// UndoReady reverts the server to the unready state, e.g. during a
// controlled shutdown sequence.
func (s *Server) UndoReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
}

func (s *Server) checkReady() (*registry.Registry, *volume.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, nil, status.Error(codes.Unavailable, "controller service is not ready")
	}
	return s.reg, s.volumes, nil
}

// call runs fn as the body of a dedup'd, metric-instrumented Controller
// method invocation.
func call(s *Server, method string, req interface{}, fn func() (interface{}, error)) (interface{}, error) {
	timer := metricsTimer()
	result, err := s.dedup.do(method, req, fn)
	observeCSICall(timer, method, err)
	return result, err
}

func volumeErrToStatus(err error) error {
	if err == nil {
		return nil
	}
	return base.ToGRPCError(err)
}
