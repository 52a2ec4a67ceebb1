// Package volume implements the Volume state machine (§4.3): provisioning,
// replica placement, nexus publishing, fault-driven replica replacement and
// the bridge to the persistent recovery store. Manager owns the set of
// Volume objects and drives each one's FSM against the Registry.
package volume

import (
	"context"
	"sort"
	"sync"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/eventstream"
	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/store"
	"github.com/sirupsen/logrus"
)

// Manager owns every Volume, indexes which volume a given replica/nexus/node
// belongs to so incoming Registry events can be routed without scanning
// every volume, and re-emits volume-level change events of its own.
type Manager struct {
	reg   *registry.Registry
	store store.Store
	log   *logrus.Entry
	broker *eventstream.Broker

	mu           sync.RWMutex
	volumes      map[string]*Volume
	replicaIndex map[string]string          // replica UUID -> volume UUID
	nexusIndex   map[string]string          // nexus UUID -> volume UUID
	nodeIndex    map[string]map[string]bool // node name -> set of volume UUIDs

	cancel context.CancelFunc
}

// NewManager constructs an empty Manager. Run must be called once to start
// tailing Registry events.
func NewManager(reg *registry.Registry, st store.Store) *Manager {
	return &Manager{
		reg:          reg,
		store:        st,
		log:          log.ForComponent("volume"),
		broker:       eventstream.NewBroker(),
		volumes:      make(map[string]*Volume),
		replicaIndex: make(map[string]string),
		nexusIndex:   make(map[string]string),
		nodeIndex:    make(map[string]map[string]bool),
	}
}

// Run starts the goroutine that tails Registry events and routes them to
// the owning Volume's WorkQueue. It returns once ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	stream := m.reg.Subscribe()
	go func() {
		defer stream.Close()
		for {
			e, err := stream.NextEvent(ctx)
			if err != nil {
				return
			}
			m.route(e)
		}
	}()
}

// Stop cancels the Registry-tailing goroutine started by Run.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// route dispatches a Registry event to the volume WorkQueue(s) it concerns:
// a replica/nexus event goes to its single owning volume, while a pool/node
// event (a whole node going offline) can affect every volume with a replica
// or nexus on that node, so it fans out to all of them.
func (m *Manager) route(e eventstream.Event) {
	switch e.Kind {
	case base.KindReplica:
		r := e.Object.(*registry.Replica)
		m.mu.RLock()
		volID, ok := m.replicaIndex[r.UUID]
		m.mu.RUnlock()
		if ok {
			m.dispatch(volID, e)
		}
	case base.KindNexus:
		nx := e.Object.(*registry.Nexus)
		m.mu.RLock()
		volID, ok := m.nexusIndex[nx.UUID]
		m.mu.RUnlock()
		if ok {
			m.dispatch(volID, e)
		}
	case base.KindPool:
		p := e.Object.(*registry.Pool)
		for _, id := range m.volumesOnNode(p.NodeName) {
			m.dispatch(id, e)
		}
	case base.KindNode:
		n := e.Object.(*registry.Node)
		for _, id := range m.volumesOnNode(n.Name) {
			m.dispatch(id, e)
		}
	}
}

func (m *Manager) dispatch(volID string, e eventstream.Event) {
	m.mu.RLock()
	v, ok := m.volumes[volID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	v.queue.Push(func() { v.handleEvent(context.Background(), e) })
}

func (m *Manager) indexReplica(volID, replicaUUID, nodeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexReplicaLocked(volID, replicaUUID, nodeName)
}

func (m *Manager) indexReplicaLocked(volID, replicaUUID, nodeName string) {
	m.replicaIndex[replicaUUID] = volID
	m.addNodeIndexLocked(volID, nodeName)
}

func (m *Manager) deindexReplica(replicaUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replicaIndex, replicaUUID)
}

func (m *Manager) indexNexus(volID, nexusUUID, nodeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexNexusLocked(volID, nexusUUID, nodeName)
}

func (m *Manager) indexNexusLocked(volID, nexusUUID, nodeName string) {
	m.nexusIndex[nexusUUID] = volID
	m.addNodeIndexLocked(volID, nodeName)
}

func (m *Manager) deindexNexus(nexusUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nexusIndex, nexusUUID)
}

func (m *Manager) addNodeIndexLocked(volID, nodeName string) {
	if nodeName == "" {
		return
	}
	set, ok := m.nodeIndex[nodeName]
	if !ok {
		set = make(map[string]bool)
		m.nodeIndex[nodeName] = set
	}
	set[volID] = true
}

func (m *Manager) volumesOnNode(nodeName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.nodeIndex[nodeName]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// CreateVolume provisions uuid with spec if it does not already exist;
// calling it again with the same uuid is idempotent and returns the
// existing volume unchanged (§8 invariant 5).
func (m *Manager) CreateVolume(ctx context.Context, uuid string, spec Spec) (*Volume, error) {
	m.mu.Lock()
	if v, ok := m.volumes[uuid]; ok {
		m.mu.Unlock()
		return v, nil
	}
	if err := validateSpec(spec); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	v := newVolume(uuid, spec, m)
	m.volumes[uuid] = v
	m.mu.Unlock()

	m.emit(base.EventNew, v)
	metrics.VolumesTotal.WithLabelValues("total").Set(float64(m.count()))

	done := make(chan error, 1)
	if !v.queue.Push(func() { done <- v.provision(ctx) }) {
		return v, base.Unavailable("volume %s is shutting down", uuid)
	}
	return v, <-done
}

func validateSpec(s Spec) error {
	if s.ReplicaCount < 1 {
		return base.InvalidArgument("replicaCount must be >= 1")
	}
	if s.RequiredBytes == 0 {
		return base.InvalidArgument("requiredBytes must be > 0")
	}
	if s.LimitBytes > 0 && s.LimitBytes < s.RequiredBytes {
		return base.InvalidArgument("limitBytes %d is less than requiredBytes %d", s.LimitBytes, s.RequiredBytes)
	}
	return nil
}

// ImportVolume reconstructs a Volume from CRD-recorded spec/status without
// re-creating replicas on the data plane (§4.5, §8 scenario 6).
func (m *Manager) ImportVolume(uuid string, spec Spec, status Status) *Volume {
	m.mu.Lock()
	if v, ok := m.volumes[uuid]; ok {
		m.mu.Unlock()
		return v
	}
	v := newVolume(uuid, spec, m)
	v.status = status
	m.volumes[uuid] = v
	for _, r := range status.Replicas {
		m.indexReplicaLocked(uuid, r.UUID, r.NodeName)
	}
	if status.NexusUUID != "" {
		m.indexNexusLocked(uuid, status.NexusUUID, status.PublishedNode)
	}
	m.mu.Unlock()
	m.emit(base.EventNew, v)
	return v
}

// GetVolume returns the volume by UUID, if known.
func (m *Manager) GetVolume(uuid string) (*Volume, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[uuid]
	return v, ok
}

// ListVolumes returns every volume, sorted by UUID.
func (m *Manager) ListVolumes() []*Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.volumes)
}

// DestroyVolume unpublishes, destroys the nexus and every replica, clears
// the persistent-store entry, then latches the volume to DESTROYED. It is
// idempotent: a volume already in DESTROYED, or unknown, returns success.
func (m *Manager) DestroyVolume(ctx context.Context, uuid string) error {
	m.mu.RLock()
	v, ok := m.volumes[uuid]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	if !v.queue.Push(func() { done <- v.destroy(ctx) }) {
		return base.Unavailable("volume %s is shutting down", uuid)
	}
	if err := <-done; err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.volumes, uuid)
	m.mu.Unlock()
	m.emit(base.EventDel, v)
	metrics.VolumesTotal.WithLabelValues("total").Set(float64(m.count()))
	return nil
}

func (m *Manager) emit(typ base.EventType, v *Volume) {
	m.broker.Publish(eventstream.Event{Kind: base.KindVolume, Type: typ, Object: v})
}

// Subscribe opens an Event Stream that first replays one new event per
// existing volume, then tails live volume-level changes.
func (m *Manager) Subscribe() *eventstream.Stream {
	return m.broker.Subscribe(func(push func(eventstream.Event)) {
		for _, v := range m.ListVolumes() {
			push(eventstream.Event{Kind: base.KindVolume, Type: base.EventNew, Object: v})
		}
	})
}
