package volume

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/eventstream"
	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/rpc"
	"github.com/blockpool-io/csi-controller/pkg/store"
	"github.com/blockpool-io/csi-controller/pkg/workqueue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Volume is one provisioned volume: its desired Spec, its observed Status,
// and the WorkQueue that serializes every FSM transition against it so
// concurrent CSI operations and spontaneous event-driven reconciliation
// never race (§4.3, §5).
type Volume struct {
	UUID string

	mgr   *Manager
	log   *logrus.Entry
	queue *workqueue.Queue

	mu     sync.Mutex
	spec   Spec
	status Status
}

func newVolume(id string, spec Spec, mgr *Manager) *Volume {
	return &Volume{
		UUID:  id,
		mgr:   mgr,
		log:   log.ForComponent("volume").WithField("volume", id),
		queue: workqueue.New("volume-" + id),
		spec:  spec,
		status: Status{
			Phase: base.VolumePending,
		},
	}
}

// Spec returns a copy of the volume's desired configuration.
func (v *Volume) Spec() Spec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spec
}

// Status returns a copy of the volume's observed state.
func (v *Volume) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.status
	s.Replicas = append([]BoundReplica(nil), v.status.Replicas...)
	return s
}

func (v *Volume) setPhase(phase base.VolumePhase, reason string) {
	v.mu.Lock()
	v.status.Phase = phase
	v.status.Reason = reason
	v.mu.Unlock()
	v.mgr.emit(base.EventMod, v)
}

// provision runs the new-volume algorithm of §4.3 steps 1-4,6: choose
// pools, create one replica per pool, consult the persistent store, and set
// the resulting phase. Publishing is deferred to an explicit Publish call.
func (v *Volume) provision(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VolumeProvisionDuration)

	spec := v.Spec()
	pools := v.mgr.reg.ChoosePools(spec.RequiredBytes, spec.RequiredNodes, spec.PreferredNodes)
	if len(pools) < spec.ReplicaCount {
		v.setPhase(base.VolumeFaulted, "insufficient pools for replica placement")
		return base.ResourceExhausted("only %d of %d required pools available for volume %s", len(pools), spec.ReplicaCount, v.UUID)
	}
	pools = pools[:spec.ReplicaCount]

	var bound []BoundReplica
	for _, p := range pools {
		node, ok := v.mgr.reg.GetNode(p.NodeName)
		if !ok {
			continue
		}
		r, err := node.CreateReplica(ctx, p.Name, &rpc.CreateReplicaRequest{
			UUID:  uuid.New().String(),
			Pool:  p.Name,
			Size:  alignSize(spec.RequiredBytes),
			Share: base.ShareNone,
		})
		if err != nil {
			v.log.WithError(err).WithField("pool", p.Name).Warn("failed to create replica")
			continue
		}
		v.mgr.indexReplica(v.UUID, r.UUID, r.NodeName)
		bound = append(bound, BoundReplica{UUID: r.UUID, NodeName: r.NodeName, PoolName: r.PoolName})
	}

	v.mu.Lock()
	v.status.Replicas = bound
	v.status.Size = alignSize(spec.RequiredBytes)
	v.mu.Unlock()

	return v.reconcilePhase()
}

// reconcilePhase re-derives PENDING/HEALTHY/DEGRADED/FAULTED from the
// current bound-replica online count against spec.ReplicaCount.
func (v *Volume) reconcilePhase() error {
	spec := v.Spec()
	status := v.Status()

	online := status.OnlineCount()
	var phase base.VolumePhase
	var reason string
	switch {
	case online == 0:
		phase = base.VolumeFaulted
		reason = "no online replicas"
	case online < spec.ReplicaCount:
		phase = base.VolumeDegraded
		reason = fmt.Sprintf("%d/%d replicas online", online, spec.ReplicaCount)
	default:
		phase = base.VolumeHealthy
	}
	v.setPhase(phase, reason)
	if phase == base.VolumeFaulted {
		metrics.VolumeFaultsTotal.WithLabelValues("insufficient_replicas").Inc()
	}
	return nil
}

// alignSize rounds n up to a 4096-byte alignment, mirroring the data
// plane's own block alignment requirement.
func alignSize(n uint64) uint64 {
	const blockSize = 4096
	if n%blockSize == 0 {
		return n
	}
	return (n/blockSize + 1) * blockSize
}

// Publish creates (or re-uses) a nexus on targetNode, reshares bound
// replicas according to their locality relative to it, adds the healthy
// ones as children, and publishes with the volume's configured frontend
// protocol. Idempotent per §4.3/§8 invariant 5.
func (v *Volume) Publish(ctx context.Context, targetNode string) (string, error) {
	done := make(chan struct {
		uri string
		err error
	}, 1)
	if !v.queue.Push(func() {
		uri, err := v.publish(ctx, targetNode)
		done <- struct {
			uri string
			err error
		}{uri, err}
	}) {
		return "", base.Unavailable("volume %s is shutting down", v.UUID)
	}
	r := <-done
	return r.uri, r.err
}

func (v *Volume) publish(ctx context.Context, targetNode string) (string, error) {
	status := v.Status()
	spec := v.Spec()

	if status.NexusUUID != "" && status.PublishedNode == targetNode && status.DeviceURI != "" {
		return status.DeviceURI, nil
	}
	if status.NexusUUID != "" && status.PublishedNode != "" && status.PublishedNode != targetNode {
		if err := v.unpublish(ctx); err != nil {
			return "", err
		}
		status = v.Status()
	}

	node, ok := v.mgr.reg.GetNode(targetNode)
	if !ok {
		return "", base.NotFound("node %s not found", targetNode)
	}

	candidates := make([]store.ReplicaCandidate, 0, len(status.Replicas))
	for _, r := range status.Replicas {
		if r.Offline {
			continue
		}
		rep, ok := v.mgr.reg.GetReplica(r.UUID)
		if !ok {
			continue
		}
		candidates = append(candidates, store.ReplicaCandidate{UUID: rep.RealUUID, Local: r.NodeName == targetNode})
	}

	nexusUUID := status.NexusUUID
	if nexusUUID == "" {
		nexusUUID = uuid.New().String()
	}

	if v.mgr.store != nil {
		filtered, err := v.mgr.store.FilterReplicas(ctx, nexusUUID, candidates)
		if err != nil {
			return "", err
		}
		candidates = filtered
	}

	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c.UUID] = true
	}

	var childURIs []string
	var degraded []string
	for _, r := range status.Replicas {
		rep, ok := v.mgr.reg.GetReplica(r.UUID)
		if !ok || r.Offline {
			degraded = append(degraded, r.UUID)
			continue
		}
		if !allowed[rep.RealUUID] {
			continue
		}
		share := base.ShareNVMF
		if rep.NodeName == targetNode {
			share = base.ShareNone
		}
		if rep.Share != share {
			rnode, ok := v.mgr.reg.GetNode(rep.NodeName)
			if ok {
				newRep, err := rnode.ShareReplica(ctx, rep.PoolName, rep.UUID, share)
				if err == nil {
					rep = newRep
				}
			}
		}
		childURIs = append(childURIs, rep.URI)
	}
	if len(childURIs) == 0 {
		v.setPhase(base.VolumeFaulted, "no healthy replica available to publish")
		return "", base.FailedPrecondition("no healthy replicas to publish volume %s", v.UUID)
	}

	nx, err := node.CreateNexus(ctx, &rpc.CreateNexusRequest{UUID: nexusUUID, Size: status.Size, Children: childURIs})
	if err != nil {
		return "", err
	}
	v.mgr.indexNexus(v.UUID, nx.UUID, node.Name)

	published, err := node.PublishNexus(ctx, nx.UUID, spec.Protocol)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.status.NexusUUID = published.UUID
	v.status.DeviceURI = published.DeviceURI
	v.status.PublishedNode = targetNode
	v.mu.Unlock()

	if len(degraded) > 0 {
		v.setPhase(base.VolumeDegraded, "one or more replicas degraded during publish")
	} else {
		v.setPhase(base.VolumeHealthy, "")
	}
	return published.DeviceURI, nil
}

// Unpublish is best-effort per §4.3: an unreachable node reports success so
// destruction never blocks indefinitely.
func (v *Volume) Unpublish(ctx context.Context) error {
	done := make(chan error, 1)
	if !v.queue.Push(func() { done <- v.unpublish(ctx) }) {
		return base.Unavailable("volume %s is shutting down", v.UUID)
	}
	return <-done
}

func (v *Volume) unpublish(ctx context.Context) error {
	status := v.Status()
	if status.NexusUUID == "" || status.PublishedNode == "" {
		return nil
	}
	node, ok := v.mgr.reg.GetNode(status.PublishedNode)
	if ok {
		if err := node.UnpublishNexus(ctx, status.NexusUUID); err != nil {
			return err
		}
	}
	v.mu.Lock()
	v.status.DeviceURI = ""
	v.status.PublishedNode = ""
	v.mu.Unlock()
	return nil
}

// destroy implements §4.3 destruction order: unpublish, destroy nexus,
// destroy each replica, drop the persistent-store entry, then latch
// DESTROYED. It is idempotent against a volume already DESTROYED.
func (v *Volume) destroy(ctx context.Context) error {
	if v.Status().Phase == base.VolumeDestroyed {
		return nil
	}
	status := v.Status()
	if err := v.unpublish(ctx); err != nil {
		return err
	}

	if status.NexusUUID != "" {
		// The nexus object lives on whichever node created it, which may no
		// longer be status.PublishedNode once unpublish has cleared it (the
		// nexus is unpublished, not destroyed, by UnpublishNexus): resolve the
		// owning node from the registry rather than the volume's own status.
		if nx, ok := v.mgr.reg.GetNexus(status.NexusUUID); ok {
			if node, ok := v.mgr.reg.GetNode(nx.NodeName); ok {
				_ = node.DestroyNexus(ctx, status.NexusUUID)
			}
		}
		v.mgr.deindexNexus(status.NexusUUID)
	}

	for _, r := range status.Replicas {
		node, ok := v.mgr.reg.GetNode(r.NodeName)
		if ok {
			_ = node.DestroyReplica(ctx, r.PoolName, r.UUID)
		}
		v.mgr.deindexReplica(r.UUID)
	}

	if v.mgr.store != nil && status.NexusUUID != "" {
		_ = v.mgr.store.DestroyNexus(ctx, status.NexusUUID)
	}

	v.mu.Lock()
	v.status = Status{Phase: base.VolumeDestroyed}
	v.mu.Unlock()
	v.mgr.emit(base.EventMod, v)
	return nil
}

// Destroy runs destroy through the volume's WorkQueue.
func (v *Volume) Destroy(ctx context.Context) error {
	done := make(chan error, 1)
	if !v.queue.Push(func() { done <- v.destroy(ctx) }) {
		return base.Unavailable("volume %s is shutting down", v.UUID)
	}
	return <-done
}

// Update applies the supported spec mutations of §4.3: preferredNodes and
// requiredNodes are recorded and only constrain future placement (replica
// growth and fault-driven replacement); replicas already bound to nodes
// outside requiredNodes are not moved. replicaCount grows or shrinks the
// bound-replica set. Size is immutable.
func (v *Volume) Update(ctx context.Context, newSpec Spec) error {
	done := make(chan error, 1)
	if !v.queue.Push(func() { done <- v.update(ctx, newSpec) }) {
		return base.Unavailable("volume %s is shutting down", v.UUID)
	}
	return <-done
}

func (v *Volume) update(ctx context.Context, newSpec Spec) error {
	old := v.Spec()
	if newSpec.RequiredBytes != old.RequiredBytes {
		return base.InvalidArgument("volume size is immutable")
	}

	v.mu.Lock()
	v.spec.PreferredNodes = newSpec.PreferredNodes
	v.spec.RequiredNodes = newSpec.RequiredNodes
	grow := newSpec.ReplicaCount - v.spec.ReplicaCount
	v.spec.ReplicaCount = newSpec.ReplicaCount
	v.mu.Unlock()

	if grow > 0 {
		v.growReplicas(ctx, grow)
	} else if grow < 0 {
		v.shrinkReplicas(ctx, -grow)
	}
	return v.reconcilePhase()
}

func (v *Volume) growReplicas(ctx context.Context, n int) {
	status := v.Status()
	spec := v.Spec()
	used := make([]string, 0, len(status.Replicas))
	for _, r := range status.Replicas {
		used = append(used, r.NodeName)
	}
	pools := v.mgr.reg.ChoosePools(status.Size, spec.RequiredNodes, spec.PreferredNodes)
	pools = excludeNodes(pools, used)
	for i := 0; i < n && i < len(pools); i++ {
		v.addReplicaOn(ctx, pools[i])
	}
}

func (v *Volume) shrinkReplicas(ctx context.Context, n int) {
	status := v.Status()
	sort.Slice(status.Replicas, func(i, j int) bool { return status.Replicas[i].UUID < status.Replicas[j].UUID })
	for i := 0; i < n && i < len(status.Replicas); i++ {
		r := status.Replicas[len(status.Replicas)-1-i]
		v.detachChildLive(ctx, r)
		node, ok := v.mgr.reg.GetNode(r.NodeName)
		if ok {
			_ = node.DestroyReplica(ctx, r.PoolName, r.UUID)
		}
		v.mgr.deindexReplica(r.UUID)
		v.removeBoundReplica(r.UUID)
	}
}

// detachChildLive removes r's replica from the published nexus's child list
// before it is destroyed, mirroring attachChildLive on the shrink path.
func (v *Volume) detachChildLive(ctx context.Context, r BoundReplica) {
	status := v.Status()
	if status.NexusUUID == "" || status.PublishedNode == "" {
		return
	}
	rep, ok := v.mgr.reg.GetReplica(r.UUID)
	if !ok {
		return
	}
	nexusNode, ok := v.mgr.reg.GetNode(status.PublishedNode)
	if !ok {
		return
	}
	if _, err := nexusNode.RemoveChild(ctx, status.NexusUUID, rep.URI); err != nil {
		v.log.WithError(err).Warn("failed to remove replica from published nexus before destroy")
	}
}

func excludeNodes(pools []*registry.Pool, used []string) []*registry.Pool {
	excluded := make(map[string]bool, len(used))
	for _, n := range used {
		excluded[n] = true
	}
	out := make([]*registry.Pool, 0, len(pools))
	for _, p := range pools {
		if !excluded[p.NodeName] {
			out = append(out, p)
		}
	}
	return out
}

func (v *Volume) addReplicaOn(ctx context.Context, p *registry.Pool) {
	node, ok := v.mgr.reg.GetNode(p.NodeName)
	if !ok {
		return
	}
	status := v.Status()
	r, err := node.CreateReplica(ctx, p.Name, &rpc.CreateReplicaRequest{
		UUID:  uuid.New().String(),
		Pool:  p.Name,
		Size:  status.Size,
		Share: base.ShareNone,
	})
	if err != nil {
		v.log.WithError(err).Warn("failed to create replacement replica")
		return
	}
	v.mgr.indexReplica(v.UUID, r.UUID, r.NodeName)
	v.mu.Lock()
	v.status.Replicas = append(v.status.Replicas, BoundReplica{UUID: r.UUID, NodeName: r.NodeName, PoolName: r.PoolName})
	v.mu.Unlock()
	v.attachChildLive(ctx, r)
}

// attachChildLive adds rep as a nexus child without a full republish, for
// the rebuild path of §4.3's fault-handling table: a replacement replica
// created while the volume is already published is hot-added instead of
// waiting for the next publish() call to rebuild the child list.
func (v *Volume) attachChildLive(ctx context.Context, rep *registry.Replica) {
	status := v.Status()
	if status.NexusUUID == "" || status.PublishedNode == "" {
		return
	}
	nexusNode, ok := v.mgr.reg.GetNode(status.PublishedNode)
	if !ok {
		return
	}
	share := base.ShareNVMF
	if rep.NodeName == status.PublishedNode {
		share = base.ShareNone
	}
	if rep.Share != share {
		if repNode, ok := v.mgr.reg.GetNode(rep.NodeName); ok {
			if newRep, err := repNode.ShareReplica(ctx, rep.PoolName, rep.UUID, share); err == nil {
				rep = newRep
			}
		}
	}
	if _, err := nexusNode.AddChild(ctx, status.NexusUUID, rep.URI); err != nil {
		v.log.WithError(err).Warn("failed to hot-add replacement replica to published nexus")
	}
}

func (v *Volume) removeBoundReplica(uuid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.status.Replicas[:0]
	for _, r := range v.status.Replicas {
		if r.UUID != uuid {
			out = append(out, r)
		}
	}
	v.status.Replicas = out
}

// handleEvent implements the fault-handling table of §4.3. It runs on the
// volume's own WorkQueue so it never races a concurrent CSI operation.
func (v *Volume) handleEvent(ctx context.Context, e eventstream.Event) {
	switch e.Kind {
	case base.KindReplica:
		r := e.Object.(*registry.Replica)
		switch e.Type {
		case base.EventDel:
			v.onReplicaLost(ctx, r.UUID)
		case base.EventMod:
			if r.IsOffline() {
				v.markReplicaOffline(r.UUID)
				v.scheduleReplacement(ctx)
			}
		}
	case base.KindPool:
		p := e.Object.(*registry.Pool)
		if e.Type == base.EventMod && !p.Accessible() {
			v.markPoolOffline(p.NodeName, p.Name)
			v.scheduleReplacement(ctx)
		}
	case base.KindNode:
		n := e.Object.(*registry.Node)
		if e.Type == base.EventMod && !n.IsSynced() {
			v.markNodeOffline(n.Name)
			v.scheduleReplacement(ctx)
		}
	case base.KindNexus:
		nx := e.Object.(*registry.Nexus)
		status := v.Status()
		if nx.UUID != status.NexusUUID {
			return
		}
		switch {
		case e.Type == base.EventDel:
			v.onNexusLost(ctx)
		case e.Type == base.EventMod && nx.State == base.NexusFaulted:
			if len(nx.Children) < v.Spec().ReplicaCount {
				v.scheduleReplacement(ctx)
			}
		}
	}
	_ = v.reconcilePhase()
}

func (v *Volume) markReplicaOffline(uuid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.status.Replicas {
		if v.status.Replicas[i].UUID == uuid {
			v.status.Replicas[i].Offline = true
		}
	}
}

func (v *Volume) onReplicaLost(ctx context.Context, uuid string) {
	v.markReplicaOffline(uuid)
	v.mgr.deindexReplica(uuid)
	v.scheduleReplacement(ctx)
}

func (v *Volume) markPoolOffline(nodeName, poolName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.status.Replicas {
		if v.status.Replicas[i].NodeName == nodeName && v.status.Replicas[i].PoolName == poolName {
			v.status.Replicas[i].Offline = true
		}
	}
}

func (v *Volume) markNodeOffline(nodeName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.status.Replicas {
		if v.status.Replicas[i].NodeName == nodeName {
			v.status.Replicas[i].Offline = true
		}
	}
}

func (v *Volume) onNexusLost(ctx context.Context) {
	v.mu.Lock()
	wasPublished := v.status.PublishedNode != ""
	target := v.status.PublishedNode
	v.status.NexusUUID = ""
	v.status.DeviceURI = ""
	v.mu.Unlock()
	if wasPublished {
		if _, err := v.publish(ctx, target); err != nil {
			v.log.WithError(err).Warn("failed to re-create nexus after loss")
		}
	}
}

// scheduleReplacement creates one replacement replica on a fresh candidate
// pool when the volume has fewer online replicas than its spec calls for.
func (v *Volume) scheduleReplacement(ctx context.Context) {
	status := v.Status()
	spec := v.Spec()
	if status.OnlineCount() >= spec.ReplicaCount {
		return
	}
	used := make([]string, 0, len(status.Replicas))
	for _, r := range status.Replicas {
		used = append(used, r.NodeName)
	}
	pools := v.mgr.reg.ChoosePools(status.Size, spec.RequiredNodes, spec.PreferredNodes)
	pools = excludeNodes(pools, used)
	if len(pools) == 0 {
		v.setPhase(base.VolumeFaulted, "no candidate pool for replacement replica")
		return
	}
	v.addReplicaOn(ctx, pools[0])
}
