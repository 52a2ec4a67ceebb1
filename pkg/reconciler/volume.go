package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"

	storagev1 "github.com/blockpool-io/csi-controller/pkg/apis/storage/v1"
	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/eventstream"
	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
	"github.com/blockpool-io/csi-controller/pkg/volume"
	"github.com/blockpool-io/csi-controller/pkg/workqueue"
)

var phaseToCR = map[base.VolumePhase]storagev1.VolumePhase{
	base.VolumePending:   storagev1.VolumePending,
	base.VolumeHealthy:   storagev1.VolumeHealthy,
	base.VolumeDegraded:  storagev1.VolumeDegraded,
	base.VolumeFaulted:   storagev1.VolumeFaulted,
	base.VolumeDestroyed: storagev1.VolumeDestroyed,
	base.VolumeError:     storagev1.VolumeError,
}

var phaseFromCR = map[storagev1.VolumePhase]base.VolumePhase{
	storagev1.VolumePending:   base.VolumePending,
	storagev1.VolumeHealthy:   base.VolumeHealthy,
	storagev1.VolumeDegraded:  base.VolumeDegraded,
	storagev1.VolumeFaulted:   base.VolumeFaulted,
	storagev1.VolumeDestroyed: base.VolumeDestroyed,
	storagev1.VolumeError:     base.VolumeError,
}

// VolumeReconciler bridges Volume custom resources with the Volume Manager
// (§4.5 "analogous rules for volumes"). Like NodeReconciler, every callback
// runs through one WorkQueue regardless of which side triggered it.
type VolumeReconciler struct {
	client      storagev1.VolumeClient
	mgr         *volume.Manager
	log         *logrus.Entry
	queue       *workqueue.Queue
	idleTimeout time.Duration

	mu    sync.Mutex
	specs map[string]storagev1.VolumeSpec // uuid -> last spec we wrote or observed, to suppress write-triggered loops
}

// NewVolumeReconciler constructs a VolumeReconciler. Call Run to start it.
func NewVolumeReconciler(client storagev1.VolumeClient, mgr *volume.Manager) *VolumeReconciler {
	return &VolumeReconciler{
		client: client,
		mgr:    mgr,
		log:    log.ForComponent("reconciler-volume"),
		queue:  workqueue.New("reconciler-volume"),
		specs:  make(map[string]storagev1.VolumeSpec),
	}
}

type volumeListerWatcher struct{ client storagev1.VolumeClient }

func (w volumeListerWatcher) List(opts metav1.ListOptions) (runtime.Object, error) {
	return w.client.List(opts)
}

func (w volumeListerWatcher) Watch(opts metav1.ListOptions) (watch.Interface, error) {
	return w.client.Watch(opts)
}

// Run starts the CR watch loop and a goroutine tailing Volume Manager
// events. It returns once ctx is cancelled.
func (r *VolumeReconciler) Run(ctx context.Context) {
	go runWatchLoop(ctx, "volume", volumeListerWatcher{r.client}, r.idleTimeout, r.handleCREvent, r.log)

	stream := r.mgr.Subscribe()
	go func() {
		defer stream.Close()
		for {
			e, err := stream.NextEvent(ctx)
			if err != nil {
				return
			}
			evt := e
			r.queue.Push(func() { r.handleManagerEvent(ctx, evt) })
		}
	}()
}

func (r *VolumeReconciler) handleCREvent(et watch.EventType, obj runtime.Object) {
	v, ok := obj.(*storagev1.Volume)
	if !ok {
		return
	}
	cp := v.DeepCopy()
	r.queue.Push(func() { r.reconcileCREvent(context.Background(), et, cp) })
}

func (r *VolumeReconciler) reconcileCREvent(ctx context.Context, et watch.EventType, v *storagev1.Volume) {
	timer := metrics.NewTimer()
	outcome := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.ReconcileDuration, "volume")
		metrics.ReconcileCyclesTotal.WithLabelValues("volume", outcome).Inc()
	}()

	uuid := v.Name

	switch et {
	case watch.Added:
		if _, known := r.mgr.GetVolume(uuid); known {
			// Already provisioned through CSI; the CR we see here is the
			// one the manager->CR half of this bridge just created.
			r.mu.Lock()
			r.specs[uuid] = v.Spec
			r.mu.Unlock()
			return
		}
		// CR new with no in-memory volume: reconstruct from the CR's
		// recorded spec/status without touching the data plane (§8
		// scenario 6 -- startup import).
		r.mgr.ImportVolume(uuid, specFromCR(v.Spec), statusFromCR(v.Status))
		r.mu.Lock()
		r.specs[uuid] = v.Spec
		r.mu.Unlock()

	case watch.Modified:
		r.mu.Lock()
		last, seen := r.specs[uuid]
		r.specs[uuid] = v.Spec
		r.mu.Unlock()
		if seen && specsEqual(last, v.Spec) {
			return // our own status-only write looped back; nothing to do
		}
		vol, known := r.mgr.GetVolume(uuid)
		if !known {
			r.mgr.ImportVolume(uuid, specFromCR(v.Spec), statusFromCR(v.Status))
			return
		}
		if err := vol.Update(ctx, specFromCR(v.Spec)); err != nil {
			r.log.WithError(err).WithField("volume", uuid).Warn("failed to apply volume CR spec update")
			outcome = "error"
		}

	case watch.Deleted:
		r.mu.Lock()
		delete(r.specs, uuid)
		r.mu.Unlock()
		if err := r.mgr.DestroyVolume(ctx, uuid); err != nil {
			r.log.WithError(err).WithField("volume", uuid).Warn("failed to destroy volume for deleted CR")
			outcome = "error"
		}
	}
}

func (r *VolumeReconciler) handleManagerEvent(ctx context.Context, e eventstream.Event) {
	v, ok := e.Object.(*volume.Volume)
	if !ok {
		return
	}
	timer := metrics.NewTimer()
	outcome := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.ReconcileDuration, "volume")
		metrics.ReconcileCyclesTotal.WithLabelValues("volume", outcome).Inc()
	}()

	switch e.Type {
	case base.EventNew, base.EventMod:
		if err := r.upsertCR(ctx, v); err != nil {
			r.log.WithError(err).WithField("volume", v.UUID).Warn("failed to reconcile volume CR")
			outcome = "error"
		}
	case base.EventDel:
		if err := r.client.Delete(ctx, v.UUID, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			r.log.WithError(err).WithField("volume", v.UUID).Warn("failed to delete volume CR")
			outcome = "error"
		}
		r.mu.Lock()
		delete(r.specs, v.UUID)
		r.mu.Unlock()
	}
}

// upsertCR creates the volume CR (full spec+status) if it does not exist --
// a volume normally originates from the CSI dispatcher, before any CR does
// -- otherwise rewrites status only, never touching Spec fields a user or
// the orchestrator may have set directly.
func (r *VolumeReconciler) upsertCR(ctx context.Context, v *volume.Volume) error {
	spec := crSpecFromInternal(v.Spec())
	status := crStatusFromInternal(v.Status())

	r.mu.Lock()
	_, known := r.specs[v.UUID]
	r.mu.Unlock()

	if !known {
		created, err := r.client.Create(ctx, &storagev1.Volume{
			ObjectMeta: metav1.ObjectMeta{Name: v.UUID},
			Spec:       spec,
			Status:     status,
		}, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return err
		}
		if err == nil {
			r.mu.Lock()
			r.specs[v.UUID] = created.Spec
			r.mu.Unlock()
			return nil
		}
	}

	return retryOnConflict(func() error {
		current, err := r.client.Get(ctx, v.UUID, metav1.GetOptions{})
		if err != nil {
			return err
		}
		current.Status = status
		updated, err := r.client.UpdateStatus(ctx, current, metav1.UpdateOptions{})
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.specs[v.UUID] = updated.Spec
		r.mu.Unlock()
		return nil
	})
}

func specFromCR(s storagev1.VolumeSpec) volume.Spec {
	return volume.Spec{
		ReplicaCount:   s.ReplicaCount,
		Local:          s.Local,
		PreferredNodes: sortedCopy(s.PreferredNodes),
		RequiredNodes:  sortedCopy(s.RequiredNodes),
		RequiredBytes:  s.RequiredBytes,
		LimitBytes:     s.LimitBytes,
		Protocol:       base.NexusShareProtocol(s.Protocol),
	}
}

func crSpecFromInternal(s volume.Spec) storagev1.VolumeSpec {
	return storagev1.VolumeSpec{
		ReplicaCount:   s.ReplicaCount,
		Local:          s.Local,
		PreferredNodes: sortedCopy(s.PreferredNodes),
		RequiredNodes:  sortedCopy(s.RequiredNodes),
		RequiredBytes:  s.RequiredBytes,
		LimitBytes:     s.LimitBytes,
		Protocol:       string(s.Protocol),
	}
}

func statusFromCR(s storagev1.VolumeStatus) volume.Status {
	reps := make([]volume.BoundReplica, 0, len(s.Replicas))
	for _, r := range s.Replicas {
		reps = append(reps, volume.BoundReplica{UUID: r.UUID, NodeName: r.NodeName, PoolName: r.PoolName, Offline: r.Offline})
	}
	return volume.Status{
		Phase:         phaseFromCR[s.Phase],
		Size:          s.Size,
		NexusUUID:     s.Nexus,
		PublishedNode: s.PublishedNode,
		Replicas:      reps,
		Reason:        s.Reason,
	}
}

func crStatusFromInternal(s volume.Status) storagev1.VolumeStatus {
	reps := make([]storagev1.VolumeReplica, 0, len(s.Replicas))
	for _, r := range s.Replicas {
		reps = append(reps, storagev1.VolumeReplica{UUID: r.UUID, NodeName: r.NodeName, PoolName: r.PoolName, Offline: r.Offline})
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i].NodeName < reps[j].NodeName })
	var targetNodes []string
	if s.PublishedNode != "" {
		targetNodes = []string{s.PublishedNode}
	}
	return storagev1.VolumeStatus{
		Phase:         phaseToCR[s.Phase],
		Size:          s.Size,
		Reason:        s.Reason,
		Nexus:         s.NexusUUID,
		TargetNodes:   targetNodes,
		PublishedNode: s.PublishedNode,
		Replicas:      reps,
	}
}

func sortedCopy(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func specsEqual(a, b storagev1.VolumeSpec) bool {
	if a.ReplicaCount != b.ReplicaCount || a.Local != b.Local || a.Protocol != b.Protocol ||
		a.RequiredBytes != b.RequiredBytes || a.LimitBytes != b.LimitBytes {
		return false
	}
	return stringsEqual(a.PreferredNodes, b.PreferredNodes) && stringsEqual(a.RequiredNodes, b.RequiredNodes)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
