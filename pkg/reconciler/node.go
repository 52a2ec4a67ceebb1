package reconciler

import (
	"context"
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
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/workqueue"
)

// NodeReconciler bridges Node custom resources with the Registry (§4.5
// reconciliation direction table). All callbacks, whether triggered by a
// Registry event or a CR watch event, are funneled through one WorkQueue so
// updates are never interleaved.
type NodeReconciler struct {
	client      storagev1.NodeClient
	reg         *registry.Registry
	log         *logrus.Entry
	queue       *workqueue.Queue
	idleTimeout time.Duration

	mu    sync.Mutex
	cache map[string]*storagev1.Node
}

// NewNodeReconciler constructs a NodeReconciler. Call Run to start it.
func NewNodeReconciler(client storagev1.NodeClient, reg *registry.Registry) *NodeReconciler {
	return &NodeReconciler{
		client: client,
		reg:    reg,
		log:    log.ForComponent("reconciler-node"),
		queue:  workqueue.New("reconciler-node"),
		cache:  make(map[string]*storagev1.Node),
	}
}

type nodeListerWatcher struct{ client storagev1.NodeClient }

func (w nodeListerWatcher) List(opts metav1.ListOptions) (runtime.Object, error) {
	return w.client.List(opts)
}

func (w nodeListerWatcher) Watch(opts metav1.ListOptions) (watch.Interface, error) {
	return w.client.Watch(opts)
}

// Run starts both halves of the bridge: a goroutine tailing Registry node
// events, and the CR watch loop. It returns once ctx is cancelled.
func (r *NodeReconciler) Run(ctx context.Context) {
	go runWatchLoop(ctx, "node", nodeListerWatcher{r.client}, r.idleTimeout, r.handleCREvent, r.log)

	stream := r.reg.Subscribe()
	go func() {
		defer stream.Close()
		for {
			e, err := stream.NextEvent(ctx)
			if err != nil {
				return
			}
			if e.Kind != base.KindNode {
				continue
			}
			evt := e
			r.queue.Push(func() { r.handleRegistryEvent(ctx, evt) })
		}
	}()
}

func (r *NodeReconciler) handleCREvent(et watch.EventType, obj runtime.Object) {
	n, ok := obj.(*storagev1.Node)
	if !ok {
		return
	}
	cp := n.DeepCopy()
	r.queue.Push(func() { r.reconcileCREvent(context.Background(), et, cp) })
}

func (r *NodeReconciler) reconcileCREvent(ctx context.Context, et watch.EventType, n *storagev1.Node) {
	timer := metrics.NewTimer()
	outcome := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.ReconcileDuration, "node")
		metrics.ReconcileCyclesTotal.WithLabelValues("node", outcome).Inc()
	}()

	r.mu.Lock()
	switch et {
	case watch.Added, watch.Modified:
		r.cache[n.Name] = n
	case watch.Deleted:
		delete(r.cache, n.Name)
	}
	r.mu.Unlock()

	switch et {
	case watch.Added:
		// CR node new -> Registry.addNode(name, endpoint).
		r.reg.AddNode(n.Name, n.Spec.GRPCEndpoint)
	case watch.Modified:
		if existing, ok := r.reg.GetNode(n.Name); !ok || existing.Endpoint() != n.Spec.GRPCEndpoint {
			r.reg.AddNode(n.Name, n.Spec.GRPCEndpoint)
		}
	case watch.Deleted:
		// CR node del -> Registry.removeNode(name).
		r.reg.RemoveNode(n.Name)
	default:
		outcome = "ignored"
	}
}

func (r *NodeReconciler) handleRegistryEvent(ctx context.Context, e eventstream.Event) {
	n, ok := e.Object.(*registry.Node)
	if !ok {
		return
	}
	timer := metrics.NewTimer()
	outcome := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.ReconcileDuration, "node")
		metrics.ReconcileCyclesTotal.WithLabelValues("node", outcome).Inc()
	}()

	switch e.Type {
	case base.EventNew, base.EventMod, base.EventSync:
		if err := r.upsertCR(ctx, n); err != nil {
			r.log.WithError(err).WithField("node", n.Name).Warn("failed to reconcile node CR")
			outcome = "error"
		}
	case base.EventDel:
		if err := r.client.Delete(ctx, n.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			r.log.WithError(err).WithField("node", n.Name).Warn("failed to delete node CR")
			outcome = "error"
		}
		r.mu.Lock()
		delete(r.cache, n.Name)
		r.mu.Unlock()
	}
}

// upsertCR creates the node CR if it does not exist (spec.grpcEndpoint from
// the Registry node), otherwise updates spec.grpcEndpoint only if it
// drifted, then always updates status to reflect IsSynced. Generation
// conflicts are retried (§4.5 optimistic concurrency).
func (r *NodeReconciler) upsertCR(ctx context.Context, n *registry.Node) error {
	r.mu.Lock()
	cached, known := r.cache[n.Name]
	r.mu.Unlock()

	endpoint := n.Endpoint()
	if !known {
		created, err := r.client.Create(ctx, &storagev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: n.Name},
			Spec:       storagev1.NodeSpec{GRPCEndpoint: endpoint},
		}, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return err
		}
		if err == nil {
			r.mu.Lock()
			r.cache[n.Name] = created
			r.mu.Unlock()
		}
	} else if cached.Spec.GRPCEndpoint != endpoint {
		if err := retryOnConflict(func() error {
			current, err := r.client.Get(ctx, n.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			current.Spec.GRPCEndpoint = endpoint
			updated, err := r.client.Update(ctx, current, metav1.UpdateOptions{})
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.cache[n.Name] = updated
			r.mu.Unlock()
			return nil
		}); err != nil {
			return err
		}
	}

	return retryOnConflict(func() error {
		current, err := r.client.Get(ctx, n.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		state := storagev1.NodeSyncStateUnsynced
		if n.IsSynced() {
			state = storagev1.NodeSyncStateSynced
		}
		if current.Status.State == state {
			return nil
		}
		current.Status.State = state
		current.Status.LastSyncTime = metav1.Now()
		updated, err := r.client.UpdateStatus(ctx, current, metav1.UpdateOptions{})
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.cache[n.Name] = updated
		r.mu.Unlock()
		return nil
	})
}
