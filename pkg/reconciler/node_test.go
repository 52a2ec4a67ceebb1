package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	storagev1 "github.com/blockpool-io/csi-controller/pkg/apis/storage/v1"
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/rpc"
)

var nodeGR = schema.GroupResource{Group: "storage.blockpool.io", Resource: "nodes"}

type fakeNodeCRClient struct {
	mu    sync.Mutex
	nodes map[string]*storagev1.Node
}

func newFakeNodeCRClient() *fakeNodeCRClient {
	return &fakeNodeCRClient{nodes: make(map[string]*storagev1.Node)}
}

func (f *fakeNodeCRClient) Create(_ context.Context, n *storagev1.Node, _ metav1.CreateOptions) (*storagev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[n.Name]; ok {
		return nil, apierrors.NewAlreadyExists(nodeGR, n.Name)
	}
	cp := n.DeepCopy()
	f.nodes[n.Name] = cp
	return cp.DeepCopy(), nil
}

func (f *fakeNodeCRClient) Update(_ context.Context, n *storagev1.Node, _ metav1.UpdateOptions) (*storagev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[n.Name]; !ok {
		return nil, apierrors.NewNotFound(nodeGR, n.Name)
	}
	cp := n.DeepCopy()
	f.nodes[n.Name] = cp
	return cp.DeepCopy(), nil
}

func (f *fakeNodeCRClient) UpdateStatus(_ context.Context, n *storagev1.Node, _ metav1.UpdateOptions) (*storagev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.nodes[n.Name]
	if !ok {
		return nil, apierrors.NewNotFound(nodeGR, n.Name)
	}
	cp := cur.DeepCopy()
	cp.Status = n.Status
	f.nodes[n.Name] = cp
	return cp.DeepCopy(), nil
}

func (f *fakeNodeCRClient) Delete(_ context.Context, name string, _ metav1.DeleteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[name]; !ok {
		return apierrors.NewNotFound(nodeGR, name)
	}
	delete(f.nodes, name)
	return nil
}

func (f *fakeNodeCRClient) Get(_ context.Context, name string, _ metav1.GetOptions) (*storagev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.nodes[name]
	if !ok {
		return nil, apierrors.NewNotFound(nodeGR, name)
	}
	return cur.DeepCopy(), nil
}

func (f *fakeNodeCRClient) List(_ metav1.ListOptions) (*storagev1.NodeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := &storagev1.NodeList{}
	for _, n := range f.nodes {
		list.Items = append(list.Items, *n.DeepCopy())
	}
	return list, nil
}

func (f *fakeNodeCRClient) Watch(_ metav1.ListOptions) (watch.Interface, error) {
	return watch.NewFake(), nil
}

type noopNodeRPCClient struct{}

func (noopNodeRPCClient) ListPools(context.Context) ([]rpc.PoolInfo, error)       { return nil, nil }
func (noopNodeRPCClient) ListReplicas(context.Context) ([]rpc.ReplicaInfo, error) { return nil, nil }
func (noopNodeRPCClient) ListNexuses(context.Context) ([]rpc.NexusInfo, error)    { return nil, nil }
func (noopNodeRPCClient) CreateReplica(context.Context, *rpc.CreateReplicaRequest) (*rpc.ReplicaInfo, error) {
	return nil, nil
}
func (noopNodeRPCClient) DestroyReplica(context.Context, *rpc.ReplicaInfo) error { return nil }
func (noopNodeRPCClient) CreateNexus(context.Context, *rpc.CreateNexusRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopNodeRPCClient) DestroyNexus(context.Context, *rpc.NexusInfo) error { return nil }
func (noopNodeRPCClient) PublishNexus(context.Context, *rpc.PublishNexusRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopNodeRPCClient) UnpublishNexus(context.Context, *rpc.NexusInfo) error { return nil }
func (noopNodeRPCClient) AddChild(context.Context, *rpc.ChildRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopNodeRPCClient) RemoveChild(context.Context, *rpc.ChildRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopNodeRPCClient) ShareReplica(context.Context, *rpc.ShareReplicaRequest) (*rpc.ReplicaInfo, error) {
	return nil, nil
}
func (noopNodeRPCClient) Close() error { return nil }

func newTestRegistry() *registry.Registry {
	return registry.New(registry.Config{
		SyncPeriod: time.Hour,
		SyncRetry:  time.Hour,
		BadLimit:   2,
		Dial: func(ctx context.Context, name, endpoint string) (registry.NodeClient, error) {
			return noopNodeRPCClient{}, nil
		},
	})
}

func TestNodeReconcilerUpsertCRCreatesThenUpdatesStatus(t *testing.T) {
	// The node's endpoint cannot be dialed, so it stays unsynced; with the
	// noop client of newTestRegistry the sync that AddNode schedules at once
	// could finish before upsertCR reads the state.
	reg := registry.New(registry.Config{
		SyncPeriod: time.Hour,
		SyncRetry:  time.Hour,
		BadLimit:   2,
		Dial: func(ctx context.Context, name, endpoint string) (registry.NodeClient, error) {
			return nil, apierrors.NewServiceUnavailable("node unreachable")
		},
	})
	client := newFakeNodeCRClient()
	r := NewNodeReconciler(client, reg)

	n := reg.AddNode("n1", "n1:10124")
	ctx := context.Background()

	require.NoError(t, r.upsertCR(ctx, n))
	cr, err := client.Get(ctx, "n1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "n1:10124", cr.Spec.GRPCEndpoint)
	assert.Equal(t, storagev1.NodeSyncStateUnsynced, cr.Status.State)

	// A second call finds the CR in the reconciler's cache: it only refreshes
	// status, leaves the endpoint as it is and does not create the CR again.
	require.NoError(t, r.upsertCR(ctx, n))
	cr, err = client.Get(ctx, "n1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "n1:10124", cr.Spec.GRPCEndpoint)
}

func TestNodeReconcilerCREventAddedRegistersNode(t *testing.T) {
	reg := newTestRegistry()
	client := newFakeNodeCRClient()
	r := NewNodeReconciler(client, reg)

	cr := &storagev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "n2"},
		Spec:       storagev1.NodeSpec{GRPCEndpoint: "n2:10124"},
	}
	r.reconcileCREvent(context.Background(), watch.Added, cr)

	n, ok := reg.GetNode("n2")
	require.True(t, ok)
	assert.Equal(t, "n2:10124", n.Endpoint())
}

func TestNodeReconcilerCREventDeletedRemovesNode(t *testing.T) {
	reg := newTestRegistry()
	client := newFakeNodeCRClient()
	r := NewNodeReconciler(client, reg)

	reg.AddNode("n3", "n3:10124")
	cr := &storagev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n3"}}
	r.reconcileCREvent(context.Background(), watch.Deleted, cr)

	_, ok := reg.GetNode("n3")
	assert.False(t, ok)
}
