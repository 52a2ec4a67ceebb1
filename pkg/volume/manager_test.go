package volume

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/eventstream"
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/rpc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

// fakeNodeClient is a minimal in-memory stand-in for a storage node's RPC
// surface, grounded on the same pattern as pkg/registry/registry_test.go's
// fakeClient.
type fakeNodeClient struct {
	mu       sync.Mutex
	pools    []rpc.PoolInfo
	replicas map[string]rpc.ReplicaInfo
	nexuses  map[string]rpc.NexusInfo
}

func newFakeNodeClient(pools ...rpc.PoolInfo) *fakeNodeClient {
	return &fakeNodeClient{
		pools:    pools,
		replicas: make(map[string]rpc.ReplicaInfo),
		nexuses:  make(map[string]rpc.NexusInfo),
	}
}

func (f *fakeNodeClient) ListPools(context.Context) ([]rpc.PoolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools, nil
}

func (f *fakeNodeClient) ListReplicas(context.Context) ([]rpc.ReplicaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rpc.ReplicaInfo, 0, len(f.replicas))
	for _, r := range f.replicas {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeNodeClient) ListNexuses(context.Context) ([]rpc.NexusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rpc.NexusInfo, 0, len(f.nexuses))
	for _, n := range f.nexuses {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeNodeClient) CreateReplica(ctx context.Context, req *rpc.CreateReplicaRequest) (*rpc.ReplicaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.replicas[req.UUID]; ok {
		return nil, base.AlreadyExists("replica %s exists", req.UUID)
	}
	info := rpc.ReplicaInfo{
		UUID:  req.UUID,
		Pool:  req.Pool,
		Size:  req.Size,
		Share: req.Share,
		URI:   "bdev:///" + req.UUID + "?uuid=" + req.UUID,
	}
	f.replicas[req.UUID] = info
	for i := range f.pools {
		if f.pools[i].Name == req.Pool {
			f.pools[i].Used += req.Size
		}
	}
	return &info, nil
}

func (f *fakeNodeClient) DestroyReplica(ctx context.Context, r *rpc.ReplicaInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.replicas, r.UUID)
	return nil
}

func (f *fakeNodeClient) ShareReplica(ctx context.Context, req *rpc.ShareReplicaRequest) (*rpc.ReplicaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.replicas[req.UUID]
	if !ok {
		return nil, base.NotFound("replica %s not found", req.UUID)
	}
	r.Share = req.Share
	if req.Share == base.ShareNVMF {
		r.URI = "nvmf://remote/" + r.UUID + "?uuid=" + r.UUID
	} else {
		r.URI = "bdev:///" + r.UUID + "?uuid=" + r.UUID
	}
	f.replicas[req.UUID] = r
	return &r, nil
}

func (f *fakeNodeClient) CreateNexus(ctx context.Context, req *rpc.CreateNexusRequest) (*rpc.NexusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nexuses[req.UUID]; ok {
		return nil, base.AlreadyExists("nexus %s exists", req.UUID)
	}
	children := make([]rpc.NexusChild, 0, len(req.Children))
	for _, c := range req.Children {
		children = append(children, rpc.NexusChild{URI: c, State: base.ChildOnline})
	}
	info := rpc.NexusInfo{UUID: req.UUID, Size: req.Size, State: base.NexusOnline, Children: children}
	f.nexuses[req.UUID] = info
	return &info, nil
}

func (f *fakeNodeClient) DestroyNexus(ctx context.Context, n *rpc.NexusInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nexuses, n.UUID)
	return nil
}

func (f *fakeNodeClient) PublishNexus(ctx context.Context, req *rpc.PublishNexusRequest) (*rpc.NexusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nx, ok := f.nexuses[req.UUID]
	if !ok {
		return nil, base.NotFound("nexus %s not found", req.UUID)
	}
	nx.Share = req.Share
	nx.DeviceURI = "nvmf://published/" + nx.UUID
	f.nexuses[req.UUID] = nx
	return &nx, nil
}

func (f *fakeNodeClient) UnpublishNexus(ctx context.Context, n *rpc.NexusInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	nx, ok := f.nexuses[n.UUID]
	if !ok {
		return nil
	}
	nx.DeviceURI = ""
	f.nexuses[n.UUID] = nx
	return nil
}

func (f *fakeNodeClient) AddChild(ctx context.Context, req *rpc.ChildRequest) (*rpc.NexusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nx, ok := f.nexuses[req.NexusUUID]
	if !ok {
		return nil, base.NotFound("nexus %s not found", req.NexusUUID)
	}
	nx.Children = append(nx.Children, rpc.NexusChild{URI: req.ChildURI, State: base.ChildOnline})
	f.nexuses[req.NexusUUID] = nx
	return &nx, nil
}

func (f *fakeNodeClient) RemoveChild(ctx context.Context, req *rpc.ChildRequest) (*rpc.NexusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nx, ok := f.nexuses[req.NexusUUID]
	if !ok {
		return nil, base.NotFound("nexus %s not found", req.NexusUUID)
	}
	kept := nx.Children[:0]
	for _, c := range nx.Children {
		if c.URI != req.ChildURI {
			kept = append(kept, c)
		}
	}
	nx.Children = kept
	f.nexuses[req.NexusUUID] = nx
	return &nx, nil
}

func (f *fakeNodeClient) Close() error { return nil }

func newTestRegistry(t *testing.T, nodes map[string]*fakeNodeClient) *registry.Registry {
	t.Helper()
	dial := func(ctx context.Context, name, endpoint string) (registry.NodeClient, error) {
		c, ok := nodes[name]
		if !ok {
			t.Fatalf("no fake client registered for node %s", name)
		}
		return c, nil
	}
	reg := registry.New(registry.Config{
		SyncPeriod: time.Hour,
		SyncRetry:  20 * time.Millisecond,
		BadLimit:   2,
		Dial:       dial,
	})
	for name := range nodes {
		n := reg.AddNode(name, name+":10124")
		waitFor(t, time.Second, n.IsSynced)
	}
	return reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCreateVolumeChoosesPoolsAndGoesHealthy(t *testing.T) {
	nodes := map[string]*fakeNodeClient{
		"n1": newFakeNodeClient(rpc.PoolInfo{Name: "p1", State: base.PoolOnline, Capacity: 10 << 30}),
		"n2": newFakeNodeClient(rpc.PoolInfo{Name: "p2", State: base.PoolOnline, Capacity: 10 << 30}),
	}
	reg := newTestRegistry(t, nodes)
	mgr := NewManager(reg, nil)
	mgr.Run(context.Background())
	defer mgr.Stop()

	id := uuid.New().String()
	v, err := mgr.CreateVolume(context.Background(), id, Spec{ReplicaCount: 2, RequiredBytes: 1 << 20})
	require.NoError(t, err)

	status := v.Status()
	assert.Equal(t, base.VolumeHealthy, status.Phase)
	assert.Len(t, status.Replicas, 2)
}

func TestCreateVolumeIsIdempotent(t *testing.T) {
	nodes := map[string]*fakeNodeClient{
		"n1": newFakeNodeClient(rpc.PoolInfo{Name: "p1", State: base.PoolOnline, Capacity: 10 << 30}),
	}
	reg := newTestRegistry(t, nodes)
	mgr := NewManager(reg, nil)
	mgr.Run(context.Background())
	defer mgr.Stop()

	id := uuid.New().String()
	spec := Spec{ReplicaCount: 1, RequiredBytes: 1 << 20}
	v1, err := mgr.CreateVolume(context.Background(), id, spec)
	require.NoError(t, err)
	v2, err := mgr.CreateVolume(context.Background(), id, spec)
	require.NoError(t, err)
	assert.Same(t, v1, v2)
}

func TestCreateVolumeFaultsOnInsufficientPools(t *testing.T) {
	nodes := map[string]*fakeNodeClient{
		"n1": newFakeNodeClient(rpc.PoolInfo{Name: "p1", State: base.PoolOnline, Capacity: 10 << 30}),
	}
	reg := newTestRegistry(t, nodes)
	mgr := NewManager(reg, nil)
	mgr.Run(context.Background())
	defer mgr.Stop()

	_, err := mgr.CreateVolume(context.Background(), uuid.New().String(), Spec{ReplicaCount: 3, RequiredBytes: 1 << 20})
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, base.CodeOf(err))
}

func TestPublishThenDestroyVolume(t *testing.T) {
	nodes := map[string]*fakeNodeClient{
		"n1": newFakeNodeClient(rpc.PoolInfo{Name: "p1", State: base.PoolOnline, Capacity: 10 << 30}),
		"n2": newFakeNodeClient(rpc.PoolInfo{Name: "p2", State: base.PoolOnline, Capacity: 10 << 30}),
	}
	reg := newTestRegistry(t, nodes)
	mgr := NewManager(reg, nil)
	mgr.Run(context.Background())
	defer mgr.Stop()

	id := uuid.New().String()
	v, err := mgr.CreateVolume(context.Background(), id, Spec{ReplicaCount: 2, RequiredBytes: 1 << 20, Protocol: base.NexusShareNVMF})
	require.NoError(t, err)

	uri, err := v.Publish(context.Background(), "n1")
	require.NoError(t, err)
	assert.NotEmpty(t, uri)
	assert.Equal(t, base.VolumeHealthy, v.Status().Phase)

	require.NoError(t, mgr.DestroyVolume(context.Background(), id))
	_, ok := mgr.GetVolume(id)
	assert.False(t, ok)
}

func TestVolumeDegradesWhenReplicaGoesOffline(t *testing.T) {
	nodes := map[string]*fakeNodeClient{
		"n1": newFakeNodeClient(rpc.PoolInfo{Name: "p1", State: base.PoolOnline, Capacity: 10 << 30}),
		"n2": newFakeNodeClient(rpc.PoolInfo{Name: "p2", State: base.PoolOnline, Capacity: 10 << 30}),
	}
	reg := newTestRegistry(t, nodes)
	mgr := NewManager(reg, nil)
	mgr.Run(context.Background())
	defer mgr.Stop()

	id := uuid.New().String()
	v, err := mgr.CreateVolume(context.Background(), id, Spec{ReplicaCount: 2, RequiredBytes: 1 << 20})
	require.NoError(t, err)
	require.Equal(t, base.VolumeHealthy, v.Status().Phase)

	lostUUID := v.Status().Replicas[0].UUID
	rep, ok := reg.GetReplica(lostUUID)
	require.True(t, ok)

	mgr.route(eventstream.Event{Kind: base.KindReplica, Type: base.EventDel, Object: rep})
	waitFor(t, time.Second, func() bool { return v.Status().Phase == base.VolumeDegraded })
}
