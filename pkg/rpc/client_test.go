package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeNode struct {
	pools    []PoolInfo
	replicas []ReplicaInfo
	nexuses  []NexusInfo
}

func (f *fakeNode) CreatePool(ctx context.Context, req *CreatePoolRequest) (*PoolInfo, error) {
	p := PoolInfo{Name: req.Name, Disks: req.Disks, State: base.PoolOnline}
	f.pools = append(f.pools, p)
	return &p, nil
}
func (f *fakeNode) DestroyPool(ctx context.Context, p *PoolInfo) (*Empty, error) { return new(Empty), nil }
func (f *fakeNode) ListPools(ctx context.Context, _ *Empty) (*PoolList, error) {
	return &PoolList{Pools: f.pools}, nil
}
func (f *fakeNode) CreateReplica(ctx context.Context, req *CreateReplicaRequest) (*ReplicaInfo, error) {
	r := ReplicaInfo{UUID: req.UUID, Pool: req.Pool, Size: req.Size}
	f.replicas = append(f.replicas, r)
	return &r, nil
}
func (f *fakeNode) DestroyReplica(ctx context.Context, r *ReplicaInfo) (*Empty, error) {
	return new(Empty), nil
}
func (f *fakeNode) ListReplicas(ctx context.Context, _ *Empty) (*ReplicaList, error) {
	return &ReplicaList{Replicas: f.replicas}, nil
}
func (f *fakeNode) CreateNexus(ctx context.Context, req *CreateNexusRequest) (*NexusInfo, error) {
	n := NexusInfo{UUID: req.UUID, Size: req.Size, State: base.NexusOnline}
	f.nexuses = append(f.nexuses, n)
	return &n, nil
}
func (f *fakeNode) DestroyNexus(ctx context.Context, n *NexusInfo) (*Empty, error) {
	return new(Empty), nil
}
func (f *fakeNode) PublishNexus(ctx context.Context, req *PublishNexusRequest) (*NexusInfo, error) {
	return &NexusInfo{UUID: req.UUID, Share: req.Share}, nil
}
func (f *fakeNode) UnpublishNexus(ctx context.Context, n *NexusInfo) (*Empty, error) {
	return new(Empty), nil
}
func (f *fakeNode) AddChild(ctx context.Context, req *ChildRequest) (*NexusInfo, error) {
	return &NexusInfo{UUID: req.NexusUUID}, nil
}
func (f *fakeNode) RemoveChild(ctx context.Context, req *ChildRequest) (*NexusInfo, error) {
	return &NexusInfo{UUID: req.NexusUUID}, nil
}
func (f *fakeNode) ListNexuses(ctx context.Context, _ *Empty) (*NexusList, error) {
	return &NexusList{Nexuses: f.nexuses}, nil
}
func (f *fakeNode) ShareReplica(ctx context.Context, req *ShareReplicaRequest) (*ReplicaInfo, error) {
	return &ReplicaInfo{UUID: req.UUID, Pool: req.Pool, Share: req.Share}, nil
}

func startFakeNode(t *testing.T) (*Client, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	srv.RegisterService(&ServiceDesc, &fakeNode{})
	go srv.Serve(lis)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.Dial()
	}
	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)

	c := &Client{node: "node-1", conn: conn}
	return c, func() {
		conn.Close()
		srv.Stop()
	}
}

func TestClientCreateAndListPool(t *testing.T) {
	c, stop := startFakeNode(t)
	defer stop()

	pool, err := c.CreatePool(context.Background(), &CreatePoolRequest{Name: "pool-0", Disks: []string{"/dev/sdb"}})
	require.NoError(t, err)
	require.Equal(t, "pool-0", pool.Name)

	pools, err := c.ListPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	require.Equal(t, base.PoolOnline, pools[0].State)
}

func TestClientCreateNexusAndChild(t *testing.T) {
	c, stop := startFakeNode(t)
	defer stop()

	n, err := c.CreateNexus(context.Background(), &CreateNexusRequest{UUID: "nexus-1", Size: 1024, Children: []string{"bdev:///replica-1"}})
	require.NoError(t, err)
	require.Equal(t, "nexus-1", n.UUID)

	n2, err := c.AddChild(context.Background(), &ChildRequest{NexusUUID: "nexus-1", ChildURI: "bdev:///replica-2"})
	require.NoError(t, err)
	require.Equal(t, "nexus-1", n2.UUID)
}
