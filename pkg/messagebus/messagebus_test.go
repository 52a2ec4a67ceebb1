package messagebus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/rpc"
)

type noopClient struct{}

func (noopClient) ListPools(context.Context) ([]rpc.PoolInfo, error)       { return nil, nil }
func (noopClient) ListReplicas(context.Context) ([]rpc.ReplicaInfo, error) { return nil, nil }
func (noopClient) ListNexuses(context.Context) ([]rpc.NexusInfo, error)    { return nil, nil }
func (noopClient) CreateReplica(context.Context, *rpc.CreateReplicaRequest) (*rpc.ReplicaInfo, error) {
	return nil, nil
}
func (noopClient) DestroyReplica(context.Context, *rpc.ReplicaInfo) error { return nil }
func (noopClient) CreateNexus(context.Context, *rpc.CreateNexusRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopClient) DestroyNexus(context.Context, *rpc.NexusInfo) error { return nil }
func (noopClient) PublishNexus(context.Context, *rpc.PublishNexusRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopClient) UnpublishNexus(context.Context, *rpc.NexusInfo) error { return nil }
func (noopClient) AddChild(context.Context, *rpc.ChildRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopClient) RemoveChild(context.Context, *rpc.ChildRequest) (*rpc.NexusInfo, error) {
	return nil, nil
}
func (noopClient) ShareReplica(context.Context, *rpc.ShareReplicaRequest) (*rpc.ReplicaInfo, error) {
	return nil, nil
}
func (noopClient) Close() error { return nil }

func newTestRegistry() *registry.Registry {
	return registry.New(registry.Config{
		SyncPeriod: time.Hour,
		SyncRetry:  time.Hour,
		BadLimit:   2,
		Dial: func(ctx context.Context, name, endpoint string) (registry.NodeClient, error) {
			return noopClient{}, nil
		},
	})
}

func TestHandleRegisterAddsNode(t *testing.T) {
	reg := newTestRegistry()
	a := &Adapter{reg: reg, log: log.ForComponent("test")}

	a.handle(&nats.Msg{Data: []byte(`{"id":"v0/register","data":{"id":"n1","grpcEndpoint":"n1:10124"}}`)})

	n, ok := reg.GetNode("n1")
	require.True(t, ok)
	assert.Equal(t, "n1:10124", n.Endpoint())
}

func TestHandleDeregisterDisconnectsKnownNode(t *testing.T) {
	reg := newTestRegistry()
	reg.AddNode("n1", "n1:10124")
	a := &Adapter{reg: reg, log: log.ForComponent("test")}

	a.handle(&nats.Msg{Data: []byte(`{"id":"v0/deregister","data":{"id":"n1"}}`)})

	n, ok := reg.GetNode("n1")
	require.True(t, ok)
	assert.False(t, n.IsSynced())
}

func TestHandleDiscardsMalformedPayload(t *testing.T) {
	reg := newTestRegistry()
	a := &Adapter{reg: reg, log: log.ForComponent("test")}

	a.handle(&nats.Msg{Data: []byte(`not json`)})
	a.handle(&nats.Msg{Data: []byte(`{"id":"v0/register","data":{}}`)})
	a.handle(&nats.Msg{Data: []byte(`{"id":"v0/unknown","data":{"id":"n1"}}`)})

	assert.Empty(t, reg.ListNodes())
}
