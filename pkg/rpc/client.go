// Package rpc is the controller's client to one storage node. It owns the
// gRPC connection, the transport deadline plus a soft deadline layered on
// top of it, and the mapping of transport failures onto this repo's error
// taxonomy.
package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client talks to a single storage node daemon over gRPC.
type Client struct {
	node string
	conn *grpc.ClientConn
	log  *logrus.Entry
}

// Dial connects to the node daemon at target. The dial itself blocks until
// the transport is ready or ctx expires.
func Dial(ctx context.Context, node, target string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, base.Unavailable("dial node %s at %s: %v", node, target, err)
	}
	return &Client{
		node: node,
		conn: conn,
		log:  log.ForComponent("rpc").WithField("node", node),
	}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// callTimeout wraps ctx with the transport deadline d. The transport
// deadline alone is not always honored reliably by every hop, so invoke
// backstops it with a client-side timer at d plus the soft-deadline slack.
func callTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

func (c *Client) invoke(ctx context.Context, method string, timeout time.Duration, req, resp interface{}) error {
	ctx, cancel := callTimeout(ctx, timeout)
	defer cancel()
	soft := time.NewTimer(timeout + base.DefaultSoftDeadlineSlack)
	defer soft.Stop()

	timer := metrics.NewTimer()
	done := make(chan error, 1)
	go func() { done <- c.conn.Invoke(ctx, fmt.Sprintf("/%s/%s", serviceName, method), req, resp) }()
	var err error
	select {
	case err = <-done:
	case <-soft.C:
		err = status.Error(codes.DeadlineExceeded, "soft deadline exceeded")
	}
	timer.ObserveDurationVec(metrics.RPCDuration, method)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, outcome).Inc()

	if err == nil {
		return nil
	}
	return c.mapError(method, err)
}

func (c *Client) mapError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		c.log.WithError(err).WithField("method", method).Warn("node rpc transport failure")
		return base.Unavailable("%s: %v", method, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return base.DeadlineExceeded("%s timed out: %s", method, st.Message())
	case codes.NotFound:
		return base.NotFound("%s: %s", method, st.Message())
	case codes.AlreadyExists:
		return base.AlreadyExists("%s: %s", method, st.Message())
	case codes.ResourceExhausted:
		return base.ResourceExhausted("%s: %s", method, st.Message())
	case codes.FailedPrecondition:
		return base.FailedPrecondition("%s: %s", method, st.Message())
	case codes.Unavailable:
		return base.Unavailable("%s: %s", method, st.Message())
	case codes.InvalidArgument:
		return base.InvalidArgument("%s: %s", method, st.Message())
	default:
		return base.Internal("%s: %s", method, st.Message())
	}
}

func (c *Client) CreatePool(ctx context.Context, req *CreatePoolRequest) (*PoolInfo, error) {
	resp := new(PoolInfo)
	if err := c.invoke(ctx, "CreatePool", base.DefaultRPCTimeout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) DestroyPool(ctx context.Context, pool *PoolInfo) error {
	return c.invoke(ctx, "DestroyPool", base.DefaultRPCTimeout, pool, new(Empty))
}

func (c *Client) ListPools(ctx context.Context) ([]PoolInfo, error) {
	resp := new(PoolList)
	if err := c.invoke(ctx, "ListPools", base.DefaultRPCTimeout, new(Empty), resp); err != nil {
		return nil, err
	}
	return resp.Pools, nil
}

func (c *Client) CreateReplica(ctx context.Context, req *CreateReplicaRequest) (*ReplicaInfo, error) {
	resp := new(ReplicaInfo)
	if err := c.invoke(ctx, "CreateReplica", base.DefaultRPCTimeout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) DestroyReplica(ctx context.Context, r *ReplicaInfo) error {
	return c.invoke(ctx, "DestroyReplica", base.ReplicaDestroyTimeout, r, new(Empty))
}

func (c *Client) ListReplicas(ctx context.Context) ([]ReplicaInfo, error) {
	resp := new(ReplicaList)
	if err := c.invoke(ctx, "ListReplicas", base.DefaultRPCTimeout, new(Empty), resp); err != nil {
		return nil, err
	}
	return resp.Replicas, nil
}

func (c *Client) CreateNexus(ctx context.Context, req *CreateNexusRequest) (*NexusInfo, error) {
	resp := new(NexusInfo)
	if err := c.invoke(ctx, "CreateNexus", base.NexusOpTimeout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) DestroyNexus(ctx context.Context, n *NexusInfo) error {
	return c.invoke(ctx, "DestroyNexus", base.NexusOpTimeout, n, new(Empty))
}

func (c *Client) PublishNexus(ctx context.Context, req *PublishNexusRequest) (*NexusInfo, error) {
	resp := new(NexusInfo)
	if err := c.invoke(ctx, "PublishNexus", base.DefaultRPCTimeout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) UnpublishNexus(ctx context.Context, n *NexusInfo) error {
	return c.invoke(ctx, "UnpublishNexus", base.DefaultRPCTimeout, n, new(Empty))
}

func (c *Client) AddChild(ctx context.Context, req *ChildRequest) (*NexusInfo, error) {
	resp := new(NexusInfo)
	if err := c.invoke(ctx, "AddChild", base.DefaultRPCTimeout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RemoveChild(ctx context.Context, req *ChildRequest) (*NexusInfo, error) {
	resp := new(NexusInfo)
	if err := c.invoke(ctx, "RemoveChild", base.DefaultRPCTimeout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ShareReplica(ctx context.Context, req *ShareReplicaRequest) (*ReplicaInfo, error) {
	resp := new(ReplicaInfo)
	if err := c.invoke(ctx, "ShareReplica", base.DefaultRPCTimeout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListNexuses(ctx context.Context) ([]NexusInfo, error) {
	resp := new(NexusList)
	if err := c.invoke(ctx, "ListNexuses", base.DefaultRPCTimeout, new(Empty), resp); err != nil {
		return nil, err
	}
	return resp.Nexuses, nil
}
