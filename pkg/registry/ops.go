package registry

import (
	"context"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/rpc"
	"google.golang.org/grpc/codes"
)

// The sync engine (node.go) reconciles the cache against a full remote
// listing on a timer. The operations in this file are the other half: the
// mutating commands the Volume FSM and CSI dispatcher issue against a
// specific node, applied to the cache immediately on success instead of
// waiting for the next sync cycle, so a caller's very next read already
// reflects what it just created.

// call serializes fn through the node's WorkQueue and blocks until it
// completes, turning per-node RPC serialization into an ordinary
// synchronous call for callers outside the sync engine.
func (n *Node) call(fn func(NodeClient) error) error {
	done := make(chan error, 1)
	if !n.queue.Push(func() {
		n.mu.Lock()
		client := n.client
		n.mu.Unlock()
		if client == nil {
			done <- base.Unavailable("node %s is not connected", n.Name)
			return
		}
		done <- fn(client)
	}) {
		return base.Unavailable("node %s is shutting down", n.Name)
	}
	return <-done
}

// GetPool returns a pool by name on this node.
func (n *Node) GetPool(name string) (*Pool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pools[name]
	return p, ok
}

// CreateReplica issues createReplica against this node. ALREADY_EXISTS is
// treated as success (§7): the existing replica is looked up instead of
// failing the caller, so a retried createVolume stays idempotent.
func (n *Node) CreateReplica(ctx context.Context, poolName string, req *rpc.CreateReplicaRequest) (*Replica, error) {
	var info *rpc.ReplicaInfo
	err := n.call(func(c NodeClient) error {
		i, err := c.CreateReplica(ctx, req)
		if err != nil && base.CodeOf(err) == codes.AlreadyExists {
			list, lerr := c.ListReplicas(ctx)
			if lerr != nil {
				return lerr
			}
			for _, r := range list {
				r := r
				if r.UUID == req.UUID {
					info = &r
					return nil
				}
			}
			return err
		}
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n.upsertReplica(poolName, *info), nil
}

// DestroyReplica issues destroyReplica and drops the cached entry. Missing
// on the node, or already absent from the cache, is treated as success.
func (n *Node) DestroyReplica(ctx context.Context, poolName, uuid string) error {
	n.mu.Lock()
	p, ok := n.pools[poolName]
	var rep *Replica
	if ok {
		rep, ok = p.replicas[uuid]
	}
	n.mu.Unlock()
	if !ok || rep == nil {
		return nil
	}

	info := &rpc.ReplicaInfo{UUID: rep.UUID, Pool: poolName, Size: rep.Size, Share: rep.Share, URI: rep.URI}
	err := n.call(func(c NodeClient) error {
		e := c.DestroyReplica(ctx, info)
		if e != nil && base.CodeOf(e) == codes.NotFound {
			return nil
		}
		return e
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	if p2, ok := n.pools[poolName]; ok {
		delete(p2.replicas, uuid)
	}
	n.mu.Unlock()
	n.emit(base.KindReplica, base.EventDel, rep)
	return nil
}

// ShareReplica re-shares an existing replica under a new protocol, as when
// the nexus binding it moves to another node.
func (n *Node) ShareReplica(ctx context.Context, poolName, uuid string, share base.ReplicaShareProtocol) (*Replica, error) {
	var info *rpc.ReplicaInfo
	err := n.call(func(c NodeClient) error {
		i, err := c.ShareReplica(ctx, &rpc.ShareReplicaRequest{UUID: uuid, Pool: poolName, Share: share})
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n.upsertReplica(poolName, *info), nil
}

func (n *Node) upsertReplica(poolName string, info rpc.ReplicaInfo) *Replica {
	n.mu.Lock()
	p, ok := n.pools[poolName]
	if !ok {
		n.mu.Unlock()
		return newReplica(n.Name, poolName, info.UUID, info.Size, info.Share, info.URI)
	}
	r, existed := p.replicas[info.UUID]
	if !existed {
		r = newReplica(n.Name, poolName, info.UUID, info.Size, info.Share, info.URI)
		p.replicas[info.UUID] = r
		n.mu.Unlock()
		n.emit(base.KindReplica, base.EventNew, r)
		return r
	}
	changed := r.merge(info.Size, info.Share, info.URI)
	n.mu.Unlock()
	if changed {
		n.emit(base.KindReplica, base.EventMod, r)
	}
	return r
}

// CreateNexus issues createNexus against this node. ALREADY_EXISTS is
// treated as success, mirroring CreateReplica.
func (n *Node) CreateNexus(ctx context.Context, req *rpc.CreateNexusRequest) (*Nexus, error) {
	var info *rpc.NexusInfo
	err := n.call(func(c NodeClient) error {
		i, err := c.CreateNexus(ctx, req)
		if err != nil && base.CodeOf(err) == codes.AlreadyExists {
			list, lerr := c.ListNexuses(ctx)
			if lerr != nil {
				return lerr
			}
			for _, nx := range list {
				nx := nx
				if nx.UUID == req.UUID {
					info = &nx
					return nil
				}
			}
			return err
		}
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n.upsertNexus(*info), nil
}

// DestroyNexus issues destroyNexus and drops the cached entry.
func (n *Node) DestroyNexus(ctx context.Context, uuid string) error {
	n.mu.Lock()
	nx, ok := n.nexuses[uuid]
	n.mu.Unlock()
	if !ok {
		return nil
	}

	err := n.call(func(c NodeClient) error {
		e := c.DestroyNexus(ctx, &rpc.NexusInfo{UUID: uuid, Size: nx.Size})
		if e != nil && base.CodeOf(e) == codes.NotFound {
			return nil
		}
		return e
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	delete(n.nexuses, uuid)
	n.mu.Unlock()
	n.emit(base.KindNexus, base.EventDel, nx)
	return nil
}

// PublishNexus shares an existing nexus so it is mountable, and caches the
// resulting device URI.
func (n *Node) PublishNexus(ctx context.Context, uuid string, share base.NexusShareProtocol) (*Nexus, error) {
	var info *rpc.NexusInfo
	err := n.call(func(c NodeClient) error {
		i, err := c.PublishNexus(ctx, &rpc.PublishNexusRequest{UUID: uuid, Share: share})
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n.upsertNexus(*info), nil
}

// UnpublishNexus clears the nexus's device URI. Per §4.3, unpublish is
// best-effort: when the node is unreachable the call reports success
// locally so volume destruction never blocks on a dead node.
func (n *Node) UnpublishNexus(ctx context.Context, uuid string) error {
	n.mu.Lock()
	nx, ok := n.nexuses[uuid]
	n.mu.Unlock()
	if !ok {
		return nil
	}

	err := n.call(func(c NodeClient) error {
		return c.UnpublishNexus(ctx, &rpc.NexusInfo{UUID: uuid, Size: nx.Size})
	})
	if err != nil {
		if base.CodeOf(err) == codes.Unavailable {
			return nil
		}
		return err
	}

	n.mu.Lock()
	nx.DeviceURI = ""
	n.mu.Unlock()
	n.emit(base.KindNexus, base.EventMod, nx)
	return nil
}

// AddChild adds a replica URI as a nexus child.
func (n *Node) AddChild(ctx context.Context, nexusUUID, childURI string) (*Nexus, error) {
	var info *rpc.NexusInfo
	err := n.call(func(c NodeClient) error {
		i, err := c.AddChild(ctx, &rpc.ChildRequest{NexusUUID: nexusUUID, ChildURI: childURI})
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n.upsertNexus(*info), nil
}

// RemoveChild removes a replica URI from a nexus's children.
func (n *Node) RemoveChild(ctx context.Context, nexusUUID, childURI string) (*Nexus, error) {
	var info *rpc.NexusInfo
	err := n.call(func(c NodeClient) error {
		i, err := c.RemoveChild(ctx, &rpc.ChildRequest{NexusUUID: nexusUUID, ChildURI: childURI})
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n.upsertNexus(*info), nil
}

func (n *Node) upsertNexus(info rpc.NexusInfo) *Nexus {
	children := make([]NexusChild, 0, len(info.Children))
	for _, c := range info.Children {
		children = append(children, NexusChild{URI: c.URI, State: c.State})
	}

	n.mu.Lock()
	nx, ok := n.nexuses[info.UUID]
	if !ok {
		nx = newNexus(n.Name, info.UUID, info.Size, info.State, children)
		nx.DeviceURI, nx.Share = info.DeviceURI, info.Share
		n.nexuses[info.UUID] = nx
		n.mu.Unlock()
		n.emit(base.KindNexus, base.EventNew, nx)
		return nx
	}
	changed := nx.merge(info.Size, info.DeviceURI, info.State, children)
	if info.Share != "" && nx.Share != info.Share {
		nx.Share = info.Share
		changed = true
	}
	n.mu.Unlock()
	if changed {
		n.emit(base.KindNexus, base.EventMod, nx)
	}
	return nx
}
