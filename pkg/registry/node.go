package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/eventstream"
	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
	"github.com/blockpool-io/csi-controller/pkg/rpc"
	"github.com/blockpool-io/csi-controller/pkg/workqueue"
	"github.com/sirupsen/logrus"
)

// NodeClient is the RPC surface a Node exposes once connected: the three
// list calls its own sync engine needs, plus the provisioning calls the
// Volume Manager issues against whichever node currently owns a replica or
// nexus. *rpc.Client satisfies it; tests inject a fake instead of dialing a
// real gRPC transport.
type NodeClient interface {
	ListPools(ctx context.Context) ([]rpc.PoolInfo, error)
	ListReplicas(ctx context.Context) ([]rpc.ReplicaInfo, error)
	ListNexuses(ctx context.Context) ([]rpc.NexusInfo, error)

	CreateReplica(ctx context.Context, req *rpc.CreateReplicaRequest) (*rpc.ReplicaInfo, error)
	DestroyReplica(ctx context.Context, r *rpc.ReplicaInfo) error
	CreateNexus(ctx context.Context, req *rpc.CreateNexusRequest) (*rpc.NexusInfo, error)
	DestroyNexus(ctx context.Context, n *rpc.NexusInfo) error
	PublishNexus(ctx context.Context, req *rpc.PublishNexusRequest) (*rpc.NexusInfo, error)
	UnpublishNexus(ctx context.Context, n *rpc.NexusInfo) error
	AddChild(ctx context.Context, req *rpc.ChildRequest) (*rpc.NexusInfo, error)
	RemoveChild(ctx context.Context, req *rpc.ChildRequest) (*rpc.NexusInfo, error)
	ShareReplica(ctx context.Context, req *rpc.ShareReplicaRequest) (*rpc.ReplicaInfo, error)

	Close() error
}

// Dialer opens an RPC client to a node endpoint. It is injected so tests
// never dial a real gRPC transport.
type Dialer func(ctx context.Context, nodeName, endpoint string) (NodeClient, error)

// Node is the live mirror of one storage node's pools, replicas and nexūs.
type Node struct {
	Name string

	broker      *eventstream.Broker
	dial        Dialer
	log         *logrus.Entry
	syncPeriod  time.Duration
	syncRetry   time.Duration
	badLimit    int

	queue *workqueue.Queue

	mu           sync.Mutex
	endpoint     string
	client       NodeClient
	syncFailures int
	pools        map[string]*Pool
	nexuses      map[string]*Nexus

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

// newNode constructs a Node initially unsynced (syncFailures = badLimit+1),
// per the invariant that a freshly registered node's objects appear offline
// until the first successful sync.
func newNode(name string, broker *eventstream.Broker, dial Dialer, syncPeriod, syncRetry time.Duration, badLimit int) *Node {
	return &Node{
		Name:         name,
		broker:       broker,
		dial:         dial,
		log:          log.ForComponent("registry").WithField("node", name),
		syncPeriod:   syncPeriod,
		syncRetry:    syncRetry,
		badLimit:     badLimit,
		queue:        workqueue.New("node-" + name),
		syncFailures: badLimit + 1,
		pools:        make(map[string]*Pool),
		nexuses:      make(map[string]*Nexus),
	}
}

// RPC returns the node's current RPC client, if connected. The Volume
// Manager uses this to issue provisioning calls against whichever node
// currently owns a replica or nexus, without dialing a second connection.
func (n *Node) RPC() (NodeClient, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.client, n.client != nil
}

// IsSynced reports whether the cached view is believed to match the node.
func (n *Node) IsSynced() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isSyncedLocked()
}

func (n *Node) isSyncedLocked() bool {
	return n.syncFailures <= n.badLimit
}

// Endpoint returns the node's current gRPC endpoint, as last passed to
// connect. Used by the node CRD reconciler to detect drift against
// spec.grpcEndpoint.
func (n *Node) Endpoint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoint
}

// connect dials endpoint if it differs from the current one (idempotent
// against the same endpoint), cancels any pending timer, and schedules an
// immediate sync.
func (n *Node) connect(endpoint string) {
	n.mu.Lock()
	same := n.endpoint == endpoint && n.client != nil
	n.mu.Unlock()
	if same {
		return
	}

	n.mu.Lock()
	if n.client != nil {
		n.client.Close()
		n.client = nil
	}
	n.endpoint = endpoint
	n.mu.Unlock()

	n.cancelTimer()
	n.emitNodeMod()
	n.scheduleSync(0)
}

// disconnect closes the handle and forces the node immediately offline
// while retaining the Node object itself.
func (n *Node) disconnect() {
	n.cancelTimer()
	n.mu.Lock()
	if n.client != nil {
		n.client.Close()
		n.client = nil
	}
	n.syncFailures = n.badLimit + 1
	n.mu.Unlock()
	n.offlineCascade()
	n.emitNodeMod()
}

// stop cancels the sync timer and the node's WorkQueue; used by removeNode.
func (n *Node) stop() {
	n.cancelTimer()
	n.timerMu.Lock()
	n.stopped = true
	n.timerMu.Unlock()
	n.queue.Stop()
}

func (n *Node) cancelTimer() {
	n.timerMu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.timerMu.Unlock()
}

// scheduleSync arms a self-re-enqueuing task: when the timer fires, the
// sync is pushed onto the node's WorkQueue, and upon completion it
// schedules its own next firing with whichever interval the outcome calls
// for. Cancellation (stop/cancelTimer) removes any pending trigger.
func (n *Node) scheduleSync(after time.Duration) {
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	if n.stopped {
		return
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(after, func() {
		n.queue.Push(func() {
			n.runSync()
		})
	})
}

func (n *Node) runSync() {
	n.mu.Lock()
	client := n.client
	endpoint := n.endpoint
	n.mu.Unlock()

	if client == nil && endpoint != "" {
		c, err := n.dial(context.Background(), n.Name, endpoint)
		if err != nil {
			n.onSyncFailure(err)
			return
		}
		n.mu.Lock()
		n.client = c
		n.mu.Unlock()
		client = c
	}
	if client == nil {
		n.onSyncFailure(nil)
		return
	}

	timer := metrics.NewTimer()
	err := n.doSync(client)
	timer.ObserveDurationVec(metrics.SyncDuration, n.Name)

	if err != nil {
		n.onSyncFailure(err)
		return
	}
	n.onSyncSuccess()
}

// doSync issues listReplicas, listPools, listNexus in sequence and merges
// each against the cached child set. Pools merge before nexūs: a nexus's
// children are URIs that reference replicas whose owning pool must already
// be known.
func (n *Node) doSync(client NodeClient) error {
	ctx := context.Background()

	replicas, err := client.ListReplicas(ctx)
	if err != nil {
		return err
	}
	pools, err := client.ListPools(ctx)
	if err != nil {
		return err
	}
	nexuses, err := client.ListNexuses(ctx)
	if err != nil {
		return err
	}

	n.mergePools(pools, replicas)
	n.mergeNexuses(nexuses)
	return nil
}

func (n *Node) mergePools(remote []rpc.PoolInfo, remoteReplicas []rpc.ReplicaInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()

	replicasByPool := make(map[string][]rpc.ReplicaInfo)
	for _, r := range remoteReplicas {
		replicasByPool[r.Pool] = append(replicasByPool[r.Pool], r)
	}

	seen := make(map[string]bool, len(remote))
	for _, rp := range remote {
		seen[rp.Name] = true
		p, ok := n.pools[rp.Name]
		if !ok {
			p = newPool(n.Name, rp.Name, rp.Disks, rp.State, rp.Capacity, rp.Used)
			n.pools[rp.Name] = p
			n.emit(base.KindPool, base.EventNew, p)
		} else if p.merge(rp.Disks, rp.State, rp.Capacity, rp.Used) {
			n.emit(base.KindPool, base.EventMod, p)
		}
		n.mergeReplicasLocked(p, replicasByPool[rp.Name])
	}
	for name, p := range n.pools {
		if !seen[name] {
			delete(n.pools, name)
			n.emit(base.KindPool, base.EventDel, p)
		}
	}
}

func (n *Node) mergeReplicasLocked(p *Pool, remote []rpc.ReplicaInfo) {
	seen := make(map[string]bool, len(remote))
	for _, rr := range remote {
		seen[rr.UUID] = true
		r, ok := p.replicas[rr.UUID]
		if !ok {
			r = newReplica(n.Name, p.Name, rr.UUID, rr.Size, rr.Share, rr.URI)
			p.replicas[rr.UUID] = r
			n.emit(base.KindReplica, base.EventNew, r)
		} else if r.merge(rr.Size, rr.Share, rr.URI) {
			n.emit(base.KindReplica, base.EventMod, r)
		}
	}
	for uuid, r := range p.replicas {
		if !seen[uuid] {
			delete(p.replicas, uuid)
			n.emit(base.KindReplica, base.EventDel, r)
		}
	}
}

func (n *Node) mergeNexuses(remote []rpc.NexusInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[string]bool, len(remote))
	for _, rn := range remote {
		seen[rn.UUID] = true
		children := make([]NexusChild, 0, len(rn.Children))
		for _, c := range rn.Children {
			children = append(children, NexusChild{URI: c.URI, State: c.State})
		}
		nx, ok := n.nexuses[rn.UUID]
		if !ok {
			nx = newNexus(n.Name, rn.UUID, rn.Size, rn.State, children)
			nx.DeviceURI, nx.Share = rn.DeviceURI, rn.Share
			n.nexuses[rn.UUID] = nx
			n.emit(base.KindNexus, base.EventNew, nx)
		} else if nx.merge(rn.Size, rn.DeviceURI, rn.State, children) {
			n.emit(base.KindNexus, base.EventMod, nx)
		}
	}
	for uuid, nx := range n.nexuses {
		if !seen[uuid] {
			delete(n.nexuses, uuid)
			n.emit(base.KindNexus, base.EventDel, nx)
		}
	}
}

func (n *Node) onSyncFailure(err error) {
	n.mu.Lock()
	n.syncFailures++
	crossed := n.syncFailures == n.badLimit+1
	n.mu.Unlock()

	metrics.SyncCyclesTotal.WithLabelValues("failure").Inc()
	if err != nil {
		if crossed {
			n.log.WithError(err).Error("node sync failed, node now unsynced")
		} else {
			n.log.WithError(err).Debug("node sync failed")
		}
	}

	if crossed {
		n.offlineCascade()
		n.emitNodeMod()
	}
	n.scheduleSync(n.syncRetry)
}

func (n *Node) onSyncSuccess() {
	n.mu.Lock()
	wasUnsynced := !n.isSyncedLocked()
	n.syncFailures = 0
	n.mu.Unlock()

	metrics.SyncCyclesTotal.WithLabelValues("success").Inc()
	if wasUnsynced {
		n.log.Info("node sync restored")
		n.emitNodeMod()
	}
	n.scheduleSync(n.syncPeriod)
}

// offlineCascade marks every pool, nexus and replica on this node offline.
func (n *Node) offlineCascade() {
	n.mu.Lock()
	var changed []interface{}
	for _, p := range n.pools {
		if p.offline() {
			changed = append(changed, p)
		}
	}
	for _, nx := range n.nexuses {
		if nx.offline() {
			changed = append(changed, nx)
		}
	}
	for _, p := range n.pools {
		for _, r := range p.replicas {
			if r.offline() {
				changed = append(changed, r)
			}
		}
	}
	n.mu.Unlock()

	for _, obj := range changed {
		switch v := obj.(type) {
		case *Pool:
			n.emit(base.KindPool, base.EventMod, v)
		case *Nexus:
			n.emit(base.KindNexus, base.EventMod, v)
		case *Replica:
			n.emit(base.KindReplica, base.EventMod, v)
		}
	}
}

func (n *Node) emit(kind base.EventKind, typ base.EventType, obj interface{}) {
	n.broker.Publish(eventstream.Event{Kind: kind, Type: typ, Object: obj})
}

func (n *Node) emitNodeMod() {
	n.emit(base.KindNode, base.EventMod, n)
}

// snapshot returns an ordered copy of this node's replicas, pools and
// nexuses for event-stream replay, in the order replay requires:
// replicas, then pools, then nexūs.
func (n *Node) snapshot() (replicas []*Replica, pools []*Pool, nexuses []*Nexus) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, p := range n.pools {
		pools = append(pools, p)
		replicas = append(replicas, p.Replicas()...)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].UUID < replicas[j].UUID })

	for _, nx := range n.nexuses {
		nexuses = append(nexuses, nx)
	}
	sort.Slice(nexuses, func(i, j int) bool { return nexuses[i].UUID < nexuses[j].UUID })
	return
}
