package csi

import (
	"encoding/json"
	"sync"

	"github.com/blockpool-io/csi-controller/pkg/metrics"
)

// inflight is one in-progress mutating CSI call: every duplicate retransmit
// with the same canonicalized method+args attaches a waiter here instead of
// firing a second downstream operation (§4.4 idempotence/dedup, §8 invariant 6).
type inflight struct {
	done    chan struct{}
	result  interface{}
	err     error
}

// dedupCache holds one inflight entry per canonicalized (method, args) key.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]*inflight
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[string]*inflight)}
}

// canonicalKey deterministically serializes req (a proto request message)
// keyed by method so calls to different RPCs never collide even with
// structurally identical arguments.
func canonicalKey(method string, req interface{}) string {
	// encoding/json sorts map keys and walks exported struct fields in
	// declaration order, which is deterministic enough to detect a literal
	// retransmit within one process lifetime; it is not meant to be a
	// cross-version wire-stable hash.
	data, err := json.Marshal(req)
	if err != nil {
		return method
	}
	return method + ":" + string(data)
}

// do runs fn unless an identical call is already in flight, in which case it
// waits for that call's result instead. Exactly one call to fn actually runs
// per canonical key at any given time.
func (c *dedupCache) do(method string, req interface{}, fn func() (interface{}, error)) (interface{}, error) {
	key := canonicalKey(method, req)

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		metrics.CSIDedupHitsTotal.Inc()
		<-existing.done
		return existing.result, existing.err
	}
	entry := &inflight{done: make(chan struct{})}
	c.entries[key] = entry
	c.mu.Unlock()

	result, err := fn()

	c.mu.Lock()
	entry.result, entry.err = result, err
	delete(c.entries, key)
	close(entry.done)
	c.mu.Unlock()
	return result, err
}
