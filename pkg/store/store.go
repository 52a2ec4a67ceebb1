// Package store adapts a key-value store for the Volume FSM's recovery
// subsystem (§4.6). Keys are nexus UUIDs; values are the clean-shutdown and
// per-child health record the FSM consults when publishing a nexus that
// might have pre-existing state left over from before a restart.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/log"
)

var bucketNexus = []byte("nexus")

// ChildRecord is one child's recorded health at last shutdown.
type ChildRecord struct {
	UUID    string `json:"uuid"`
	Healthy bool   `json:"healthy"`
}

// NexusRecord is the JSON value stored under a nexus UUID key.
type NexusRecord struct {
	CleanShutdown bool          `json:"cleanShutdown"`
	Children      []ChildRecord `json:"children"`
}

// Store is the persistent-store adapter the Volume FSM depends on.
type Store interface {
	// FilterReplicas returns candidates filtered to healthy children
	// according to the recorded NexusRecord for nexusUUID. If no record
	// exists, candidates pass through unchanged. If the last shutdown was
	// not clean and more than one healthy candidate remains, exactly one
	// is kept, preferring a local-share replica.
	FilterReplicas(ctx context.Context, nexusUUID string, candidates []ReplicaCandidate) ([]ReplicaCandidate, error)
	// Put records nexusUUID's shutdown/children state.
	Put(ctx context.Context, nexusUUID string, rec NexusRecord) error
	// DestroyNexus removes the record for nexusUUID.
	DestroyNexus(ctx context.Context, nexusUUID string) error
	Close() error
}

// ReplicaCandidate is the minimal shape FilterReplicas needs from a
// replica: its persistent identity UUID and whether it is local to the
// node the nexus will be published on.
type ReplicaCandidate struct {
	UUID  string
	Local bool
}

// BoltStore implements Store over a local bbolt file. A real highly
// available KV store is opaque per spec (§1 Non-goals); bbolt stands in as
// a concrete, embeddable adapter satisfying the same interface.
type BoltStore struct {
	mu   sync.RWMutex
	path string
	db   *bolt.DB
}

// Open creates/opens the bbolt-backed store under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "recovery.db")
	db, err := openBolt(path)
	if err != nil {
		return nil, err
	}
	return &BoltStore{path: path, db: db}, nil
}

func openBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open recovery store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNexus)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// reopen replaces the underlying bbolt handle after a call timed out: a
// hung transaction can leave the handle's internal locking in a state that
// never recovers on its own.
func (s *BoltStore) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := s.db
	db, err := openBolt(s.path)
	if err != nil {
		log.ForComponent("store").WithError(err).Error("failed to reopen recovery store after timeout")
		return
	}
	s.db = db
	go stale.Close()
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// withDeadline races fn against ctx plus the default store timeout; on
// timeout the stale bbolt handle is replaced in the background, since some
// clients don't recover cleanly from a hung call.
func (s *BoltStore) withDeadline(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, base.DefaultStoreTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.ForComponent("store").Warn("persistent store call exceeded its deadline, reopening")
		go s.reopen()
		return base.DeadlineExceeded("persistent store call timed out")
	}
}

func (s *BoltStore) handle() *bolt.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *BoltStore) get(nexusUUID string) (*NexusRecord, error) {
	var rec *NexusRecord
	err := s.handle().View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNexus).Get([]byte(nexusUUID))
		if v == nil {
			return nil
		}
		var r NexusRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// FilterReplicas implements Store.
func (s *BoltStore) FilterReplicas(ctx context.Context, nexusUUID string, candidates []ReplicaCandidate) ([]ReplicaCandidate, error) {
	var result []ReplicaCandidate
	err := s.withDeadline(ctx, func() error {
		rec, err := s.get(nexusUUID)
		if err != nil {
			return err
		}
		if rec == nil {
			result = candidates
			return nil
		}
		result = filterByRecord(*rec, candidates)
		return nil
	})
	return result, err
}

func filterByRecord(rec NexusRecord, candidates []ReplicaCandidate) []ReplicaCandidate {
	healthy := make(map[string]bool, len(rec.Children))
	for _, c := range rec.Children {
		if c.Healthy {
			healthy[c.UUID] = true
		}
	}

	var kept []ReplicaCandidate
	for _, c := range candidates {
		if healthy[c.UUID] {
			kept = append(kept, c)
		}
	}

	if !rec.CleanShutdown && len(kept) > 1 {
		for _, c := range kept {
			if c.Local {
				return []ReplicaCandidate{c}
			}
		}
		return kept[:1]
	}
	return kept
}

// Put implements Store.
func (s *BoltStore) Put(ctx context.Context, nexusUUID string, rec NexusRecord) error {
	return s.withDeadline(ctx, func() error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return s.handle().Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketNexus).Put([]byte(nexusUUID), data)
		})
	})
}

// DestroyNexus implements Store.
func (s *BoltStore) DestroyNexus(ctx context.Context, nexusUUID string) error {
	return s.withDeadline(ctx, func() error {
		return s.handle().Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketNexus).Delete([]byte(nexusUUID))
		})
	})
}
