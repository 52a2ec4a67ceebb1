package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "recovery-store-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFilterReplicasPassesThroughWhenNoRecord(t *testing.T) {
	s := newTestStore(t)
	candidates := []ReplicaCandidate{{UUID: "r1"}, {UUID: "r2"}}

	out, err := s.FilterReplicas(context.Background(), "nexus-unknown", candidates)
	require.NoError(t, err)
	assert.Equal(t, candidates, out)
}

func TestFilterReplicasKeepsOnlyHealthyChildren(t *testing.T) {
	s := newTestStore(t)
	rec := NexusRecord{
		CleanShutdown: true,
		Children: []ChildRecord{
			{UUID: "r1", Healthy: true},
			{UUID: "r2", Healthy: false},
		},
	}
	require.NoError(t, s.Put(context.Background(), "nexus-1", rec))

	out, err := s.FilterReplicas(context.Background(), "nexus-1", []ReplicaCandidate{
		{UUID: "r1"}, {UUID: "r2"}, {UUID: "r3"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].UUID)
}

func TestFilterReplicasUncleanShutdownKeepsOneLocalSurvivor(t *testing.T) {
	s := newTestStore(t)
	rec := NexusRecord{
		CleanShutdown: false,
		Children: []ChildRecord{
			{UUID: "r1", Healthy: true},
			{UUID: "r2", Healthy: true},
		},
	}
	require.NoError(t, s.Put(context.Background(), "nexus-1", rec))

	out, err := s.FilterReplicas(context.Background(), "nexus-1", []ReplicaCandidate{
		{UUID: "r1", Local: false},
		{UUID: "r2", Local: true},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r2", out[0].UUID, "prefers the local survivor after an unclean shutdown")
}

func TestFilterReplicasUncleanShutdownWithoutLocalKeepsOneArbitrary(t *testing.T) {
	s := newTestStore(t)
	rec := NexusRecord{
		CleanShutdown: false,
		Children: []ChildRecord{
			{UUID: "r1", Healthy: true},
			{UUID: "r2", Healthy: true},
		},
	}
	require.NoError(t, s.Put(context.Background(), "nexus-1", rec))

	out, err := s.FilterReplicas(context.Background(), "nexus-1", []ReplicaCandidate{
		{UUID: "r1"}, {UUID: "r2"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestDestroyNexusRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	rec := NexusRecord{CleanShutdown: true, Children: []ChildRecord{{UUID: "r1", Healthy: true}}}
	require.NoError(t, s.Put(context.Background(), "nexus-1", rec))

	require.NoError(t, s.DestroyNexus(context.Background(), "nexus-1"))

	out, err := s.FilterReplicas(context.Background(), "nexus-1", []ReplicaCandidate{{UUID: "r1"}})
	require.NoError(t, err)
	assert.Equal(t, []ReplicaCandidate{{UUID: "r1"}}, out, "absent record passes candidates through")
}

func TestReopenReplacesHandleAndStorePersists(t *testing.T) {
	s := newTestStore(t)
	rec := NexusRecord{CleanShutdown: true, Children: []ChildRecord{{UUID: "r1", Healthy: true}}}
	require.NoError(t, s.Put(context.Background(), "nexus-1", rec))

	s.reopen()

	out, err := s.FilterReplicas(context.Background(), "nexus-1", []ReplicaCandidate{{UUID: "r1"}})
	require.NoError(t, err)
	assert.Equal(t, []ReplicaCandidate{{UUID: "r1"}}, out, "reopened handle still sees previously committed data")
}
