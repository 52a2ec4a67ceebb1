package eventstream

import (
	"context"
	"testing"
	"time"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/stretchr/testify/require"
)

func TestReplayBeforeLive(t *testing.T) {
	b := NewBroker()

	ready := make(chan struct{})
	s := b.Subscribe(func(push func(Event)) {
		push(Event{Kind: base.KindReplica, Type: base.EventNew, Object: "r1"})
		push(Event{Kind: base.KindPool, Type: base.EventNew, Object: "p1"})
		close(ready)
		push(Event{Kind: base.KindNexus, Type: base.EventNew, Object: "n1"})
		push(Event{Kind: base.KindNode, Type: base.EventSync, Object: "node-1"})
	})
	defer s.Close()

	<-ready
	b.Publish(Event{Kind: base.KindVolume, Type: base.EventMod, Object: "live-during-replay"})

	ctx := context.Background()
	var got []interface{}
	for i := 0; i < 5; i++ {
		e, err := s.NextEvent(ctx)
		require.NoError(t, err)
		got = append(got, e.Object)
	}

	require.Equal(t, []interface{}{"r1", "p1", "n1", "node-1", "live-during-replay"}, got)
}

func TestCloseUnblocksNextEvent(t *testing.T) {
	b := NewBroker()
	s := b.Subscribe(nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.NextEvent(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		require.Equal(t, ErrClosed, err)
	case <-time.After(time.Second):
		t.Fatal("NextEvent did not unblock after Close")
	}
}

func TestNextEventRespectsContextCancellation(t *testing.T) {
	b := NewBroker()
	s := b.Subscribe(nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.NextEvent(ctx)
	require.Error(t, err)
}

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	s1 := b.Subscribe(nil)
	s2 := b.Subscribe(nil)
	defer s1.Close()
	defer s2.Close()

	b.Publish(Event{Kind: base.KindNode, Type: base.EventNew, Object: "node-x"})

	e1, err := s1.NextEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-x", e1.Object)

	e2, err := s2.NextEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-x", e2.Object)
}
