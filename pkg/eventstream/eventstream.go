// Package eventstream implements the replay-then-tail subscription
// mechanism shared by the Registry and the Volume Manager.
//
// Rather than a stream type inherited from a generic stream primitive, a
// subscription is a composable producer exposing only NextEvent and Close;
// internally it is a FIFO buffer and a condition variable.
package eventstream

import (
	"context"
	"errors"
	"sync"

	"github.com/blockpool-io/csi-controller/pkg/base"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
)

// Event is one change notification carried by a Stream.
type Event struct {
	Kind   base.EventKind
	Type   base.EventType
	Object interface{}
}

// ErrClosed is returned by NextEvent once a Stream has been closed and
// every buffered event has been drained.
var ErrClosed = errors.New("eventstream: closed")

// Broker fans out Published events to every subscribed Stream.
type Broker struct {
	mu   sync.Mutex
	subs map[*Stream]struct{}
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Stream]struct{})}
}

// Publish fans e out to every currently subscribed Stream.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	targets := make([]*Stream, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	metrics.EventsEmittedTotal.WithLabelValues(string(e.Kind), string(e.Type)).Inc()
	for _, s := range targets {
		s.pushLive(e)
	}
}

// Subscribe opens a Stream. If replay is non-nil it is invoked synchronously
// with a push function: every event it pushes is queued ahead of anything
// published concurrently while replay runs, and any event Published by
// another goroutine during replay is buffered and delivered only after the
// replay events have been delivered.
func (b *Broker) Subscribe(replay func(push func(Event))) *Stream {
	s := &Stream{broker: b}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	metrics.EventStreamSubscribersTotal.Inc()

	if replay != nil {
		replay(s.pushReplay)
	}
	return s
}

func (b *Broker) unsubscribe(s *Stream) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	metrics.EventStreamSubscribersTotal.Dec()
}

// Stream is one subscriber's view: replay events first, then live events,
// in the order each arrived.
type Stream struct {
	broker *Broker

	mu     sync.Mutex
	cond   *sync.Cond
	replay []Event
	live   []Event
	closed bool
}

func (s *Stream) pushReplay(e Event) {
	s.mu.Lock()
	s.replay = append(s.replay, e)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) pushLive(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.live = append(s.live, e)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// NextEvent blocks until an event is available, the stream is closed, or ctx
// is done.
func (s *Stream) NextEvent(ctx context.Context) (Event, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.replay) == 0 && len(s.live) == 0 && !s.closed {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return Event{}, ctx.Err()
	}
	if len(s.replay) > 0 {
		e := s.replay[0]
		s.replay = s.replay[1:]
		return e, nil
	}
	if len(s.live) > 0 {
		e := s.live[0]
		s.live = s.live[1:]
		return e, nil
	}
	return Event{}, ErrClosed
}

// Close detaches this Stream from its Broker; any events still buffered are
// released and subsequent NextEvent calls return ErrClosed once drained.
func (s *Stream) Close() {
	s.broker.unsubscribe(s)
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
