// Package workqueue implements the FIFO single-flight task serializer used
// to order operations against a single entity (a node, a volume) so that at
// most one of its tasks ever runs at a time and tasks complete in the order
// they were submitted.
package workqueue

import (
	"container/list"
	"sync"

	"github.com/blockpool-io/csi-controller/pkg/metrics"
)

// Task is one unit of work. It runs with no other task from the same Queue
// running concurrently.
type Task func()

// Queue is a FIFO run-loop: Push appends a task to the tail, a single
// goroutine drains the head, and tasks always complete in push order. It
// follows the shape of a ticker+stopCh+mutex run loop, specialized to a
// push/drain queue instead of a fixed interval.
type Queue struct {
	name string

	mu      sync.Mutex
	tasks   *list.List
	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
	done    chan struct{}
}

// New creates a Queue and starts its drain loop. name is used only to label
// the queue-depth metric.
func New(name string) *Queue {
	q := &Queue{
		name:   name,
		tasks:  list.New(),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push appends a task to the tail of the queue. It is safe to call Push from
// any goroutine, including from within a running Task (the task will be
// appended after whatever is currently queued). It returns false, without
// running t, if the queue has already been Stopped — callers that block on
// a completion channel written by t must check this so a Stop racing a Push
// never leaves them waiting forever.
func (q *Queue) Push(t Task) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.tasks.PushBack(t)
	depth := q.tasks.Len()
	q.mu.Unlock()

	metrics.WorkQueueDepth.WithLabelValues(q.name).Set(float64(depth))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop rejects any task pushed after it is called, waits for every task
// already queued to drain in order, then returns once the run loop exits.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stopCh)
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		t, ok := q.pop()
		if ok {
			t()
			continue
		}
		select {
		case <-q.wake:
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.tasks.Front()
	if front == nil {
		return nil, false
	}
	q.tasks.Remove(front)
	metrics.WorkQueueDepth.WithLabelValues(q.name).Set(float64(q.tasks.Len()))
	return front.Value.(Task), true
}
