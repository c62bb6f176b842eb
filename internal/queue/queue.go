// Package queue is the bounded FIFO that connects pipeline stages.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
)

var (
	// ErrTimeout is returned by WaitAndPop when no frame arrived in time.
	// It is an idle iteration, not a failure.
	ErrTimeout = errors.New("queue: wait timeout")

	// ErrClosed is returned once the queue has been released.
	ErrClosed = errors.New("queue: released")

	// ErrFull is returned by TryPush when the queue is at capacity.
	ErrFull = errors.New("queue: full")
)

// Queue is a bounded FIFO of frames with sync.Cond blocking semantics.
//
// Architecture:
//   - Ring of capacity slots, FIFO order
//   - Push blocks while full, WaitAndPop blocks while empty (bounded wait)
//   - Release wakes every blocked caller; later calls return ErrClosed
//   - Reopen makes a released queue usable again (stage restart)
//
// Thread-safety:
//   - All fields protected by mu
//   - Any number of producers; stages use a single consumer
type Queue struct {
	name string

	mu       sync.Mutex
	notEmpty *sync.Cond // Signals consumers
	notFull  *sync.Cond // Signals producers
	items    []*frame.Frame
	head     int
	size     int

	// --- Operational Stats ---

	pushed   uint64
	popped   uint64
	timeouts uint64

	// --- Lifecycle ---

	closed bool
}

// New returns an open queue. Capacity below 1 is raised to 1.
func New(name string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{name: name, items: make([]*frame.Frame, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue label.
func (q *Queue) Name() string { return q.name }

// Cap returns the capacity.
func (q *Queue) Cap() int { return len(q.items) }

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Push appends a frame, blocking while the queue is full.
//
// Returns ErrClosed if the queue is (or becomes) released while waiting.
func (q *Queue) Push(f *frame.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == len(q.items) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.enqueue(f)
	return nil
}

// TryPush appends a frame without blocking.
func (q *Queue) TryPush(f *frame.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.size == len(q.items) {
		return ErrFull
	}
	q.enqueue(f)
	return nil
}

// enqueue must be called with q.mu held and a free slot.
func (q *Queue) enqueue(f *frame.Frame) {
	q.items[(q.head+q.size)%len(q.items)] = f
	q.size++
	q.pushed++
	q.notEmpty.Signal()
}

// WaitAndPop removes the oldest frame, waiting at most timeout for one.
//
// Algorithm:
//  1. Lock, fast path if a frame is queued
//  2. Arm a timer that broadcasts notEmpty at the deadline
//  3. Wait until a frame arrives, the queue is released, or the deadline passes
//
// Returns ErrTimeout on deadline and ErrClosed after Release. Frames still
// queued at Release are left for Drain.
func (q *Queue) WaitAndPop(timeout time.Duration) (*frame.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 && !q.closed {
		deadline := time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()

		for q.size == 0 && !q.closed {
			if !time.Now().Before(deadline) {
				q.timeouts++
				return nil, ErrTimeout
			}
			q.notEmpty.Wait()
		}
	}

	if q.closed {
		return nil, ErrClosed
	}
	return q.dequeue(), nil
}

// dequeue must be called with q.mu held and size > 0.
func (q *Queue) dequeue() *frame.Frame {
	f := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.popped++
	q.notFull.Signal()
	return f
}

// Release closes the queue and wakes every blocked Push and WaitAndPop.
// Idempotent.
func (q *Queue) Release() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Reopen makes a released queue accept frames again.
func (q *Queue) Reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// Closed reports whether the queue is released.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every queued frame in FIFO order.
func (q *Queue) Drain() []*frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*frame.Frame, 0, q.size)
	for q.size > 0 {
		out = append(out, q.dequeue())
	}
	return out
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name     string
	Depth    int
	Capacity int
	Pushed   uint64
	Popped   uint64
	Timeouts uint64
	Closed   bool
}

// Stats returns a snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:     q.name,
		Depth:    q.size,
		Capacity: len(q.items),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Timeouts: q.timeouts,
		Closed:   q.closed,
	}
}
