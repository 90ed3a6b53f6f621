// Package queue provides the bounded buffer between the listeners and the
// consumer workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"cef-viewer/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when no record is available.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is used when NewRingBuffer is given a non-positive size.
const DefaultSize = 10000

// RingBuffer is a fixed-capacity FIFO of records. Push never blocks; a full
// buffer drops the record and counts it.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []*schema.Record
	head   int
	count  int
	closed bool
	// ready is closed and replaced on every push and on Close.
	ready chan struct{}

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &RingBuffer{
		buffer: make([]*schema.Record, size),
		ready:  make(chan struct{}),
	}
}

// Push adds a record to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer) Push(record *schema.Record) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == len(rb.buffer) {
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[(rb.head+rb.count)%len(rb.buffer)] = record
	rb.count++
	rb.pushed.Add(1)
	rb.wakeLocked()
	return nil
}

// Pop removes and returns the oldest record.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer) Pop() (*schema.Record, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopContext waits for a record until ctx is done. Records left in a closed
// queue are still returned; once it is drained ErrQueueClosed is returned.
func (rb *RingBuffer) PopContext(ctx context.Context) (*schema.Record, error) {
	for {
		rb.mu.Lock()
		if rb.count > 0 {
			record := rb.popLocked()
			rb.mu.Unlock()
			return record, nil
		}
		if rb.closed {
			rb.mu.Unlock()
			return nil, ErrQueueClosed
		}
		ready := rb.ready
		rb.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PopBlocking waits until a record is available or the queue is closed.
func (rb *RingBuffer) PopBlocking() (*schema.Record, error) {
	return rb.PopContext(context.Background())
}

// PopWithTimeout waits up to timeout for a record.
// Returns ErrQueueEmpty if none arrives in time.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	record, err := rb.PopContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrQueueEmpty
	}
	return record, err
}

// Drain removes up to max records without waiting.
func (rb *RingBuffer) Drain(max int) []*schema.Record {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(max, rb.count)
	out := make([]*schema.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, rb.popLocked())
	}
	return out
}

func (rb *RingBuffer) popLocked() *schema.Record {
	record := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % len(rb.buffer)
	rb.count--
	rb.popped.Add(1)
	return record
}

func (rb *RingBuffer) wakeLocked() {
	close(rb.ready)
	rb.ready = make(chan struct{})
}

// Len returns the current number of records in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return len(rb.buffer)
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer) IsFull() bool {
	return rb.Len() == rb.Cap()
}

// IsEmpty returns true if the queue is empty.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Len() == 0
}

// Close stops further pushes and wakes any waiting consumers.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.wakeLocked()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.Cap(),
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
