// Package queue buffers aggregate invalidations for background recomputation.
//
// Invalidations for the same (participant, rubric) coalesce while they wait,
// so a burst of submissions costs one recomputation.
package queue

import (
	"context"
	"sync"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/metrics"
)

const defaultQueueCapacity = 100000

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds inv or merges it into a pending invalidation for the same key.
	// It returns false if the queue is full or closed.
	Enqueue(ctx context.Context, inv model.Invalidation) bool

	// Dequeue returns a channel that receives invalidations until the queue is
	// closed and drained or ctx ends.
	Dequeue(ctx context.Context) <-chan model.Invalidation

	// Len returns the number of pending invalidations.
	Len(ctx context.Context) int

	// Close stops accepting invalidations.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue with a buffered channel of keys and a map of
// pending invalidations.
type InMemoryQueue struct {
	keys     chan string
	capacity int

	mu      sync.Mutex
	pending map[string]model.Invalidation
	closed  bool
}

// NewInMemoryQueue creates a queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.keys = make(chan string, q.capacity)
	q.pending = make(map[string]model.Invalidation)
	metrics.UpdateQueueSize(0, q.capacity)
	return q
}

// Enqueue adds or coalesces an invalidation.
func (q *InMemoryQueue) Enqueue(_ context.Context, inv model.Invalidation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	key := inv.Key()
	if prev, ok := q.pending[key]; ok {
		if inv.At.After(prev.At) {
			q.pending[key] = inv
		}
		metrics.RecordQueueEnqueue(true)
		return true
	}

	select {
	case q.keys <- key:
		q.pending[key] = inv
		metrics.RecordQueueEnqueue(false)
		metrics.UpdateQueueSize(len(q.pending), q.capacity)
		return true
	default:
		metrics.RecordQueueRejected()
		return false
	}
}

// Dequeue returns a channel of invalidations.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan model.Invalidation {
	out := make(chan model.Invalidation)
	go func() {
		defer close(out)
		for {
			var key string
			var ok bool
			select {
			case key, ok = <-q.keys:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
			inv, found := q.take(key)
			if !found {
				continue
			}
			select {
			case out <- inv:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (q *InMemoryQueue) take(key string) (model.Invalidation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	inv, ok := q.pending[key]
	delete(q.pending, key)
	metrics.UpdateQueueSize(len(q.pending), q.capacity)
	return inv, ok
}

// Len returns the number of pending invalidations.
func (q *InMemoryQueue) Len(context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting invalidations. Pending ones are still delivered.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.keys)
	q.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
