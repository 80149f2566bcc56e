// Package dedupe remembers ingress event ids so redelivered events are
// processed at most once.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Deduper records seen event ids.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// It returns true if id was already seen.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a failed event can be delivered again.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

type entry struct {
	at   time.Time
	slot int
}

// ringDeduper keeps the most recent maxSize ids. Once full, recording a new id
// evicts the oldest one. Entries older than ttl count as unseen.
type ringDeduper struct {
	mu      sync.Mutex
	seen    map[string]entry
	ring    []string
	next    int
	maxSize int
	ttl     time.Duration
	clock   func() time.Time
	size    atomic.Int64
}

// NewInMemoryDeduper creates a bounded in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &ringDeduper{
		maxSize: 50000,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxSize <= 0 {
		d.maxSize = 1
	}
	d.seen = make(map[string]entry, d.maxSize)
	d.ring = make([]string, d.maxSize)
	return d
}

func (d *ringDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if e, ok := d.seen[id]; ok {
		if d.ttl <= 0 || now.Sub(e.at) < d.ttl {
			return true
		}
		// expired: refresh in place
		e.at = now
		d.seen[id] = e
		return false
	}

	if old := d.ring[d.next]; old != "" {
		// only evict if the slot still owns the id
		if e, ok := d.seen[old]; ok && e.slot == d.next {
			delete(d.seen, old)
			d.size.Add(-1)
		}
	}
	d.ring[d.next] = id
	d.seen[id] = entry{at: now, slot: d.next}
	d.next = (d.next + 1) % len(d.ring)
	d.size.Add(1)
	return false
}

func (d *ringDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		// the ring slot is reclaimed lazily on eviction
		delete(d.seen, id)
		d.size.Add(-1)
	}
}

func (d *ringDeduper) Size() int64 {
	return d.size.Load()
}
