package broadcast

import (
	"errors"
	"time"

	"github.com/okian/verdict/pkg/logger"
)

// ErrClosed is returned once the hub has been closed.
var ErrClosed = errors.New("broadcast hub closed")

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		h.buffer = n
	}
}

// WithSource sets where a first subscriber's snapshot is pulled from.
func WithSource(src SnapshotSource) Option {
	return func(h *Hub) {
		h.source = src
	}
}

// WithBus relays snapshots through a shared bus.
func WithBus(b Bus) Option {
	return func(h *Hub) {
		h.bus = b
	}
}

// WithClock overrides the publish timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}
