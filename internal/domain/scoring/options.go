package scoring

import (
	"time"

	"github.com/okian/verdict/pkg/logger"
)

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the per-criterion combination policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithComputeTimeout bounds a detached cache computation.
func WithComputeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.computeTimeout = d
		}
	}
}

// WithClock overrides the time source for ComputedAt.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}
