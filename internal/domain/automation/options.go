package automation

import (
	"time"

	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/retry"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithTickInterval sets how often time-based rules are evaluated.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithActionTimeout bounds a single action attempt.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithRetryPolicy replaces the retry policy for timed out actions.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		if p.Retryable == nil {
			p.Retryable = e.retry.Retryable
		}
		e.retry = p
	}
}

// WithConcurrency bounds how many rules evaluate at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithAuditSize sets how many audit records are retained.
func WithAuditSize(n int) Option {
	return func(e *Engine) {
		e.audit = newAuditLog(n)
	}
}
