package ledger

import (
	"time"

	"github.com/okian/verdict/pkg/logger"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithClock overrides the time source used for voting windows and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(lg *Ledger) {
		if clock != nil {
			lg.clock = clock
		}
	}
}

// WithIDGenerator overrides fact id generation.
func WithIDGenerator(gen func() string) Option {
	return func(lg *Ledger) {
		if gen != nil {
			lg.newID = gen
		}
	}
}
