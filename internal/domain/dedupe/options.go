package dedupe

import "time"

// Option configures the in-memory deduper.
type Option func(*ringDeduper)

// WithMaxSize sets how many ids are remembered before the oldest is evicted.
func WithMaxSize(maxSize int) Option {
	return func(d *ringDeduper) {
		d.maxSize = maxSize
	}
}

// WithTTL makes ids older than ttl count as unseen. Zero keeps ids until evicted.
func WithTTL(ttl time.Duration) Option {
	return func(d *ringDeduper) {
		d.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *ringDeduper) {
		if clock != nil {
			d.clock = clock
		}
	}
}
