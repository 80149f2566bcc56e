package repository

import "time"

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithMetricsUpdateInterval sets the interval for background record gauges.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(s *MemoryStore) {
		if interval > 0 {
			s.metricsUpdateInterval = interval
		}
	}
}

// WithShards sets how many fact shards the store keeps.
func WithShards(n int) Option {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shardCount = n
		}
	}
}
