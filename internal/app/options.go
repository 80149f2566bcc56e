package service

import (
	"time"

	"github.com/okian/verdict/internal/adapters/repository"
	"github.com/okian/verdict/internal/config"
	"github.com/okian/verdict/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithStore uses st instead of opening the configured store.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		s.injected = st
	}
}

// WithClock overrides the time source of every component.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
