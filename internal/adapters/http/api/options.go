package api

import (
	"time"

	"github.com/okian/verdict/pkg/logger"
)

const defaultHeartbeat = 15 * time.Second

type options struct {
	heartbeat time.Duration
	logger    logger.Logger
}

// Option configures a Server.
type Option func(*options)

// WithHeartbeat sets the keep-alive interval of report streams.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
