package integration

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/verdict/pkg/logger"
)

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.client = c
		}
	}
}

// WithInterval sets the time between polls.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) PollerOption {
	return func(p *Poller) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRetries sets the retry count and backoff bounds.
func WithRetries(maxRetries int, base, maxDelay time.Duration) PollerOption {
	return func(p *Poller) {
		p.policy.MaxRetries = maxRetries
		if base > 0 {
			p.policy.BaseDelay = base
		}
		if maxDelay > 0 {
			p.policy.MaxDelay = maxDelay
		}
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l logger.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

