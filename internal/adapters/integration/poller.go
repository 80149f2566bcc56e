package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
	"github.com/okian/verdict/pkg/retry"
)

// maxBody bounds a poll response.
const maxBody = 4 << 20

var errUpstream = errors.New("upstream error")

// Poller periodically pulls events from a third-party HTTP endpoint.
//
// The endpoint returns a JSON array of events or an object with an
// "events" array.
type Poller struct {
	url      string
	client   *http.Client
	ingress  *Ingress
	interval time.Duration
	timeout  time.Duration
	limiter  *rate.Limiter
	policy   retry.Policy
	log      logger.Logger
}

// NewPoller creates a poller for url.
func NewPoller(url string, ingress *Ingress, opts ...PollerOption) *Poller {
	p := &Poller{
		url:      url,
		client:   &http.Client{},
		ingress:  ingress,
		interval: 30 * time.Second,
		timeout:  5 * time.Second,
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		policy: retry.Policy{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		log: logger.Get().Named("poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.policy.Retryable = retryable
	return p
}

// Run polls until ctx ends. Failed polls are logged and retried next round.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info(ctx, "poller started", logger.String("url", p.url), logger.Duration("interval", p.interval))
	for {
		if n, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn(ctx, "poll failed", logger.Error(err))
		} else if n > 0 {
			p.log.Debug(ctx, "poll delivered events", logger.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches once and returns how many new events were accepted.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	var events []automation.Event
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var err error
		events, err = p.fetch(ctx)
		return err
	})
	if err != nil {
		metrics.RecordIntegrationCall("poller", "failure")
		return 0, err
	}
	metrics.RecordIntegrationCall("poller", "success")

	accepted := 0
	for _, ev := range events {
		ok, err := p.ingress.Accept(ctx, ev)
		if err != nil {
			p.log.Warn(ctx, "polled event rejected", logger.String("event_id", ev.ID), logger.Error(err))
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

func (p *Poller) fetch(ctx context.Context) ([]automation.Event, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordIntegrationTimeout()
			return nil, fmt.Errorf("poll %s: %w", p.url, model.ErrIntegrationTimeout)
		}
		return nil, fmt.Errorf("poll %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordIntegrationTimeout()
			return nil, fmt.Errorf("read %s: %w", p.url, model.ErrIntegrationTimeout)
		}
		return nil, fmt.Errorf("read %s: %w", p.url, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("poll %s: status %d: %w", p.url, resp.StatusCode, errUpstream)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll %s: unexpected status %d", p.url, resp.StatusCode)
	}
	return decodeEvents(body)
}

func decodeEvents(body []byte) ([]automation.Event, error) {
	var events []automation.Event
	if err := json.Unmarshal(body, &events); err == nil {
		return events, nil
	}
	var wrapped struct {
		Events []automation.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return wrapped.Events, nil
}

func retryable(err error) bool {
	return errors.Is(err, model.ErrIntegrationTimeout) || errors.Is(err, errUpstream)
}
