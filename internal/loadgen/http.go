package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/verdict/pkg/logger"
)

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeUpdated
	outcomeRejected
	outcomeFailed
)

// Client talks to the service API.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a client with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (int, []byte, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode body: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// Health checks that the service answers on /healthz.
func (c *Client) Health(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("health status %d", status)
	}
	return nil
}

func (c *Client) submit(ctx context.Context, competitionID string, s Submission) outcome {
	body := map[string]any{"participantId": s.ParticipantID, "criterionId": s.CriterionID, "value": s.Value}
	status, raw, err := c.do(ctx, http.MethodPost, "/competitions/"+competitionID+"/scores", body,
		map[string]string{"X-Voter-ID": s.VoterID, "X-Voter-Type": "PUBLIC"})
	switch {
	case err != nil:
		return outcomeFailed
	case status == http.StatusCreated:
		var res struct {
			Updated bool `json:"updated"`
		}
		if json.Unmarshal(raw, &res) == nil && res.Updated {
			return outcomeUpdated
		}
		return outcomeAccepted
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

// Query compiles an inline report sorted by weighted total.
func (c *Client) Query(ctx context.Context, competitionID, rubricID string, limit int) ([]Entry, error) {
	body := map[string]any{
		"rubricId": rubricID,
		"sort":     map[string]string{"field": "weightedTotal", "direction": "DESC"},
		"limit":    limit,
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/competitions/"+competitionID+"/reports/query", body, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("query status %d: %s", status, raw)
	}
	var out []Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return out, nil
}

// Submit sends subs over cfg.Workers concurrent workers, in order per worker.
func Submit(ctx context.Context, cfg *Config, c *Client, subs []Submission, stats *Stats) error {
	log := logger.Get().Named("loadgen")
	var counts [4]atomic.Int64

	work := make(chan Submission, cfg.Workers*2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for _, s := range subs {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case work <- s:
			}
		}
		return nil
	})
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			for s := range work {
				counts[c.submit(gctx, cfg.CompetitionID, s)].Add(1)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if cfg.Verbose {
					log.Info(ctx, "progress",
						logger.Int64("accepted", counts[outcomeAccepted].Load()),
						logger.Int64("updated", counts[outcomeUpdated].Load()),
						logger.Int64("rejected", counts[outcomeRejected].Load()),
						logger.Int64("failed", counts[outcomeFailed].Load()))
				}
			}
		}
	}()
	err := g.Wait()
	close(done)

	stats.Accepted = int(counts[outcomeAccepted].Load())
	stats.Updated = int(counts[outcomeUpdated].Load())
	stats.Rejected = int(counts[outcomeRejected].Load())
	stats.Failed = int(counts[outcomeFailed].Load())
	return err
}
