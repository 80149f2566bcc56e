package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/verdict/pkg/logger"
)

const directoryPermission = 0o750

// Run executes a complete load test.
func Run(ctx context.Context, cfg *Config) error {
	log := logger.Get().Named("loadgen")
	stats := &Stats{StartTime: time.Now()}
	client := NewClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting load test",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("competition", cfg.CompetitionID),
		logger.Int("submissions", cfg.Submissions),
		logger.Int("participants", len(cfg.Participants)),
		logger.Int("workers", cfg.Workers))

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("service health check failed: %w", err)
	}

	subs := Generate(cfg)
	stats.Generated = len(subs)

	if err := Submit(ctx, cfg, client, subs, stats); err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}
	if stats.Rejected > 0 || stats.Failed > 0 {
		log.Warn(ctx, "some submissions did not land",
			logger.Int("rejected", stats.Rejected), logger.Int("failed", stats.Failed))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.Settle):
	}

	ranked, err := client.Query(ctx, cfg.CompetitionID, cfg.RubricID, cfg.TopN)
	if err != nil {
		return fmt.Errorf("ranking retrieval failed: %w", err)
	}
	stats.Ranked = len(ranked)

	if stats.Rejected == 0 && stats.Failed == 0 {
		if err := Verify(ranked, Expected(cfg, subs)); err != nil {
			return fmt.Errorf("result verification failed: %w", err)
		}
		log.Info(ctx, "ranking verified")
	}

	if err := saveSubmissions(cfg.OutputFile, subs); err != nil {
		log.Warn(ctx, "failed to save submissions", logger.Error(err))
	}

	stats.Duration = time.Since(stats.StartTime)
	var perSecond float64
	if stats.Duration > 0 {
		perSecond = float64(stats.Generated) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("generated", stats.Generated),
		logger.Int("accepted", stats.Accepted),
		logger.Int("updated", stats.Updated),
		logger.Int("rejected", stats.Rejected),
		logger.Int("failed", stats.Failed),
		logger.Int("ranked", stats.Ranked),
		logger.Duration("duration", stats.Duration),
		logger.Float64("submissionsPerSecond", perSecond))
	return nil
}

func saveSubmissions(filename string, subs []Submission) error {
	if filename == "" {
		return nil
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	raw, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode submissions: %w", err)
	}
	return os.WriteFile(filename, raw, 0o600)
}
