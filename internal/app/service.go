// Package service wires the scoring core together and implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/okian/verdict/internal/adapters/broadcast"
	"github.com/okian/verdict/internal/adapters/integration"
	eventqueue "github.com/okian/verdict/internal/adapters/mq/queue"
	workerpool "github.com/okian/verdict/internal/adapters/mq/worker"
	"github.com/okian/verdict/internal/adapters/repository"
	"github.com/okian/verdict/internal/adapters/repository/sqlstore"
	"github.com/okian/verdict/internal/config"
	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/category"
	"github.com/okian/verdict/internal/domain/competition"
	"github.com/okian/verdict/internal/domain/dedupe"
	"github.com/okian/verdict/internal/domain/ledger"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/internal/domain/permission"
	"github.com/okian/verdict/internal/domain/report"
	"github.com/okian/verdict/internal/domain/scoring"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
)

const (
	shutdownTimeout = 10 * time.Second
	dedupeTTL       = 24 * time.Hour
)

// Service owns every component and their lifecycle.
type Service struct {
	mu sync.RWMutex

	cfg    *config.Config
	clock  func() time.Time
	logger logger.Logger

	// injected store is not closed on Stop
	injected repository.Store

	store        repository.Store
	perms        *permission.Service
	competitions *competition.Service
	categories   *category.Service
	ledger       *ledger.Ledger
	scoring      *scoring.Engine
	reports      *report.Compiler
	automation   *automation.Engine
	hub          *broadcast.Hub
	queue        *eventqueue.InMemoryQueue
	pool         *workerpool.Pool
	deduper      dedupe.Deduper
	ingress      *integration.Ingress
	poller       *integration.Poller
	kafka        *integration.KafkaSource
	redis        goredis.UniversalClient

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Service. Components are built on Start.
func New(opts ...Option) *Service {
	s := &Service{
		cfg:   config.New(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the components and starts the background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	policy, err := scoring.ParsePolicy(s.cfg.AggregationPolicy)
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "starting verdict service...")

	if err := s.openStore(ctx); err != nil {
		return err
	}
	if err := s.openRedis(ctx); err != nil {
		s.release()
		return err
	}

	s.build(policy)

	if err := s.seed(ctx); err != nil {
		s.release()
		return err
	}
	if err := s.startIntegrations(); err != nil {
		s.release()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.pool.Start(runCtx)
	s.goRun(func() {
		if err := s.automation.Run(runCtx); err != nil {
			s.logger.Error(runCtx, "automation scheduler failed", logger.Error(err))
		}
	})
	if err := s.hub.Run(runCtx); err != nil {
		s.logger.Warn(ctx, "snapshot relay unavailable", logger.Error(err))
	}
	if s.poller != nil {
		s.goRun(func() { s.poller.Run(runCtx) })
	}
	if s.kafka != nil {
		s.goRun(func() {
			if err := s.kafka.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(runCtx, "kafka source stopped", logger.Error(err))
			}
		})
	}

	s.started = true
	s.logger.Info(ctx, "verdict service started",
		logger.String("store", s.cfg.StoreDriver),
		logger.String("policy", string(policy)),
		logger.Int("workers", s.cfg.WorkerCount),
		logger.Int("queueSize", s.cfg.QueueSize),
		logger.Bool("redis", s.redis != nil),
		logger.Bool("poller", s.poller != nil),
		logger.Bool("kafka", s.kafka != nil),
	)
	return nil
}

func (s *Service) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) openStore(ctx context.Context) error {
	if s.injected != nil {
		s.store = s.injected
		return nil
	}
	switch s.cfg.StoreDriver {
	case config.DriverPostgres:
		st, err := sqlstore.NewPostgres(ctx, s.cfg.StoreDSN)
		if err != nil {
			return err
		}
		s.store = st
	case config.DriverSQLite:
		st, err := sqlstore.NewSQLite(ctx, s.cfg.StoreDSN)
		if err != nil {
			return err
		}
		s.store = st
	default:
		s.store = repository.NewMemoryStore(ctx, repository.WithShards(s.cfg.ShardCount))
	}
	return nil
}

// release closes the redis client and the store unless it was injected.
func (s *Service) release() {
	if s.redis != nil {
		_ = s.redis.Close()
		s.redis = nil
	}
	if s.store != nil && s.store != s.injected {
		if err := s.store.Close(); err != nil {
			s.logger.Warn(context.Background(), "store close failed", logger.Error(err))
		}
	}
	s.store = nil
}

func (s *Service) openRedis(ctx context.Context) error {
	if s.cfg.RedisAddr == "" {
		return nil
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        s.cfg.RedisAddr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	s.redis = rdb
	return nil
}

func (s *Service) build(policy scoring.Policy) {
	s.perms = permission.NewService(s.store)
	s.competitions = competition.NewService(s.store, s.perms, permission.ManageVoting, competition.WithClock(s.clock))
	s.categories = category.NewService(s.store, s.perms, permission.ManageCategories)
	s.scoring = scoring.NewEngine(s.store, s.store, scoring.WithPolicy(policy), scoring.WithClock(s.clock))
	s.reports = report.NewCompiler(s.store, s.scoring, report.WithConcurrency(s.cfg.ReportConcurrency))

	hubOpts := []broadcast.Option{
		broadcast.WithBuffer(s.cfg.SubscriberBuffer),
		broadcast.WithSource(broadcast.SourceFunc(s.CompileSaved)),
		broadcast.WithClock(s.clock),
	}
	if s.redis != nil {
		bus, err := broadcast.NewRedisBus(s.redis, s.cfg.RedisChannel, nil)
		if err == nil {
			hubOpts = append(hubOpts, broadcast.WithBus(bus))
		}
	}
	s.hub = broadcast.NewHub(hubOpts...)

	// Rule actions go through the same paths as admin requests so phase
	// changes carry their side effects.
	s.automation = automation.New(s.store, automation.Dependencies{
		Competitions: s,
		Grants:       s.perms,
		Reports:      s,
		Aggregator:   s.scoring,
	},
		automation.WithClock(s.clock),
		automation.WithTickInterval(s.cfg.SchedulerInterval()),
		automation.WithActionTimeout(s.cfg.ActionTimeout()),
	)

	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.QueueSize))
	s.pool = workerpool.NewPool(s.cfg.WorkerCount, s.queue, workerpool.HandlerFunc(s.recompute),
		workerpool.WithName("recompute"))

	s.ledger = ledger.New(s.store, s.store, ledger.WithClock(s.clock))
	s.ledger.OnInvalidate(s.invalidate)

	if s.redis != nil {
		s.deduper = dedupe.NewRedisDeduper(s.redis, "verdict:events:", dedupeTTL)
	} else {
		s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize), dedupe.WithTTL(dedupeTTL))
	}
	s.ingress = integration.NewIngress(s.automation, s.deduper, nil)
}

func (s *Service) startIntegrations() error {
	if s.cfg.PollURL != "" {
		s.poller = integration.NewPoller(s.cfg.PollURL, s.ingress,
			integration.WithInterval(s.cfg.PollInterval()),
			integration.WithTimeout(s.cfg.IntegrationTimeout()),
			integration.WithRateLimit(s.cfg.IntegrationRatePerSec, 1),
			integration.WithRetries(s.cfg.IntegrationMaxRetries, 0, 0),
		)
	}
	if brokers := s.cfg.Brokers(); len(brokers) > 0 {
		src, err := integration.NewKafkaSource(integration.KafkaConfig{
			Brokers: brokers,
			Topic:   s.cfg.KafkaTopic,
			GroupID: s.cfg.KafkaGroupID,
		}, s.ingress, nil)
		if err != nil {
			return fmt.Errorf("kafka source: %w", err)
		}
		s.kafka = src
	}
	return nil
}

// invalidate drops the cached aggregate synchronously so reads never see a
// stale total, then queues the recompute. When the queue refuses the job the
// recompute runs inline so threshold rules and live reports still see the write.
func (s *Service) invalidate(ctx context.Context, inv model.Invalidation) {
	s.scoring.Invalidate(inv.ParticipantID, inv.RubricID)
	if s.queue.Enqueue(ctx, inv) {
		return
	}
	s.logger.Warn(ctx, "recompute queue full, recomputing inline",
		logger.String("participant", inv.ParticipantID),
		logger.String("rubric", inv.RubricID))
	if err := s.recompute(context.WithoutCancel(ctx), inv); err != nil {
		s.logger.Warn(ctx, "inline recompute failed",
			logger.String("participant", inv.ParticipantID),
			logger.Error(err))
	}
}

// recompute refreshes an aggregate, evaluates threshold rules and pushes
// fresh snapshots of the affected live reports.
func (s *Service) recompute(ctx context.Context, inv model.Invalidation) error {
	if _, err := s.scoring.Refresh(ctx, inv.ParticipantID, inv.RubricID); err != nil {
		return fmt.Errorf("refresh aggregate: %w", err)
	}
	s.automation.HandleInvalidation(ctx, inv)

	s.hub.Prune(inv.CompetitionID)
	for _, ch := range s.hub.Channels(inv.CompetitionID) {
		def, err := s.store.GetReport(ctx, ch.ReportID)
		if err != nil {
			s.logger.Warn(ctx, "live report unavailable", logger.String("report", ch.ReportID), logger.Error(err))
			continue
		}
		if def.RubricID != inv.RubricID {
			continue
		}
		entries, err := s.reports.Compile(ctx, def)
		if err != nil {
			s.logger.Warn(ctx, "live report compile failed", logger.String("report", def.ID), logger.Error(err))
			continue
		}
		if err := s.hub.Publish(ctx, def.CompetitionID, def.ID, entries); err != nil {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping verdict service...")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.pool.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown incomplete", logger.Error(err))
	}

	s.cancel()
	s.wg.Wait()

	if s.kafka != nil {
		_ = s.kafka.Close()
	}
	if err := s.hub.Close(); err != nil {
		s.logger.Warn(ctx, "hub close failed", logger.Error(err))
	}
	s.release()

	s.started = false
	s.logger.Info(ctx, "verdict service stopped")
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":     s.started,
		"storeDriver": s.cfg.StoreDriver,
		"policy":      s.cfg.AggregationPolicy,
		"workerCount": s.cfg.WorkerCount,
		"queueSize":   s.cfg.QueueSize,
	}
	if !s.started {
		return stats
	}

	queueLen := s.queue.Len(ctx)
	stats["queueLength"] = queueLen
	stats["subscribers"] = s.hub.Subscribers()
	stats["dedupeSize"] = s.deduper.Size()
	if n, err := s.store.CountFacts(ctx); err == nil {
		stats["totalFacts"] = n
		metrics.UpdateStoreRecords("facts", n)
	}
	metrics.UpdateQueueSize(queueLen, s.cfg.QueueSize)
	metrics.UpdateWorkerCount(s.pool.Size())
	return stats
}
