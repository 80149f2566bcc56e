// Package automation evaluates time and event triggered rules and applies
// their actions through the same guarded paths an admin would use.
//
// Evaluation of one rule is serialized by a per-rule mutex; different rules
// evaluate concurrently and one rule's failure never blocks the others.
// Delivery is at-least-once, so every action converges when re-applied.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/internal/domain/scoring"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
	"github.com/okian/verdict/pkg/retry"
)

const (
	tracerName           = "github.com/okian/verdict/internal/domain/automation"
	defaultTickInterval  = time.Second
	defaultActionTimeout = 5 * time.Second
	defaultAuditSize     = 512
	defaultConcurrency   = 8
)

// RuleSource lists the current rules. It is consulted on every evaluation so
// enabling or disabling a rule takes effect immediately.
type RuleSource interface {
	ListRules(ctx context.Context) ([]Rule, error)
}

// Competitions applies phase and window changes.
type Competitions interface {
	OpenVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error)
	CloseVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error)
	PublishResults(ctx context.Context, actor model.Actor, competitionID string) (bool, error)
	SetVotingWindow(ctx context.Context, actor model.Actor, competitionID string, opensAt, closesAt *time.Time) (bool, error)
}

// Grants applies scoped permission changes.
type Grants interface {
	SetCompetitionPermission(ctx context.Context, actor model.Actor, adminID, competitionID, name string, value bool) error
}

// Reports compiles and broadcasts a saved report.
type Reports interface {
	PublishReport(ctx context.Context, competitionID, reportID string) error
}

// Aggregator supplies weighted totals for threshold triggers.
type Aggregator interface {
	Aggregate(ctx context.Context, participantID, rubricID string) (scoring.Aggregate, error)
}

// Dependencies are the mutation paths actions run through.
type Dependencies struct {
	Competitions Competitions
	Grants       Grants
	Reports      Reports
	Aggregator   Aggregator
}

// Event is an external occurrence delivered by a webhook, poller or broker.
type Event struct {
	ID            string         `json:"eventId"`
	CompetitionID string         `json:"competitionId"`
	Type          string         `json:"eventType"`
	Payload       map[string]any `json:"payload,omitempty"`
	ReceivedAt    time.Time      `json:"receivedAt"`
}

// Status is a rule's evaluation state.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusEvaluating Status = "EVALUATING"
	StatusFired      Status = "FIRED"
)

// RuleState is a snapshot of a rule's runtime state.
type RuleState struct {
	Status    Status    `json:"status"`
	LastFired time.Time `json:"lastFired,omitempty"`
	FireCount int       `json:"fireCount"`
	LastError string    `json:"lastError,omitempty"`
}

type ruleState struct {
	mu        sync.Mutex
	status    Status
	lastFired time.Time
	fireCount int
	lastErr   error
	// participants currently at or above a threshold
	above map[string]bool
}

// Engine evaluates rules.
type Engine struct {
	rules         RuleSource
	deps          Dependencies
	interval      time.Duration
	actionTimeout time.Duration
	retry         retry.Policy
	concurrency   int
	clock         func() time.Time
	started       time.Time
	logger        logger.Logger
	tracer        trace.Tracer

	mu     sync.Mutex
	states map[string]*ruleState

	audit *auditLog
}

// New creates an engine.
func New(rules RuleSource, deps Dependencies, opts ...Option) *Engine {
	e := &Engine{
		rules:         rules,
		deps:          deps,
		interval:      defaultTickInterval,
		actionTimeout: defaultActionTimeout,
		retry: retry.Policy{
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   2 * time.Second,
			Retryable:  func(err error) bool { return errors.Is(err, model.ErrIntegrationTimeout) },
		},
		concurrency: defaultConcurrency,
		clock:       time.Now,
		tracer:      otel.Tracer(tracerName),
		states:      make(map[string]*ruleState),
		audit:       newAuditLog(defaultAuditSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("automation")
	}
	e.started = e.clock()
	return e
}

// Run evaluates time-based rules every interval until ctx ends. Rules are
// re-read on every tick, so the scheduler holds a single job and overlapping
// ticks are skipped.
func (e *Engine) Run(ctx context.Context) error {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	if _, err := scheduler.Every(e.interval).Do(func() { e.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule automation tick: %w", err)
	}
	scheduler.StartAsync()
	e.logger.Info(ctx, "automation scheduler started", logger.Duration("interval", e.interval))

	<-ctx.Done()
	scheduler.Stop()
	e.logger.Info(ctx, "automation scheduler stopped")
	return nil
}

// Tick evaluates every enabled SCHEDULE, INTERVAL and CRON rule once.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock()
	e.each(ctx, func(r Rule) bool {
		switch r.Trigger.Type {
		case TriggerSchedule, TriggerInterval, TriggerCron:
			return true
		}
		return false
	}, func(ctx context.Context, r Rule, st *ruleState) {
		if e.due(r, st, now) {
			e.fire(ctx, r, st, "")
		}
	})
}

// HandleEvent evaluates EXTERNAL_EVENT rules against ev.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	e.each(ctx, func(r Rule) bool {
		return r.Trigger.Type == TriggerExternalEvent &&
			r.CompetitionID == ev.CompetitionID &&
			matches(r.Trigger.External, ev)
	}, func(ctx context.Context, r Rule, st *ruleState) {
		e.fire(ctx, r, st, "")
	})
}

// HandleInvalidation evaluates SCORE_THRESHOLD rules after a score change.
// A rule fires when the participant crosses from below to at-or-above the threshold.
func (e *Engine) HandleInvalidation(ctx context.Context, inv model.Invalidation) {
	e.each(ctx, func(r Rule) bool {
		t := r.Trigger.Threshold
		return r.Trigger.Type == TriggerScoreThreshold &&
			r.CompetitionID == inv.CompetitionID &&
			t.RubricID == inv.RubricID &&
			(t.ParticipantID == "" || t.ParticipantID == inv.ParticipantID)
	}, func(ctx context.Context, r Rule, st *ruleState) {
		agg, err := e.deps.Aggregator.Aggregate(ctx, inv.ParticipantID, inv.RubricID)
		if err != nil {
			e.logger.Warn(ctx, "threshold aggregate failed", logger.String("rule", r.ID), logger.Error(err))
			return
		}
		above := agg.Scored && agg.WeightedTotal >= r.Trigger.Threshold.Threshold
		was := st.above[inv.ParticipantID]
		st.above[inv.ParticipantID] = above
		if above && !was {
			if !e.fire(ctx, r, st, inv.ParticipantID) {
				// retry on the next change
				st.above[inv.ParticipantID] = false
			}
		}
	})
}

// State returns the runtime state of a rule.
func (e *Engine) State(ruleID string) RuleState {
	st := e.state(ruleID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := RuleState{Status: st.status, LastFired: st.lastFired, FireCount: st.fireCount}
	if out.Status == "" {
		out.Status = StatusIdle
	}
	if st.lastErr != nil {
		out.LastError = st.lastErr.Error()
	}
	return out
}

// Audit returns recorded firings and failures, newest last. An empty
// competitionID returns every record.
func (e *Engine) Audit(competitionID string) []AuditRecord {
	return e.audit.list(competitionID)
}

func (e *Engine) state(ruleID string) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[ruleID]
	if !ok {
		st = &ruleState{status: StatusIdle, above: make(map[string]bool)}
		e.states[ruleID] = st
	}
	return st
}

// each runs eval for every enabled rule accepted by match, concurrently and
// under each rule's lock.
func (e *Engine) each(ctx context.Context, match func(Rule) bool, eval func(context.Context, Rule, *ruleState)) {
	rules, err := e.rules.ListRules(ctx)
	if err != nil {
		e.logger.Error(ctx, "list rules failed", logger.Error(err))
		return
	}
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, r := range rules {
		if !r.Enabled || !match(r) {
			continue
		}
		g.Go(func() error {
			st := e.state(r.ID)
			st.mu.Lock()
			defer st.mu.Unlock()
			metrics.RecordRuleEvaluation(string(r.Trigger.Type))
			st.status = StatusEvaluating
			eval(ctx, r, st)
			if st.status == StatusEvaluating {
				st.status = StatusIdle
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) due(r Rule, st *ruleState, now time.Time) bool {
	switch r.Trigger.Type {
	case TriggerSchedule:
		return st.fireCount == 0 && !now.Before(r.Trigger.Schedule.At)
	case TriggerInterval:
		last := st.lastFired
		if last.IsZero() {
			last = e.started
		}
		return now.Sub(last) >= time.Duration(r.Trigger.Interval.Every)
	case TriggerCron:
		last := st.lastFired
		if last.IsZero() {
			last = e.started
		}
		next, err := r.Trigger.Cron.Next(last)
		return err == nil && !now.Before(next)
	}
	return false
}

// fire applies the rule's action with retries and records the outcome.
// It reports whether the action succeeded. Callers hold st.mu.
func (e *Engine) fire(ctx context.Context, r Rule, st *ruleState, subject string) bool {
	ctx, span := e.tracer.Start(ctx, "automation.Fire", trace.WithAttributes(
		attribute.String("rule.id", r.ID),
		attribute.String("rule.trigger", string(r.Trigger.Type)),
		attribute.String("rule.action", string(r.Action.Type)),
	))
	defer span.End()

	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		defer cancel()
		err := e.apply(actx, r)
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			metrics.RecordIntegrationTimeout()
			return fmt.Errorf("%w: %w", model.ErrIntegrationTimeout, err)
		}
		return err
	})

	now := e.clock()
	rec := AuditRecord{
		RuleID:        r.ID,
		CompetitionID: r.CompetitionID,
		Trigger:       r.Trigger.Type,
		Action:        r.Action.Type,
		Subject:       subject,
		At:            now.UTC(),
	}
	if err != nil {
		err = fmt.Errorf("rule %s %s: %w: %w", r.ID, r.Action.Type, model.ErrRuleActionFailure, err)
		st.lastErr = err
		st.status = StatusIdle
		rec.Outcome = OutcomeFailed
		rec.Error = err.Error()
		e.audit.add(rec)
		span.RecordError(err)
		span.SetStatus(codes.Error, "action failed")
		metrics.RecordRuleFailure(string(r.Action.Type))
		e.logger.Error(ctx, "rule action failed",
			logger.String("rule", r.ID),
			logger.String("action", string(r.Action.Type)),
			logger.Error(err))
		return false
	}

	st.lastErr = nil
	st.lastFired = now
	st.fireCount++
	st.status = StatusFired
	rec.Outcome = OutcomeFired
	e.audit.add(rec)
	metrics.RecordRuleFired(string(r.Action.Type))
	e.logger.Info(ctx, "rule fired",
		logger.String("rule", r.ID),
		logger.String("competition", r.CompetitionID),
		logger.String("action", string(r.Action.Type)))
	return true
}

func (e *Engine) apply(ctx context.Context, r Rule) error {
	actor := model.SystemActor
	cid := r.CompetitionID
	var err error
	switch r.Action.Type {
	case ActionOpenVoting:
		_, err = e.deps.Competitions.OpenVoting(ctx, actor, cid)
	case ActionCloseVoting:
		_, err = e.deps.Competitions.CloseVoting(ctx, actor, cid)
	case ActionPublishResults:
		_, err = e.deps.Competitions.PublishResults(ctx, actor, cid)
	case ActionSetVotingWindow:
		w := r.Action.Window
		_, err = e.deps.Competitions.SetVotingWindow(ctx, actor, cid, w.OpensAt, w.ClosesAt)
	case ActionPublishReport:
		err = e.deps.Reports.PublishReport(ctx, cid, r.Action.Report.ReportID)
	case ActionGrantPermission:
		g := r.Action.Grant
		err = e.deps.Grants.SetCompetitionPermission(ctx, actor, g.AdminID, cid, g.Permission, g.Value)
	default:
		err = fmt.Errorf("action %q: %w", r.Action.Type, model.ErrInvalidConfig)
	}
	return err
}

func matches(t *ExternalEventTrigger, ev Event) bool {
	if t == nil || t.EventType != ev.Type {
		return false
	}
	for k, want := range t.Match {
		got, ok := ev.Payload[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
