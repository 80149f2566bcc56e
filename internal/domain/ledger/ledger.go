// Package ledger validates score submissions and records them as score facts.
//
// The ledger is the only writer of facts. Every accepted submission upserts the
// single fact for its (participant, criterion, voter) triple and then notifies
// listeners that the participant's aggregate for the rubric is stale.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
)

const tracerName = "github.com/okian/verdict/internal/domain/ledger"

// Store persists facts. UpsertFact must be atomic per triple and report
// whether an existing fact was replaced.
type Store interface {
	UpsertFact(ctx context.Context, f model.ScoreFact) (model.ScoreFact, bool, error)
}

// Catalog is the read side the ledger validates against.
type Catalog interface {
	GetCompetition(ctx context.Context, id string) (model.Competition, error)
	GetParticipant(ctx context.Context, id string) (model.Participant, error)
	GetCriterion(ctx context.Context, id string) (model.Criterion, error)
	GetRubric(ctx context.Context, id string) (model.Rubric, error)
	JudgeAssigned(ctx context.Context, competitionID, judgeID string) (bool, error)
}

// Listener receives invalidations after successful writes.
type Listener func(ctx context.Context, inv model.Invalidation)

// Submission is a voter's score for one participant on one criterion.
// Exactly one of Value and Label must be set.
type Submission struct {
	CompetitionID string
	ParticipantID string
	CriterionID   string
	Voter         model.Voter
	Value         *float64
	Label         string
}

// Result is the stored fact and whether it replaced an earlier one.
type Result struct {
	Fact    model.ScoreFact `json:"accepted"`
	Updated bool            `json:"updated"`
}

// Ledger is the score write path.
type Ledger struct {
	store   Store
	catalog Catalog
	clock   func() time.Time
	newID   func() string
	logger  logger.Logger
	tracer  trace.Tracer

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a ledger.
func New(store Store, catalog Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		catalog: catalog,
		clock:   time.Now,
		newID:   uuid.NewString,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logger.Get().Named("ledger")
	}
	return l
}

// OnInvalidate registers fn to run after every successful write.
func (l *Ledger) OnInvalidate(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Submit validates sub and upserts its fact.
func (l *Ledger) Submit(ctx context.Context, sub Submission) (res Result, err error) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "ledger.Submit", trace.WithAttributes(
		attribute.String("competition.id", sub.CompetitionID),
		attribute.String("participant.id", sub.ParticipantID),
		attribute.String("criterion.id", sub.CriterionID),
	))
	defer func() {
		outcome := outcomeOf(res, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		metrics.RecordSubmission(outcome, float64(time.Since(start).Microseconds())/1000.0)
	}()

	fact, rubricID, err := l.validate(ctx, sub)
	if err != nil {
		return Result{}, err
	}

	stored, updated, err := l.store.UpsertFact(ctx, fact)
	if err != nil {
		return Result{}, fmt.Errorf("upsert fact: %w", err)
	}

	l.logger.Debug(ctx, "fact recorded",
		logger.String("participant", stored.ParticipantID),
		logger.String("criterion", stored.CriterionID),
		logger.String("voter", stored.VoterID),
		logger.Float64("value", stored.Value),
		logger.Bool("updated", updated))

	l.notify(ctx, model.Invalidation{
		CompetitionID: sub.CompetitionID,
		ParticipantID: stored.ParticipantID,
		RubricID:      rubricID,
		At:            stored.SubmittedAt,
	})
	return Result{Fact: stored, Updated: updated}, nil
}

func (l *Ledger) validate(ctx context.Context, sub Submission) (model.ScoreFact, string, error) {
	voter, err := normalizeVoter(sub.Voter)
	if err != nil {
		return model.ScoreFact{}, "", err
	}
	if (sub.Value == nil) == (sub.Label == "") {
		return model.ScoreFact{}, "", fmt.Errorf("exactly one of value and label is required: %w", model.ErrInvalidValue)
	}

	comp, err := l.catalog.GetCompetition(ctx, sub.CompetitionID)
	if err != nil {
		return model.ScoreFact{}, "", fmt.Errorf("competition %s: %w", sub.CompetitionID, err)
	}
	now := l.clock()
	if !comp.VotingOpen(now) {
		return model.ScoreFact{}, "", fmt.Errorf("voting closed for %s: %w", comp.ID, model.ErrDenied)
	}
	if voter.Type == model.VoterJudge {
		ok, err := l.catalog.JudgeAssigned(ctx, comp.ID, voter.JudgeID)
		if err != nil {
			return model.ScoreFact{}, "", fmt.Errorf("judge assignment: %w", err)
		}
		if !ok {
			return model.ScoreFact{}, "", fmt.Errorf("judge %s not assigned to %s: %w", voter.JudgeID, comp.ID, model.ErrDenied)
		}
	}

	participant, err := l.catalog.GetParticipant(ctx, sub.ParticipantID)
	if err != nil {
		return model.ScoreFact{}, "", fmt.Errorf("participant %s: %w", sub.ParticipantID, err)
	}
	if participant.CompetitionID != comp.ID {
		return model.ScoreFact{}, "", fmt.Errorf("participant %s: %w", sub.ParticipantID, model.ErrNotFound)
	}

	criterion, err := l.resolveCriterion(ctx, comp.ID, sub.CriterionID)
	if err != nil {
		return model.ScoreFact{}, "", err
	}

	value, err := resolveValue(criterion, sub)
	if err != nil {
		return model.ScoreFact{}, "", err
	}

	return model.ScoreFact{
		ID:            l.newID(),
		CompetitionID: comp.ID,
		ParticipantID: participant.ID,
		CriterionID:   criterion.ID,
		VoterID:       voter.ID,
		VoterType:     voter.Type,
		JudgeID:       voter.JudgeID,
		Value:         value,
		Label:         sub.Label,
		SubmittedAt:   now.UTC(),
	}, criterion.RubricID, nil
}

func (l *Ledger) resolveCriterion(ctx context.Context, competitionID, criterionID string) (model.Criterion, error) {
	criterion, err := l.catalog.GetCriterion(ctx, criterionID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Criterion{}, fmt.Errorf("criterion %s: %w", criterionID, model.ErrUnknownCriterion)
	}
	if err != nil {
		return model.Criterion{}, fmt.Errorf("criterion %s: %w", criterionID, err)
	}
	rubric, err := l.catalog.GetRubric(ctx, criterion.RubricID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && rubric.CompetitionID != competitionID) {
		return model.Criterion{}, fmt.Errorf("criterion %s in %s: %w", criterionID, competitionID, model.ErrUnknownCriterion)
	}
	if err != nil {
		return model.Criterion{}, fmt.Errorf("rubric %s: %w", criterion.RubricID, err)
	}
	return criterion, nil
}

func resolveValue(c model.Criterion, sub Submission) (float64, error) {
	if sub.Label != "" {
		v, ok := c.ResolveLabel(sub.Label)
		if !ok {
			return 0, fmt.Errorf("label %q for %s: %w", sub.Label, c.ID, model.ErrOutOfRange)
		}
		return v, nil
	}
	v := *sub.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value %v: %w", v, model.ErrInvalidValue)
	}
	if v < 0 || v > c.MaxScore {
		return 0, fmt.Errorf("value %v outside [0, %v]: %w", v, c.MaxScore, model.ErrOutOfRange)
	}
	return v, nil
}

func normalizeVoter(v model.Voter) (model.Voter, error) {
	switch v.Type {
	case model.VoterJudge:
		if v.JudgeID == "" {
			v.JudgeID = v.ID
		}
		if v.ID == "" {
			v.ID = v.JudgeID
		}
	case model.VoterPublic:
		v.JudgeID = ""
	default:
		return model.Voter{}, fmt.Errorf("voter type %q: %w", v.Type, model.ErrInvalidValue)
	}
	if v.ID == "" {
		return model.Voter{}, fmt.Errorf("voter id required: %w", model.ErrInvalidValue)
	}
	return v, nil
}

func (l *Ledger) notify(ctx context.Context, inv model.Invalidation) {
	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, inv)
	}
}

func outcomeOf(res Result, err error) string {
	switch {
	case err == nil && res.Updated:
		return "updated"
	case err == nil:
		return "accepted"
	case errors.Is(err, model.ErrDenied):
		return "denied"
	case errors.Is(err, model.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, model.ErrUnknownCriterion):
		return "unknown_criterion"
	case errors.Is(err, model.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
