// Package scoring turns score facts into per-participant aggregates.
//
// Aggregation is two-level and always in the same order: the facts of distinct
// voters are first combined per criterion by the configured policy, then the
// criterion values are weighted into a total. Criteria nobody has scored are
// left out of both sums of the weighted mean.
package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
)

const defaultComputeTimeout = 10 * time.Second

// Aggregate is a participant's computed standing on one rubric.
type Aggregate struct {
	ParticipantID string             `json:"participantId"`
	RubricID      string             `json:"rubricId"`
	PerCriterion  map[string]float64 `json:"perCriterion"`
	WeightedTotal float64            `json:"weightedTotal"`
	// Scored is false when no weighted criterion has a fact.
	Scored     bool      `json:"scored"`
	FactCount  int       `json:"factCount"`
	ComputedAt time.Time `json:"computedAt"`
}

// Compute aggregates facts over rubric with policy. Facts for other criteria
// and retired facts are ignored.
func Compute(policy Policy, rubric model.Rubric, participantID string, facts []model.ScoreFact) Aggregate {
	byCriterion := make(map[string][]model.ScoreFact, len(rubric.Criteria))
	count := 0
	for _, f := range facts {
		if f.Retired || f.ParticipantID != participantID {
			continue
		}
		if _, ok := rubric.Criterion(f.CriterionID); !ok {
			continue
		}
		byCriterion[f.CriterionID] = append(byCriterion[f.CriterionID], f)
		count++
	}

	agg := Aggregate{
		ParticipantID: participantID,
		RubricID:      rubric.ID,
		PerCriterion:  make(map[string]float64, len(byCriterion)),
		FactCount:     count,
	}
	var weighted, weights float64
	for _, c := range rubric.Criteria {
		cf := byCriterion[c.ID]
		if len(cf) == 0 {
			continue
		}
		v := policy.Combine(cf)
		agg.PerCriterion[c.ID] = v
		weighted += v * c.Weight
		weights += c.Weight
	}
	if weights > 0 {
		agg.WeightedTotal = weighted / weights
		agg.Scored = true
	}
	return agg
}

// FactReader reads a participant's facts.
type FactReader interface {
	ParticipantFacts(ctx context.Context, participantID string) ([]model.ScoreFact, error)
}

// RubricReader reads rubrics.
type RubricReader interface {
	GetRubric(ctx context.Context, id string) (model.Rubric, error)
}

// Engine computes and caches aggregates per (participant, rubric).
type Engine struct {
	facts          FactReader
	rubrics        RubricReader
	policy         Policy
	computeTimeout time.Duration
	clock          func() time.Time
	logger         logger.Logger
	cache          *cache
}

// NewEngine creates an aggregation engine.
func NewEngine(facts FactReader, rubrics RubricReader, opts ...Option) *Engine {
	e := &Engine{
		facts:          facts,
		rubrics:        rubrics,
		policy:         PolicyMean,
		computeTimeout: defaultComputeTimeout,
		clock:          time.Now,
		cache:          newCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("scoring")
	}
	return e
}

// Policy returns the combination policy in use.
func (e *Engine) Policy() Policy { return e.policy }

// Aggregate returns the participant's aggregate for the rubric, computing it
// on a cache miss. Concurrent misses for the same key share one computation,
// which completes and populates the cache even if the caller goes away.
func (e *Engine) Aggregate(ctx context.Context, participantID, rubricID string) (Aggregate, error) {
	key := cacheKey{participantID: participantID, rubricID: rubricID}
	agg, gen, ok := e.cache.get(key)
	if ok {
		metrics.RecordAggregateCache("hit")
		return agg, nil
	}

	flight := fmt.Sprintf("%s|%s|%d", participantID, rubricID, gen)
	ch := e.cache.group.DoChan(flight, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.computeTimeout)
		defer cancel()
		agg, err := e.compute(cctx, participantID, rubricID, nil)
		if err != nil {
			e.cache.abandon(key, gen)
			return Aggregate{}, err
		}
		if !e.cache.install(key, gen, agg) {
			e.logger.Debug(cctx, "stale aggregate discarded",
				logger.String("participant", participantID),
				logger.String("rubric", rubricID))
		}
		return agg, nil
	})

	select {
	case <-ctx.Done():
		return Aggregate{}, fmt.Errorf("aggregate %s/%s: %w", participantID, rubricID, ctx.Err())
	case res := <-ch:
		if res.Shared {
			metrics.RecordAggregateCache("shared")
		} else {
			metrics.RecordAggregateCache("miss")
		}
		if res.Err != nil {
			return Aggregate{}, res.Err
		}
		return res.Val.(Aggregate), nil
	}
}

// AggregateFiltered computes an uncached aggregate over the facts admit accepts.
func (e *Engine) AggregateFiltered(ctx context.Context, participantID, rubricID string, admit func(model.ScoreFact) bool) (Aggregate, error) {
	return e.compute(ctx, participantID, rubricID, admit)
}

// Invalidate drops the cached aggregate. Computations started before the
// call will not install their result.
func (e *Engine) Invalidate(participantID, rubricID string) {
	e.cache.invalidate(cacheKey{participantID: participantID, rubricID: rubricID})
}

// Refresh invalidates and recomputes the aggregate.
func (e *Engine) Refresh(ctx context.Context, participantID, rubricID string) (Aggregate, error) {
	e.Invalidate(participantID, rubricID)
	return e.Aggregate(ctx, participantID, rubricID)
}

func (e *Engine) compute(ctx context.Context, participantID, rubricID string, admit func(model.ScoreFact) bool) (Aggregate, error) {
	start := time.Now()
	rubric, err := e.rubrics.GetRubric(ctx, rubricID)
	if err != nil {
		return Aggregate{}, fmt.Errorf("rubric %s: %w", rubricID, err)
	}
	facts, err := e.facts.ParticipantFacts(ctx, participantID)
	if err != nil {
		return Aggregate{}, fmt.Errorf("facts for %s: %w", participantID, err)
	}
	if admit != nil {
		kept := facts[:0:0]
		for _, f := range facts {
			if admit(f) {
				kept = append(kept, f)
			}
		}
		facts = kept
	}
	agg := Compute(e.policy, rubric, participantID, facts)
	agg.ComputedAt = e.clock().UTC()
	metrics.RecordRecomputeLatency(float64(time.Since(start).Microseconds()) / 1000.0)
	return agg, nil
}
