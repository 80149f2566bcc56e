package scoring_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/internal/domain/scoring"
	"github.com/okian/verdict/pkg/logger"
)

func init() {
	_ = logger.Init()
}

func rubric() model.Rubric {
	return model.Rubric{ID: "r1", CompetitionID: "c1", Criteria: []model.Criterion{
		{ID: "k1", RubricID: "r1", MaxScore: 10, Weight: 1},
		{ID: "k2", RubricID: "r1", MaxScore: 10, Weight: 3},
		{ID: "k3", RubricID: "r1", MaxScore: 10, Weight: 2},
	}}
}

func fact(criterion, voter string, v float64) model.ScoreFact {
	return model.ScoreFact{ParticipantID: "p1", CriterionID: criterion, VoterID: voter, Value: v, VoterType: model.VoterPublic}
}

type source struct {
	mu    sync.Mutex
	facts []model.ScoreFact
	reads atomic.Int32
	gate  chan struct{}
}

func (s *source) ParticipantFacts(_ context.Context, pid string) ([]model.ScoreFact, error) {
	s.reads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScoreFact
	for _, f := range s.facts {
		if f.ParticipantID == pid {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *source) set(facts ...model.ScoreFact) {
	s.mu.Lock()
	s.facts = facts
	s.mu.Unlock()
}

type rubrics struct{}

func (rubrics) GetRubric(_ context.Context, id string) (model.Rubric, error) {
	if id != "r1" {
		return model.Rubric{}, model.ErrNotFound
	}
	return rubric(), nil
}

func TestCompute(t *testing.T) {
	Convey("Given a rubric with weights 1, 3 and 2", t, func() {
		r := rubric()

		Convey("Scores 8 and 4 on weights 1 and 3 with the third unscored total 5.0", func() {
			agg := scoring.Compute(scoring.PolicyMean, r, "p1", []model.ScoreFact{fact("k1", "v1", 8), fact("k2", "v1", 4)})
			So(agg.Scored, ShouldBeTrue)
			So(agg.WeightedTotal, ShouldAlmostEqual, 5.0)
			So(agg.PerCriterion, ShouldResemble, map[string]float64{"k1": 8, "k2": 4})
			So(agg.FactCount, ShouldEqual, 2)
		})

		Convey("Voters are averaged before weighting", func() {
			agg := scoring.Compute(scoring.PolicyMean, r, "p1", []model.ScoreFact{
				fact("k1", "v1", 6), fact("k1", "v2", 10), fact("k2", "v1", 4),
			})
			So(agg.PerCriterion["k1"], ShouldEqual, 8)
			So(agg.WeightedTotal, ShouldAlmostEqual, 5.0)
		})

		Convey("Nothing scored gives an unscored zero", func() {
			agg := scoring.Compute(scoring.PolicyMean, r, "p1", nil)
			So(agg.Scored, ShouldBeFalse)
			So(agg.WeightedTotal, ShouldEqual, 0)
		})

		Convey("Zero total weight is unscored", func() {
			zero := model.Rubric{ID: "z", Criteria: []model.Criterion{{ID: "k1", Weight: 0, MaxScore: 10}}}
			agg := scoring.Compute(scoring.PolicyMean, zero, "p1", []model.ScoreFact{fact("k1", "v1", 7)})
			So(agg.Scored, ShouldBeFalse)
			So(agg.WeightedTotal, ShouldEqual, 0)
			So(agg.PerCriterion["k1"], ShouldEqual, 7)
		})

		Convey("Retired facts and foreign criteria are ignored", func() {
			retired := fact("k1", "v2", 0)
			retired.Retired = true
			agg := scoring.Compute(scoring.PolicyMean, r, "p1", []model.ScoreFact{
				fact("k1", "v1", 8), retired, fact("other", "v1", 1),
			})
			So(agg.FactCount, ShouldEqual, 1)
			So(agg.WeightedTotal, ShouldEqual, 8)
		})
	})
}

func TestPolicies(t *testing.T) {
	Convey("Given several voters on one criterion", t, func() {
		now := time.Now()
		facts := []model.ScoreFact{
			{Value: 2, SubmittedAt: now.Add(-2 * time.Minute)},
			{Value: 9, SubmittedAt: now},
			{Value: 4, SubmittedAt: now.Add(-time.Minute)},
			{Value: 5, SubmittedAt: now.Add(-3 * time.Minute)},
		}
		So(scoring.PolicyMean.Combine(facts), ShouldEqual, 5)
		So(scoring.PolicyMedian.Combine(facts), ShouldEqual, 4.5)
		So(scoring.PolicySum.Combine(facts), ShouldEqual, 20)
		So(scoring.PolicyLatest.Combine(facts), ShouldEqual, 9)
		So(scoring.PolicyMedian.Combine(facts[:3]), ShouldEqual, 4)
	})

	Convey("Policy names are parsed", t, func() {
		p, err := scoring.ParsePolicy("")
		So(err, ShouldBeNil)
		So(p, ShouldEqual, scoring.PolicyMean)
		p, err = scoring.ParsePolicy(" Median ")
		So(err, ShouldBeNil)
		So(p, ShouldEqual, scoring.PolicyMedian)
		_, err = scoring.ParsePolicy("trimmed")
		So(errors.Is(err, model.ErrInvalidConfig), ShouldBeTrue)
	})
}

func TestEngine(t *testing.T) {
	Convey("Given an engine over a fact source", t, func() {
		ctx := context.Background()
		src := &source{}
		src.set(fact("k1", "v1", 8), fact("k2", "v1", 4))
		engine := scoring.NewEngine(src, rubrics{}, scoring.WithPolicy(scoring.PolicyMean))

		Convey("Aggregates are cached until invalidated", func() {
			agg, err := engine.Aggregate(ctx, "p1", "r1")
			So(err, ShouldBeNil)
			So(agg.WeightedTotal, ShouldAlmostEqual, 5.0)

			src.set(fact("k1", "v1", 4), fact("k2", "v1", 4))
			agg, err = engine.Aggregate(ctx, "p1", "r1")
			So(err, ShouldBeNil)
			So(agg.WeightedTotal, ShouldAlmostEqual, 5.0)
			So(src.reads.Load(), ShouldEqual, 1)

			engine.Invalidate("p1", "r1")
			agg, err = engine.Aggregate(ctx, "p1", "r1")
			So(err, ShouldBeNil)
			So(agg.WeightedTotal, ShouldAlmostEqual, 4.0)
		})

		Convey("Filtered aggregates only see admitted facts", func() {
			judge := fact("k1", "j1", 2)
			judge.VoterType = model.VoterJudge
			judge.JudgeID = "j1"
			src.set(fact("k1", "v1", 8), judge)

			agg, err := engine.AggregateFiltered(ctx, "p1", "r1", model.Filters{VoterTypes: []model.VoterType{model.VoterJudge}}.Admits)
			So(err, ShouldBeNil)
			So(agg.WeightedTotal, ShouldEqual, 2)
		})

		Convey("Unknown rubrics surface ErrNotFound", func() {
			_, err := engine.Aggregate(ctx, "p1", "nope")
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})

		Convey("An abandoned caller does not stop the shared computation", func() {
			src.gate = make(chan struct{})
			cctx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				_, err := engine.Aggregate(cctx, "p1", "r1")
				done <- err
			}()
			for src.reads.Load() == 0 {
				time.Sleep(time.Millisecond)
			}
			cancel()
			So(errors.Is(<-done, context.Canceled), ShouldBeTrue)

			type result struct {
				agg scoring.Aggregate
				err error
			}
			joined := make(chan result, 1)
			go func() {
				agg, err := engine.Aggregate(ctx, "p1", "r1")
				joined <- result{agg, err}
			}()
			time.Sleep(20 * time.Millisecond)
			close(src.gate)

			res := <-joined
			So(res.err, ShouldBeNil)
			So(res.agg.WeightedTotal, ShouldAlmostEqual, 5.0)
			So(src.reads.Load(), ShouldEqual, 1)
		})
	})
}
