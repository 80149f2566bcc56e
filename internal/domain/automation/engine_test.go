package automation_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/internal/domain/permission"
	"github.com/okian/verdict/internal/domain/scoring"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/retry"
)

func init() {
	_ = logger.Init()
}

type ruleList struct {
	mu    sync.Mutex
	rules []automation.Rule
}

func (l *ruleList) ListRules(context.Context) ([]automation.Rule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]automation.Rule(nil), l.rules...), nil
}

type competitions struct {
	mu     sync.Mutex
	phase  map[string]model.Phase
	closes int
	opens  int
	fail   error
	block  bool
}

func newCompetitions() *competitions {
	return &competitions{phase: map[string]model.Phase{}}
}

func (c *competitions) set(ctx context.Context, cid string, p model.Phase) (bool, error) {
	if c.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return false, c.fail
	}
	changed := c.phase[cid] != p
	c.phase[cid] = p
	return changed, nil
}

func (c *competitions) OpenVoting(ctx context.Context, _ model.Actor, cid string) (bool, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	return c.set(ctx, cid, model.PhaseOpen)
}

func (c *competitions) CloseVoting(ctx context.Context, _ model.Actor, cid string) (bool, error) {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.set(ctx, cid, model.PhaseClosed)
}

func (c *competitions) opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *competitions) PublishResults(ctx context.Context, _ model.Actor, cid string) (bool, error) {
	return c.set(ctx, cid, model.PhasePublished)
}

func (c *competitions) SetVotingWindow(context.Context, model.Actor, string, *time.Time, *time.Time) (bool, error) {
	return true, nil
}

type grants struct {
	mu   sync.Mutex
	set  map[string]bool
	fail error
}

func (g *grants) SetCompetitionPermission(_ context.Context, actor model.Actor, adminID, cid, name string, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	if actor != model.SystemActor {
		return model.ErrDenied
	}
	g.set[adminID+"|"+cid+"|"+name] = value
	return nil
}

type reports struct {
	mu        sync.Mutex
	published []string
}

func (r *reports) PublishReport(_ context.Context, cid, reportID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, cid+"/"+reportID)
	return nil
}

type totals struct {
	mu sync.Mutex
	by map[string]float64
}

func (t *totals) Aggregate(_ context.Context, pid, rid string) (scoring.Aggregate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.by[pid]
	return scoring.Aggregate{ParticipantID: pid, RubricID: rid, WeightedTotal: v, Scored: ok}, nil
}

func (t *totals) put(pid string, v float64) {
	t.mu.Lock()
	t.by[pid] = v
	t.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func scheduleRule(id string, at time.Time, action automation.ActionType) automation.Rule {
	return automation.Rule{
		ID: id, CompetitionID: "c1", Enabled: true,
		Trigger: automation.Trigger{Type: automation.TriggerSchedule, Schedule: &automation.ScheduleTrigger{At: at}},
		Action:  automation.Action{Type: action},
	}
}

func intervalRule(id string, every time.Duration, action automation.ActionType) automation.Rule {
	return automation.Rule{
		ID: id, CompetitionID: "c1", Enabled: true,
		Trigger: automation.Trigger{Type: automation.TriggerInterval, Interval: &automation.IntervalTrigger{Every: automation.Duration(every)}},
		Action:  automation.Action{Type: action},
	}
}

func TestEngine(t *testing.T) {
	Convey("Given an engine with fake mutation paths", t, func() {
		ctx := context.Background()
		src := &ruleList{}
		comps := newCompetitions()
		gr := &grants{set: map[string]bool{}}
		reps := &reports{}
		agg := &totals{by: map[string]float64{}}
		clk := &clock{now: start}
		deps := automation.Dependencies{Competitions: comps, Grants: gr, Reports: reps, Aggregator: agg}
		engine := automation.New(src, deps,
			automation.WithClock(clk.Now),
			automation.WithActionTimeout(20*time.Millisecond),
			automation.WithRetryPolicy(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		)

		Convey("A disabled rule never fires", func() {
			r := scheduleRule("off", start.Add(-time.Minute), automation.ActionCloseVoting)
			r.Enabled = false
			src.rules = []automation.Rule{r}
			engine.Tick(ctx)
			engine.Tick(ctx)
			So(comps.closes, ShouldEqual, 0)
			So(engine.State("off").Status, ShouldEqual, automation.StatusIdle)
			So(engine.Audit("c1"), ShouldBeEmpty)
		})

		Convey("A schedule rule fires once when its time arrives", func() {
			src.rules = []automation.Rule{scheduleRule("s", start.Add(time.Minute), automation.ActionOpenVoting)}
			engine.Tick(ctx)
			So(comps.opens, ShouldEqual, 0)

			clk.advance(time.Minute)
			engine.Tick(ctx)
			engine.Tick(ctx)
			So(comps.opens, ShouldEqual, 1)
			st := engine.State("s")
			So(st.Status, ShouldEqual, automation.StatusFired)
			So(st.FireCount, ShouldEqual, 1)
			So(st.LastFired.Equal(start.Add(time.Minute)), ShouldBeTrue)
		})

		Convey("Repeated CLOSE_VOTING converges on CLOSED", func() {
			src.rules = []automation.Rule{intervalRule("i", time.Minute, automation.ActionCloseVoting)}
			engine.Tick(ctx)
			So(comps.closes, ShouldEqual, 0)

			for i := 0; i < 3; i++ {
				clk.advance(time.Minute)
				engine.Tick(ctx)
			}
			So(comps.closes, ShouldEqual, 3)
			So(comps.phase["c1"], ShouldEqual, model.PhaseClosed)
			So(engine.State("i").FireCount, ShouldEqual, 3)
		})

		Convey("Cron rules fire once per matching time", func() {
			src.rules = []automation.Rule{{
				ID: "cr", CompetitionID: "c1", Enabled: true,
				Trigger: automation.Trigger{Type: automation.TriggerCron, Cron: &automation.CronTrigger{Expression: "*/5 * * * *"}},
				Action:  automation.Action{Type: automation.ActionCloseVoting},
			}}
			engine.Tick(ctx)
			So(comps.closes, ShouldEqual, 0)

			clk.advance(5 * time.Minute)
			engine.Tick(ctx)
			engine.Tick(ctx)
			So(comps.closes, ShouldEqual, 1)

			clk.advance(10 * time.Minute)
			engine.Tick(ctx)
			So(comps.closes, ShouldEqual, 2)
			So(engine.State("cr").FireCount, ShouldEqual, 2)
		})

		Convey("Run ticks on the scheduler until the context ends", func() {
			runner := automation.New(src, deps,
				automation.WithClock(clk.Now),
				automation.WithTickInterval(10*time.Millisecond),
			)
			src.rules = []automation.Rule{scheduleRule("go", start, automation.ActionOpenVoting)}

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- runner.Run(runCtx) }()

			deadline := time.Now().Add(2 * time.Second)
			for comps.opened() == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			So(comps.opened(), ShouldEqual, 1)

			cancel()
			select {
			case err := <-done:
				So(err, ShouldBeNil)
			case <-time.After(2 * time.Second):
				So("Run did not return", ShouldBeEmpty)
			}
			So(runner.State("go").FireCount, ShouldEqual, 1)
		})

		Convey("Threshold rules fire on the upward crossing only", func() {
			src.rules = []automation.Rule{{
				ID: "th", CompetitionID: "c1", Enabled: true,
				Trigger: automation.Trigger{Type: automation.TriggerScoreThreshold, Threshold: &automation.ThresholdTrigger{RubricID: "r1", Threshold: 5}},
				Action:  automation.Action{Type: automation.ActionPublishReport, Report: &automation.PublishReportAction{ReportID: "top"}},
			}}
			inv := model.Invalidation{CompetitionID: "c1", ParticipantID: "p1", RubricID: "r1"}

			agg.put("p1", 4)
			engine.HandleInvalidation(ctx, inv)
			So(reps.published, ShouldBeEmpty)

			agg.put("p1", 6)
			engine.HandleInvalidation(ctx, inv)
			agg.put("p1", 7)
			engine.HandleInvalidation(ctx, inv)
			So(reps.published, ShouldResemble, []string{"c1/top"})

			agg.put("p1", 3)
			engine.HandleInvalidation(ctx, inv)
			agg.put("p1", 8)
			engine.HandleInvalidation(ctx, inv)
			So(len(reps.published), ShouldEqual, 2)

			engine.HandleInvalidation(ctx, model.Invalidation{CompetitionID: "c1", ParticipantID: "p1", RubricID: "other"})
			So(len(reps.published), ShouldEqual, 2)
			So(engine.Audit("c1")[0].Subject, ShouldEqual, "p1")
		})

		Convey("External event rules match type and payload", func() {
			src.rules = []automation.Rule{{
				ID: "ext", CompetitionID: "c1", Enabled: true,
				Trigger: automation.Trigger{Type: automation.TriggerExternalEvent, External: &automation.ExternalEventTrigger{
					EventType: "stage.finished", Match: map[string]string{"stage": "final"},
				}},
				Action: automation.Action{Type: automation.ActionGrantPermission, Grant: &automation.GrantPermissionAction{
					AdminID: "a1", Permission: permission.ManageReports, Value: true,
				}},
			}}

			engine.HandleEvent(ctx, automation.Event{CompetitionID: "c1", Type: "stage.finished", Payload: map[string]any{"stage": "semi"}})
			engine.HandleEvent(ctx, automation.Event{CompetitionID: "c2", Type: "stage.finished", Payload: map[string]any{"stage": "final"}})
			So(gr.set, ShouldBeEmpty)

			engine.HandleEvent(ctx, automation.Event{CompetitionID: "c1", Type: "stage.finished", Payload: map[string]any{"stage": "final"}})
			So(gr.set["a1|c1|"+permission.ManageReports], ShouldBeTrue)
		})

		Convey("One failing rule does not block the others", func() {
			gr.fail = errors.New("grant store down")
			failing := scheduleRule("bad", start, automation.ActionGrantPermission)
			failing.Action.Grant = &automation.GrantPermissionAction{AdminID: "a1", Permission: permission.ManageVoting, Value: true}
			src.rules = []automation.Rule{failing, scheduleRule("good", start, automation.ActionCloseVoting)}

			engine.Tick(ctx)
			So(comps.closes, ShouldEqual, 1)
			So(engine.State("good").Status, ShouldEqual, automation.StatusFired)

			bad := engine.State("bad")
			So(bad.FireCount, ShouldEqual, 0)
			So(bad.LastError, ShouldContainSubstring, "grant store down")

			outcomes := map[string]automation.Outcome{}
			for _, rec := range engine.Audit("") {
				outcomes[rec.RuleID] = rec.Outcome
			}
			So(outcomes["bad"], ShouldEqual, automation.OutcomeFailed)
			So(outcomes["good"], ShouldEqual, automation.OutcomeFired)

			Convey("and the failed rule is retried on the next tick", func() {
				gr.fail = nil
				engine.Tick(ctx)
				So(engine.State("bad").FireCount, ShouldEqual, 1)
				So(comps.closes, ShouldEqual, 1)
			})
		})

		Convey("Actions that time out are retried then reported", func() {
			comps.block = true
			src.rules = []automation.Rule{scheduleRule("slow", start, automation.ActionCloseVoting)}
			engine.Tick(ctx)
			So(comps.closes, ShouldEqual, 2)
			st := engine.State("slow")
			So(st.LastError, ShouldContainSubstring, model.ErrIntegrationTimeout.Error())
			So(st.LastError, ShouldContainSubstring, model.ErrRuleActionFailure.Error())
		})
	})
}

func TestRuleSpec(t *testing.T) {
	Convey("Building rules from loose specs", t, func() {
		now := start

		Convey("A valid interval spec is enabled by default", func() {
			r, err := automation.RuleSpec{
				CompetitionID: "c1", TriggerType: "interval", ActionType: "close_voting",
				TriggerConfig: map[string]any{"every": "15m"},
			}.Build("a1", now)
			So(err, ShouldBeNil)
			So(r.ID, ShouldNotBeEmpty)
			So(r.Enabled, ShouldBeTrue)
			So(r.CreatedBy, ShouldEqual, "a1")
			So(time.Duration(r.Trigger.Interval.Every), ShouldEqual, 15*time.Minute)
		})

		Convey("A cron spec decodes its expression", func() {
			r, err := automation.RuleSpec{
				CompetitionID: "c1", TriggerType: "cron", ActionType: "OPEN_VOTING",
				TriggerConfig: map[string]any{"expression": "0 9 * * 1-5"},
			}.Build("a1", now)
			So(err, ShouldBeNil)
			next, err := r.Trigger.Cron.Next(time.Date(2026, 6, 5, 10, 0, 0, 0, time.UTC))
			So(err, ShouldBeNil)
			So(next.Equal(time.Date(2026, 6, 8, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)
		})

		Convey("Invalid specs wrap ErrInvalidConfig", func() {
			cases := []automation.RuleSpec{
				{CompetitionID: "c1", TriggerType: "NEVER", ActionType: "CLOSE_VOTING"},
				{CompetitionID: "c1", TriggerType: "SCHEDULE", ActionType: "CLOSE_VOTING"},
				{CompetitionID: "c1", TriggerType: "INTERVAL", ActionType: "CLOSE_VOTING", TriggerConfig: map[string]any{"every": "0s"}},
				{CompetitionID: "c1", TriggerType: "INTERVAL", ActionType: "CLOSE_VOTING", TriggerConfig: map[string]any{"every": "1m", "jitter": 2}},
				{CompetitionID: "c1", TriggerType: "INTERVAL", ActionType: "GRANT_PERMISSION",
					TriggerConfig: map[string]any{"every": "1m"},
					ActionConfig:  map[string]any{"adminId": "a1", "permission": "canFly"}},
				{TriggerType: "INTERVAL", ActionType: "CLOSE_VOTING", TriggerConfig: map[string]any{"every": "1m"}},
				{CompetitionID: "c1", TriggerType: "CRON", ActionType: "CLOSE_VOTING", TriggerConfig: map[string]any{"expression": "every tuesday"}},
				{CompetitionID: "c1", TriggerType: "CRON", ActionType: "CLOSE_VOTING"},
			}
			for _, spec := range cases {
				_, err := spec.Build("a1", now)
				So(errors.Is(err, model.ErrInvalidConfig), ShouldBeTrue)
			}
		})

		Convey("Mismatched variant configs fail validation", func() {
			r := scheduleRule("x", now, automation.ActionCloseVoting)
			r.Trigger.Interval = &automation.IntervalTrigger{Every: automation.Duration(time.Minute)}
			So(errors.Is(r.Validate(), model.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

func TestParseRules(t *testing.T) {
	Convey("Given a TOML rules file", t, func() {
		raw := `
[[rules]]
id = "close-at-six"
competition_id = "c1"
trigger_type = "SCHEDULE"
action_type = "CLOSE_VOTING"
[rules.trigger_config]
at = 2026-06-01T18:00:00Z

[[rules]]
id = "hot"
competition_id = "c1"
trigger_type = "SCORE_THRESHOLD"
action_type = "PUBLISH_REPORT"
enabled = false
[rules.trigger_config]
rubricId = "r1"
threshold = 8.5
[rules.action_config]
reportId = "top"
`
		rules, err := automation.ParseRules([]byte(raw), start)
		So(err, ShouldBeNil)
		So(len(rules), ShouldEqual, 2)
		So(rules[0].Trigger.Schedule.At.Equal(time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)), ShouldBeTrue)
		So(rules[0].CreatedBy, ShouldEqual, model.SystemActor.ID)
		So(rules[1].Enabled, ShouldBeFalse)
		So(rules[1].Trigger.Threshold.Threshold, ShouldEqual, 8.5)
		So(rules[1].Action.Report.ReportID, ShouldEqual, "top")

		Convey("Bad entries are reported with their index", func() {
			_, err := automation.ParseRules([]byte(strings.Replace(raw, `"SCHEDULE"`, `"SOMETIMES"`, 1)), start)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "rules[0]")
		})
	})
}
