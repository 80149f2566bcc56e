package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	eventqueue "github.com/okian/verdict/internal/adapters/mq/queue"
	"github.com/okian/verdict/internal/config"
	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/ledger"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

const saturatedCatalog = `
[[admins]]
id = "root"
role = "SUPER_ADMIN"

[[competitions]]
id = "c1"
name = "Finals"
phase = "OPEN"

[[rubrics]]
id = "r1"
competition_id = "c1"
name = "Main"

  [[rubrics.criteria]]
  id = "tech"
  name = "Technique"
  max_score = 10
  weight = 1

[[participants]]
id = "p1"
competition_id = "c1"
display_name = "Ada"

[[judges]]
judge_id = "j1"
competition_id = "c1"
`

func TestInvalidateWithFullQueue(t *testing.T) {
	_ = logger.Init()

	Convey("Given a service whose recompute queue is full", t, func() {
		path := filepath.Join(t.TempDir(), "catalog.toml")
		So(os.WriteFile(path, []byte(saturatedCatalog), 0o600), ShouldBeNil)
		cfg := config.New()
		cfg.CatalogFile = path
		cfg.WorkerCount = 1
		cfg.SchedulerIntervalMS = 20

		svc := New(WithConfig(cfg))
		defer svc.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)

		root, err := svc.ResolveActor(ctx, "root")
		So(err, ShouldBeNil)
		_, err = svc.CreateReport(ctx, root, model.ReportDefinition{
			ID: "top", CompetitionID: "c1", RubricID: "r1",
			Sort: model.SortOption{Field: "weightedTotal", Direction: model.Desc},
		})
		So(err, ShouldBeNil)
		_, err = svc.CreateRule(ctx, root, automation.RuleSpec{
			ID: "close-on-8", CompetitionID: "c1",
			TriggerType: "SCORE_THRESHOLD", TriggerConfig: map[string]any{"rubricId": "r1", "threshold": 8.0},
			ActionType: "CLOSE_VOTING",
		})
		So(err, ShouldBeNil)

		sub, err := svc.Subscribe(ctx, "c1", "top")
		So(err, ShouldBeNil)
		defer svc.Unsubscribe(sub)
		<-sub.Updates()

		// nothing drains this queue
		full := eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(1))
		So(full.Enqueue(ctx, model.Invalidation{CompetitionID: "c9", ParticipantID: "x", RubricID: "y"}), ShouldBeTrue)
		svc.queue = full

		v := 9.0
		_, err = svc.SubmitScore(ctx, ledger.Submission{
			CompetitionID: "c1", ParticipantID: "p1", CriterionID: "tech",
			Voter: model.Voter{ID: "j1", Type: model.VoterJudge}, Value: &v,
		})
		So(err, ShouldBeNil)

		Convey("Then the write still reaches subscribers and threshold rules", func() {
			select {
			case snap := <-sub.Updates():
				So(snap.Entries, ShouldHaveLength, 1)
				So(snap.Entries[0].ParticipantID, ShouldEqual, "p1")
				So(snap.Entries[0].WeightedTotal, ShouldEqual, 9)
			case <-time.After(2 * time.Second):
				So("no snapshot pushed", ShouldBeEmpty)
			}

			c, err := svc.Competition(ctx, "c1")
			So(err, ShouldBeNil)
			So(c.Phase, ShouldEqual, model.PhaseClosed)
			So(full.Len(ctx), ShouldEqual, 1)
		})
	})
}
