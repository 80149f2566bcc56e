package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/internal/adapters/http/api"
	service "github.com/okian/verdict/internal/app"
	"github.com/okian/verdict/internal/config"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

func init() {
	_ = logger.Init()
}

const catalogTOML = `
[[admins]]
id = "root"
role = "SUPER_ADMIN"

[[admins]]
id = "ops"
role = "ADMIN"

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

[[participants]]
id = "p2"
competition_id = "c1"
display_name = "Bo"

[[judges]]
judge_id = "j1"
competition_id = "c1"
`

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.toml")
	if err := os.WriteFile(path, []byte(catalogTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.New()
	cfg.CatalogFile = path
	cfg.WorkerCount = 2
	cfg.QueueSize = 100
	cfg.SchedulerIntervalMS = 20

	svc := service.New(service.WithConfig(cfg))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	api.NewServer(svc, svc, api.WithHeartbeat(50*time.Millisecond)).Register(context.Background(), mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		svc.Stop()
	})
	return srv, svc
}

type call struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func do(srv *httptest.Server, c call) (*http.Response, []byte) {
	req, err := http.NewRequest(c.method, srv.URL+c.path, strings.NewReader(c.body))
	So(err, ShouldBeNil)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	So(err, ShouldBeNil)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	So(err, ShouldBeNil)
	return resp, raw
}

func errorCode(raw []byte) string {
	var e struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(raw, &e)
	return e.Code
}

var (
	asRoot  = map[string]string{api.HeaderAdminID: "root"}
	asOps   = map[string]string{api.HeaderAdminID: "ops"}
	asJudge = map[string]string{api.HeaderVoterID: "j1", api.HeaderVoterType: "judge"}
	asFan   = map[string]string{api.HeaderVoterID: "fan-1"}
)

func TestScoresAPI(t *testing.T) {
	Convey("Given a running API", t, func() {
		srv, _ := newTestServer(t)

		Convey("When a judge submits a valid score", func() {
			resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/scores", `{"participantId":"p1","criterionId":"tech","value":8}`, asJudge})

			Convey("Then the fact is accepted", func() {
				So(resp.StatusCode, ShouldEqual, http.StatusCreated)
				var body struct {
					Accepted model.ScoreFact `json:"accepted"`
					Updated  bool            `json:"updated"`
				}
				So(json.Unmarshal(raw, &body), ShouldBeNil)
				So(body.Accepted.Value, ShouldEqual, 8)
				So(body.Accepted.VoterType, ShouldEqual, model.VoterJudge)
				So(body.Updated, ShouldBeFalse)
			})

			Convey("Then a resubmission updates it", func() {
				resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/scores", `{"participantId":"p1","criterionId":"tech","value":9}`, asJudge})
				So(resp.StatusCode, ShouldEqual, http.StatusCreated)
				So(string(raw), ShouldContainSubstring, `"updated":true`)
			})
		})

		Convey("When submissions break the rules", func() {
			cases := []struct {
				name    string
				body    string
				headers map[string]string
				status  int
				code    string
			}{
				{"no voter", `{"participantId":"p1","criterionId":"tech","value":1}`, nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
				{"out of range", `{"participantId":"p1","criterionId":"tech","value":11}`, asFan, http.StatusUnprocessableEntity, "OUT_OF_RANGE"},
				{"unknown criterion", `{"participantId":"p1","criterionId":"speed","value":1}`, asFan, http.StatusUnprocessableEntity, "UNKNOWN_CRITERION"},
				{"both value and label", `{"participantId":"p1","criterionId":"tech","value":1,"qualitativeLabel":"x"}`, asFan, http.StatusBadRequest, "INVALID_VALUE"},
				{"unassigned judge", `{"participantId":"p1","criterionId":"tech","value":1}`, map[string]string{api.HeaderJudgeID: "j9", api.HeaderVoterType: "JUDGE"}, http.StatusForbidden, "DENIED"},
				{"malformed body", `{"participantId":`, asFan, http.StatusBadRequest, "BAD_REQUEST"},
				{"unknown field", `{"participantId":"p1","criterionId":"tech","value":1,"bonus":3}`, asFan, http.StatusBadRequest, "BAD_REQUEST"},
			}
			for _, tc := range cases {
				resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/scores", tc.body, tc.headers})
				So(resp.StatusCode, ShouldEqual, tc.status)
				So(errorCode(raw), ShouldEqual, tc.code)
			}
		})
	})
}

func TestReportsAPI(t *testing.T) {
	Convey("Given scored participants", t, func() {
		srv, _ := newTestServer(t)
		for pid, v := range map[string]int{"p1": 7, "p2": 9} {
			resp, _ := do(srv, call{http.MethodPost, "/competitions/c1/scores", fmt.Sprintf(`{"participantId":%q,"criterionId":"tech","value":%d}`, pid, v), asJudge})
			So(resp.StatusCode, ShouldEqual, http.StatusCreated)
		}

		Convey("When an inline report is queried", func() {
			resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/reports/query", `{"rubricId":"r1","sort":{"field":"weightedTotal","direction":"DESC"}}`, nil})

			Convey("Then entries come back ranked", func() {
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				var entries []model.RankedEntry
				So(json.Unmarshal(raw, &entries), ShouldBeNil)
				So(entries, ShouldHaveLength, 2)
				So(entries[0].ParticipantID, ShouldEqual, "p2")
				So(entries[0].Rank, ShouldEqual, 1)
				So(entries[1].ParticipantID, ShouldEqual, "p1")
			})
		})

		Convey("When the sort field is unknown", func() {
			resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/reports/query", `{"rubricId":"r1","sort":{"field":"height","direction":"ASC"}}`, nil})
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(errorCode(raw), ShouldEqual, "UNKNOWN_SORT_FIELD")
		})

		Convey("When report definitions are created", func() {
			def := `{"id":"top","rubricId":"r1","sort":{"field":"weightedTotal","direction":"DESC"},"limit":1}`

			resp, _ := do(srv, call{http.MethodPost, "/competitions/c1/reports", def, nil})
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)

			resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/reports", def, asOps})
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
			So(errorCode(raw), ShouldEqual, "DENIED")

			resp, _ = do(srv, call{http.MethodPost, "/competitions/c1/reports", def, asRoot})
			So(resp.StatusCode, ShouldEqual, http.StatusCreated)

			Convey("Then the saved report can be pulled", func() {
				resp, raw := do(srv, call{http.MethodGet, "/competitions/c1/reports/top", "", nil})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				var entries []model.RankedEntry
				So(json.Unmarshal(raw, &entries), ShouldBeNil)
				So(entries, ShouldHaveLength, 1)
				So(entries[0].ParticipantID, ShouldEqual, "p2")

				resp, raw = do(srv, call{http.MethodPost, "/competitions/c1/reports/query", `{"reportId":"top"}`, nil})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(string(raw), ShouldContainSubstring, `"participantId":"p2"`)

				resp, raw = do(srv, call{http.MethodGet, "/competitions/c1/reports", "", nil})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(string(raw), ShouldContainSubstring, `"top"`)
			})

			Convey("Then unknown reports are 404", func() {
				resp, raw := do(srv, call{http.MethodGet, "/competitions/c1/reports/nope", "", nil})
				So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
				So(errorCode(raw), ShouldEqual, "NOT_FOUND")
			})

			Convey("Then the stream sends the snapshot and live updates", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/competitions/c1/reports/top/stream", http.NoBody)
				So(err, ShouldBeNil)
				resp, err := srv.Client().Do(req)
				So(err, ShouldBeNil)
				defer resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(resp.Header.Get("Content-Type"), ShouldEqual, "text/event-stream")

				events := make(chan string, 8)
				go func() {
					defer close(events)
					sc := bufio.NewScanner(resp.Body)
					for sc.Scan() {
						if line := sc.Text(); strings.HasPrefix(line, "data: ") {
							events <- strings.TrimPrefix(line, "data: ")
						}
					}
				}()

				first := <-events
				So(first, ShouldContainSubstring, `"participantId":"p2"`)

				resp2, _ := do(srv, call{http.MethodPost, "/competitions/c1/scores", `{"participantId":"p1","criterionId":"tech","value":10}`, asJudge})
				So(resp2.StatusCode, ShouldEqual, http.StatusCreated)

				var leader string
				for data := range events {
					if strings.Contains(data, `"participantId":"p1"`) {
						leader = data
						break
					}
				}
				So(leader, ShouldNotBeEmpty)
			})
		})
	})
}

func TestAutomationAPI(t *testing.T) {
	Convey("Given a running API", t, func() {
		srv, svc := newTestServer(t)

		Convey("When a rule is created by an admin without rights", func() {
			resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/rules", `{"id":"x","triggerType":"EXTERNAL_EVENT","triggerConfig":{"eventType":"end"},"actionType":"CLOSE_VOTING"}`, asOps})
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
			So(errorCode(raw), ShouldEqual, "DENIED")
		})

		Convey("When an event rule is created and its event arrives twice", func() {
			resp, _ := do(srv, call{http.MethodPost, "/competitions/c1/rules", `{"id":"end","triggerType":"EXTERNAL_EVENT","triggerConfig":{"eventType":"end"},"actionType":"CLOSE_VOTING"}`, asRoot})
			So(resp.StatusCode, ShouldEqual, http.StatusCreated)

			ev := `{"eventId":"e-1","competitionId":"c1","eventType":"end"}`
			resp, raw := do(srv, call{http.MethodPost, "/automation/events", ev, nil})
			So(resp.StatusCode, ShouldEqual, http.StatusAccepted)
			So(string(raw), ShouldContainSubstring, `"accepted"`)

			resp, raw = do(srv, call{http.MethodPost, "/automation/events", ev, nil})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(raw), ShouldContainSubstring, `"duplicate":true`)

			Convey("Then voting closes and the rule shows one firing", func() {
				closed := false
				for i := 0; i < 300 && !closed; i++ {
					c, err := svc.Competition(context.Background(), "c1")
					closed = err == nil && c.Phase == model.PhaseClosed
					if !closed {
						time.Sleep(10 * time.Millisecond)
					}
				}
				So(closed, ShouldBeTrue)

				resp, raw := do(srv, call{http.MethodGet, "/competitions/c1/rules", "", nil})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(string(raw), ShouldContainSubstring, `"fireCount":1`)

				resp, _ = do(srv, call{http.MethodGet, "/competitions/c1/automation/audit", "", nil})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)

				resp, raw = do(srv, call{http.MethodPost, "/competitions/c1/scores", `{"participantId":"p1","criterionId":"tech","value":1}`, asFan})
				So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
				So(errorCode(raw), ShouldEqual, "DENIED")
			})

			Convey("Then the rule can be disabled", func() {
				resp, raw := do(srv, call{http.MethodPut, "/competitions/c1/rules/end/enabled", `{"enabled":false}`, asRoot})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(string(raw), ShouldContainSubstring, `"enabled":false`)
			})
		})

		Convey("When an event lacks an id", func() {
			resp, raw := do(srv, call{http.MethodPost, "/automation/events", `{"competitionId":"c1","eventType":"end"}`, nil})
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(errorCode(raw), ShouldEqual, "INVALID_VALUE")
		})
	})
}

func TestCompetitionAndGrantsAPI(t *testing.T) {
	Convey("Given a running API", t, func() {
		srv, _ := newTestServer(t)

		Convey("When voting is closed by hand", func() {
			resp, raw := do(srv, call{http.MethodPost, "/competitions/c1/voting/close", "", asRoot})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(raw), ShouldContainSubstring, `"changed":true`)

			resp, raw = do(srv, call{http.MethodPost, "/competitions/c1/voting/close", "", asRoot})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(raw), ShouldContainSubstring, `"changed":false`)

			resp, raw = do(srv, call{http.MethodGet, "/competitions/c1", "", nil})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(raw), ShouldContainSubstring, `"phase":"CLOSED"`)
		})

		Convey("When an admin edits their own grant", func() {
			resp, raw := do(srv, call{http.MethodPut, "/admin/grants/global/ops", `{"permissions":{"canManageVoting":true}}`, asOps})
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
			So(errorCode(raw), ShouldEqual, "DENIED")
		})

		Convey("When a super admin grants a scoped permission", func() {
			resp, _ := do(srv, call{http.MethodPut, "/admin/grants/competitions/c1/ops", `{"permissions":{"canManageVoting":true}}`, asRoot})
			So(resp.StatusCode, ShouldEqual, http.StatusNoContent)

			Convey("Then the grantee can act in that competition", func() {
				resp, raw := do(srv, call{http.MethodGet, "/admin/permissions/ops?competitionId=c1", "", asOps})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				var perms map[string]bool
				So(json.Unmarshal(raw, &perms), ShouldBeNil)
				So(perms["canManageVoting"], ShouldBeTrue)
				So(perms["canManageReports"], ShouldBeFalse)

				resp, _ = do(srv, call{http.MethodPost, "/competitions/c1/voting/close", "", asOps})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When permission sets are read", func() {
			resp, raw := do(srv, call{http.MethodGet, "/admin/permissions/root", "", nil})
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
			So(errorCode(raw), ShouldEqual, "UNAUTHENTICATED")

			resp, raw = do(srv, call{http.MethodGet, "/admin/permissions/root?competitionId=c1", "", asOps})
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
			So(errorCode(raw), ShouldEqual, "DENIED")

			resp, raw = do(srv, call{http.MethodGet, "/admin/permissions/ops?competitionId=c1", "", asRoot})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(raw), ShouldContainSubstring, `"canManageVoting":false`)
		})

		Convey("When health and stats are requested", func() {
			resp, _ := do(srv, call{http.MethodGet, "/healthz", "", nil})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			resp, raw := do(srv, call{http.MethodGet, "/stats", "", nil})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(raw), ShouldContainSubstring, `"started":true`)
		})
	})
}

func TestErrorMapping(t *testing.T) {
	Convey("Given wrapped domain errors", t, func() {
		err := api.Wrap("api.op", fmt.Errorf("ctx: %w", model.ErrCycle))

		Convey("Then kinds survive wrapping", func() {
			So(errors.Is(err, model.ErrCycle), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: ctx: category cycle")
			So(errors.Is(api.NewKind("api.op", api.ErrBadRequest), api.ErrBadRequest), ShouldBeTrue)
			So(api.Wrap("api.op", nil), ShouldBeNil)
		})
	})
}
