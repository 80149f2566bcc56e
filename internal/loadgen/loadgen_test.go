package loadgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/pkg/logger"
)

func init() {
	_ = logger.Init()
}

func testConfig(url string) *Config {
	return &Config{
		BaseURL:       url,
		CompetitionID: "c1",
		RubricID:      "r1",
		Criteria:      map[string]float64{"tech": 2, "style": 1},
		MaxScore:      10,
		Participants:  []string{"p1", "p2", "p3"},
		Voters:        5,
		Submissions:   200,
		Workers:       4,
		TopN:          10,
		Timeout:       time.Second,
	}
}

func TestGenerate(t *testing.T) {
	Convey("Given a load config", t, func() {
		cfg := testConfig("")

		Convey("Then votes stay within the configured space", func() {
			subs := Generate(cfg)
			So(subs, ShouldHaveLength, 200)
			for _, s := range subs {
				So(s.Value, ShouldBeBetweenOrEqual, 0, 10)
				So(cfg.Participants, ShouldContain, s.ParticipantID)
				So(cfg.Criteria, ShouldContainKey, s.CriterionID)
			}
		})
	})
}

func TestExpected(t *testing.T) {
	Convey("Given votes with a resubmission", t, func() {
		cfg := testConfig("")
		subs := []Submission{
			{"v1", "p1", "tech", 2},
			{"v1", "p1", "tech", 8},
			{"v2", "p1", "tech", 6},
			{"v1", "p1", "style", 4},
			{"v1", "p2", "style", 5},
		}

		Convey("Then the last vote counts and criteria are weighted", func() {
			got := Expected(cfg, subs)
			// tech mean 7 (weight 2), style 4 (weight 1)
			So(got["p1"], ShouldAlmostEqual, 6.0)
			So(got["p2"], ShouldAlmostEqual, 5.0)
			So(got, ShouldNotContainKey, "p3")
		})
	})
}

func TestVerify(t *testing.T) {
	Convey("Given expected totals", t, func() {
		expected := map[string]float64{"p1": 6, "p2": 5}

		Convey("Then a matching ranking passes", func() {
			ranked := []Entry{{1, "p1", 6}, {2, "p2", 5}}
			So(Verify(ranked, expected), ShouldBeNil)
		})

		Convey("Then wrong order, wrong totals and gaps fail", func() {
			So(Verify([]Entry{{1, "p2", 5}, {2, "p1", 6}}, expected), ShouldNotBeNil)
			So(Verify([]Entry{{1, "p1", 5.5}}, expected), ShouldNotBeNil)
			So(Verify([]Entry{{2, "p1", 6}}, expected), ShouldNotBeNil)
			So(Verify(nil, expected), ShouldNotBeNil)
			So(Verify([]Entry{{1, "p1", 6}, {2, "p3", 0}}, expected), ShouldNotBeNil)
		})
	})
}

func TestParse(t *testing.T) {
	Convey("Given criteria flags", t, func() {
		got, err := ParseCriteria("tech=2, style")
		So(err, ShouldBeNil)
		So(got, ShouldResemble, map[string]float64{"tech": 2, "style": 1})

		_, err = ParseCriteria("tech=x")
		So(err, ShouldNotBeNil)
		_, err = ParseCriteria(" , ")
		So(err, ShouldNotBeNil)

		So(ParseList("a, ,b"), ShouldResemble, []string{"a", "b"})
	})
}

func TestSubmit(t *testing.T) {
	Convey("Given a scoring endpoint", t, func() {
		var mu sync.Mutex
		seen := make(map[string]bool)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["participantId"] == "p3" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			key := r.Header.Get("X-Voter-ID") + "/" + body["participantId"].(string) + "/" + body["criterionId"].(string)
			mu.Lock()
			updated := seen[key]
			seen[key] = true
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"updated": updated})
		}))
		defer srv.Close()

		cfg := testConfig(srv.URL)
		subs := []Submission{
			{"v1", "p1", "tech", 1},
			{"v1", "p1", "tech", 2},
			{"v1", "p3", "tech", 2},
		}
		stats := &Stats{}
		cfg.Workers = 1

		Convey("Then outcomes are counted", func() {
			So(Submit(context.Background(), cfg, NewClient(srv.URL, time.Second), subs, stats), ShouldBeNil)
			So(stats.Accepted, ShouldEqual, 1)
			So(stats.Updated, ShouldEqual, 1)
			So(stats.Rejected, ShouldEqual, 1)
			So(stats.Failed, ShouldEqual, 0)
		})
	})
}
