package integration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/dedupe"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

func init() {
	_ = logger.Init()
}

type collector struct {
	mu     sync.Mutex
	events []automation.Event
}

func (c *collector) HandleEvent(_ context.Context, ev automation.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.ID
	}
	return out
}

func TestIngress(t *testing.T) {
	Convey("Given an ingress with dedupe", t, func() {
		ctx := context.Background()
		sink := &collector{}
		in := NewIngress(sink, dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(10)), nil)

		Convey("A new event reaches the sink stamped with a receive time", func() {
			ok, err := in.Accept(ctx, automation.Event{ID: "e1", CompetitionID: "c1", Type: "match_end"})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(sink.ids(), ShouldResemble, []string{"e1"})
			So(sink.events[0].ReceivedAt.IsZero(), ShouldBeFalse)
		})

		Convey("A redelivered event is dropped", func() {
			ev := automation.Event{ID: "e1", CompetitionID: "c1", Type: "match_end"}
			_, _ = in.Accept(ctx, ev)
			ok, err := in.Accept(ctx, ev)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
			So(sink.ids(), ShouldHaveLength, 1)
		})

		Convey("Incomplete events are rejected", func() {
			_, err := in.Accept(ctx, automation.Event{ID: " ", CompetitionID: "c1", Type: "x"})
			So(errors.Is(err, model.ErrInvalidValue), ShouldBeTrue)
			_, err = in.Accept(ctx, automation.Event{ID: "e2", Type: "x"})
			So(errors.Is(err, model.ErrInvalidValue), ShouldBeTrue)
			So(sink.ids(), ShouldBeEmpty)
		})
	})
}

func TestPoller(t *testing.T) {
	Convey("Given a poller against a test server", t, func() {
		ctx := context.Background()
		sink := &collector{}
		in := NewIngress(sink, dedupe.NewInMemoryDeduper(), nil)
		var calls atomic.Int32
		var handler http.HandlerFunc
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			handler(w, r)
		}))
		defer srv.Close()

		newPoller := func(opts ...PollerOption) *Poller {
			base := []PollerOption{
				WithRateLimit(1000, 10),
				WithRetries(2, time.Millisecond, 5*time.Millisecond),
				WithTimeout(time.Second),
			}
			return NewPoller(srv.URL, in, append(base, opts...)...)
		}

		Convey("A bare array of events is delivered", func() {
			handler = func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `[{"eventId":"e1","competitionId":"c1","eventType":"goal","payload":{"team":"red"}}]`)
			}
			n, err := newPoller().Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(sink.events[0].Payload["team"], ShouldEqual, "red")
		})

		Convey("A wrapped list is delivered and repeats are deduped", func() {
			handler = func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"events":[{"eventId":"e1","competitionId":"c1","eventType":"goal"},{"eventId":"e2","competitionId":"c1","eventType":"goal"}]}`)
			}
			p := newPoller()
			n, err := p.Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			n, err = p.Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			So(sink.ids(), ShouldResemble, []string{"e1", "e2"})
		})

		Convey("Server errors are retried", func() {
			handler = func(w http.ResponseWriter, _ *http.Request) {
				if calls.Load() < 2 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				_, _ = io.WriteString(w, `[{"eventId":"e1","competitionId":"c1","eventType":"goal"}]`)
			}
			n, err := newPoller().Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(calls.Load(), ShouldEqual, 2)
		})

		Convey("Client errors are not retried", func() {
			handler = func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}
			_, err := newPoller().Poll(ctx)
			So(err, ShouldNotBeNil)
			So(calls.Load(), ShouldEqual, 1)
		})

		Convey("Slow responses surface as integration timeouts", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			}
			_, err := newPoller(WithTimeout(20 * time.Millisecond)).Poll(ctx)
			So(errors.Is(err, model.ErrIntegrationTimeout), ShouldBeTrue)
			So(calls.Load(), ShouldEqual, 3)
		})
	})
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(_ context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestKafkaSource(t *testing.T) {
	Convey("Given a kafka source over a fake reader", t, func() {
		sink := &collector{}
		in := NewIngress(sink, dedupe.NewInMemoryDeduper(), nil)
		reader := &fakeReader{msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`{"eventId":"e1","competitionId":"c1","eventType":"goal"}`)},
			{Offset: 2, Key: []byte("e2"), Value: []byte(`{"competitionId":"c1","eventType":"goal"}`)},
			{Offset: 3, Value: []byte(`not json`)},
			{Offset: 4, Value: []byte(`{"eventId":"e1","competitionId":"c1","eventType":"goal"}`)},
		}}
		src := newKafkaSource(KafkaConfig{Topic: "events", GroupID: "verdict"}, reader, in, nil)

		Convey("Every message is committed and each event delivered once", func() {
			So(src.Run(context.Background()), ShouldBeNil)
			So(sink.ids(), ShouldResemble, []string{"e1", "e2"})
			So(reader.committed, ShouldResemble, []int64{1, 2, 3, 4})
			So(src.Close(), ShouldBeNil)
			So(reader.closed, ShouldBeTrue)
		})
	})

	Convey("Kafka config is validated", t, func() {
		in := NewIngress(&collector{}, nil, nil)
		_, err := NewKafkaSource(KafkaConfig{Topic: "t", GroupID: "g"}, in, nil)
		So(err, ShouldNotBeNil)
		_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"b:9092"}, GroupID: "g"}, in, nil)
		So(err, ShouldNotBeNil)
		_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t"}, in, nil)
		So(err, ShouldNotBeNil)
	})
}
