// Package integration brings external automation events into the service
// from webhooks, HTTP polling and Kafka.
package integration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/dedupe"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
)

// Sink consumes accepted events.
type Sink interface {
	HandleEvent(ctx context.Context, ev automation.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev automation.Event)

func (f SinkFunc) HandleEvent(ctx context.Context, ev automation.Event) { f(ctx, ev) }

// Ingress validates and deduplicates events by id before handing them to
// the sink. Sources deliver at-least-once, so a redelivered id is dropped.
type Ingress struct {
	sink   Sink
	dedupe dedupe.Deduper
	clock  func() time.Time
	log    logger.Logger
}

// NewIngress creates an ingress. A nil deduper disables deduplication.
func NewIngress(sink Sink, d dedupe.Deduper, l logger.Logger) *Ingress {
	if l == nil {
		l = logger.Get().Named("ingress")
	}
	return &Ingress{sink: sink, dedupe: d, clock: time.Now, log: l}
}

// Accept delivers ev to the sink. It returns false for a duplicate.
func (i *Ingress) Accept(ctx context.Context, ev automation.Event) (bool, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.ID == "" || ev.CompetitionID == "" || ev.Type == "" {
		metrics.RecordIngressEvent("rejected")
		return false, fmt.Errorf("event requires eventId, competitionId and eventType: %w", model.ErrInvalidValue)
	}
	if i.dedupe != nil && i.dedupe.SeenAndRecord(ctx, ev.ID) {
		metrics.RecordIngressEvent("duplicate")
		i.log.Debug(ctx, "duplicate event dropped", logger.String("event_id", ev.ID))
		return false, nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = i.clock().UTC()
	}
	metrics.RecordIngressEvent("accepted")
	i.sink.HandleEvent(ctx, ev)
	return true, nil
}
