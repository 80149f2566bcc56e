// Package broadcast fans compiled report snapshots out to live subscribers.
//
// Delivery is at-most-once: a subscriber whose buffer is full misses the
// update and catches up with the next full snapshot.
package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
)

// Snapshot is the full ranked state of one report at a point in time.
type Snapshot struct {
	CompetitionID string              `json:"competitionId"`
	ReportID      string              `json:"reportId"`
	Entries       []model.RankedEntry `json:"entries"`
	PublishedAt   time.Time           `json:"publishedAt"`
}

// Channel identifies a report stream.
type Channel struct {
	CompetitionID string
	ReportID      string
}

func (c Channel) String() string { return c.CompetitionID + "/" + c.ReportID }

// SnapshotSource compiles a report on demand for a subscriber that arrives
// before anything was published.
type SnapshotSource interface {
	Snapshot(ctx context.Context, competitionID, reportID string) ([]model.RankedEntry, error)
}

// SourceFunc adapts a function to SnapshotSource.
type SourceFunc func(ctx context.Context, competitionID, reportID string) ([]model.RankedEntry, error)

func (f SourceFunc) Snapshot(ctx context.Context, competitionID, reportID string) ([]model.RankedEntry, error) {
	return f(ctx, competitionID, reportID)
}

// Subscription receives snapshots for one channel until it is unsubscribed.
type Subscription struct {
	ID      string
	Channel Channel

	ch chan Snapshot
}

// Updates returns the snapshot stream. It is closed on Unsubscribe or Close.
func (s *Subscription) Updates() <-chan Snapshot { return s.ch }

// Hub keeps subscribers and the last snapshot per channel.
type Hub struct {
	mu     sync.Mutex
	subs   map[Channel]map[string]*Subscription
	last   map[Channel]Snapshot
	count  int
	closed bool

	source SnapshotSource
	bus    Bus
	buffer int
	clock  func() time.Time
	log    logger.Logger
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[Channel]map[string]*Subscription),
		last:   make(map[Channel]Snapshot),
		buffer: 16,
		clock:  time.Now,
		log:    logger.Get().Named("broadcast"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.buffer <= 0 {
		h.buffer = 1
	}
	return h
}

// Run relays snapshots published by other instances until ctx ends.
// Without a bus it returns immediately.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Start(ctx, func(s Snapshot) { h.deliver(s) })
}

// Publish replaces the channel's snapshot and hands it to every subscriber
// without blocking. It never fails because of a slow subscriber.
func (h *Hub) Publish(ctx context.Context, competitionID, reportID string, entries []model.RankedEntry) error {
	s := Snapshot{
		CompetitionID: competitionID,
		ReportID:      reportID,
		Entries:       entries,
		PublishedAt:   h.clock().UTC(),
	}
	if !h.deliver(s) {
		return ErrClosed
	}
	if h.bus != nil {
		if err := h.bus.Publish(ctx, s); err != nil {
			h.log.Warn(ctx, "relay publish failed",
				logger.String("channel", Channel{competitionID, reportID}.String()),
				logger.Error(err))
		}
	}
	return nil
}

func (h *Hub) deliver(s Snapshot) bool {
	ch := Channel{s.CompetitionID, s.ReportID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.last[ch] = s

	dropped := 0
	for _, sub := range h.subs[ch] {
		select {
		case sub.ch <- s:
		default:
			dropped++
		}
	}
	metrics.RecordBroadcastPublish(dropped)
	if dropped > 0 {
		h.log.Debug(context.Background(), "slow subscribers skipped",
			logger.String("channel", ch.String()),
			logger.Int("dropped", dropped))
	}
	return true
}

// Subscribe registers a subscriber and queues the current snapshot for it.
// When nothing has been published yet the snapshot is pulled from the source.
func (h *Hub) Subscribe(ctx context.Context, competitionID, reportID string) (*Subscription, error) {
	ch := Channel{competitionID, reportID}
	sub := &Subscription{
		ID:      uuid.NewString(),
		Channel: ch,
		ch:      make(chan Snapshot, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	_, cached := h.last[ch]
	h.mu.Unlock()

	var pulled *Snapshot
	if !cached && h.source != nil {
		entries, err := h.source.Snapshot(ctx, competitionID, reportID)
		if err != nil {
			return nil, fmt.Errorf("initial snapshot for %s: %w", ch, err)
		}
		pulled = &Snapshot{CompetitionID: competitionID, ReportID: reportID, Entries: entries, PublishedAt: h.clock().UTC()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	// a publish that raced the pull wins
	if _, ok := h.last[ch]; !ok && pulled != nil {
		h.last[ch] = *pulled
	}
	if s, ok := h.last[ch]; ok {
		sub.ch <- s
	}
	if h.subs[ch] == nil {
		h.subs[ch] = make(map[string]*Subscription)
	}
	h.subs[ch][sub.ID] = sub
	h.count++
	metrics.UpdateBroadcastSubscribers(h.count)
	return sub, nil
}

// Unsubscribe removes the subscription and closes its stream.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[sub.Channel]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.subs, sub.Channel)
	}
	close(sub.ch)
	h.count--
	metrics.UpdateBroadcastSubscribers(h.count)
}

// HasSubscribers reports whether anyone listens on the channel.
func (h *Hub) HasSubscribers(competitionID, reportID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[Channel{competitionID, reportID}]) > 0
}

// Channels lists the channels of a competition that have subscribers.
func (h *Hub) Channels(competitionID string) []Channel {
	h.mu.Lock()
	out := make([]Channel, 0, len(h.subs))
	for ch := range h.subs {
		if ch.CompetitionID == competitionID {
			out = append(out, ch)
		}
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReportID < out[j].ReportID })
	return out
}

// Last returns the cached snapshot of a channel.
func (h *Hub) Last(competitionID, reportID string) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.last[Channel{competitionID, reportID}]
	return s, ok
}

// Forget drops the cached snapshot so the next subscriber pulls a fresh one.
func (h *Hub) Forget(competitionID, reportID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, Channel{competitionID, reportID})
}

// Prune drops the cached snapshots of a competition's channels that nobody
// listens on, so they are recompiled on the next subscribe.
func (h *Hub) Prune(competitionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.last {
		if ch.CompetitionID == competitionID && len(h.subs[ch]) == 0 {
			delete(h.last, ch)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Close ends every subscription and closes the bus.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for ch, subs := range h.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, ch)
	}
	h.count = 0
	h.mu.Unlock()
	metrics.UpdateBroadcastSubscribers(0)

	if h.bus != nil {
		return h.bus.Close()
	}
	return nil
}
