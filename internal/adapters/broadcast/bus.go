package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/okian/verdict/pkg/logger"
)

// Bus relays snapshots between service instances.
type Bus interface {
	Publish(ctx context.Context, s Snapshot) error
	// Start forwards snapshots published by other instances to onMsg
	// until ctx ends.
	Start(ctx context.Context, onMsg func(Snapshot)) error
	Close() error
}

type envelope struct {
	Origin   string   `json:"origin"`
	Snapshot Snapshot `json:"snapshot"`
}

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	rdb     goredis.UniversalClient
	channel string
	origin  string
	log     logger.Logger
}

// NewRedisBus creates a bus on the given pub/sub channel.
func NewRedisBus(rdb goredis.UniversalClient, channel string, l logger.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if channel == "" {
		channel = "verdict:reports"
	}
	if l == nil {
		l = logger.Get().Named("broadcast_bus")
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     l,
	}, nil
}

// Publish sends a snapshot to the other instances.
func (b *RedisBus) Publish(ctx context.Context, s Snapshot) error {
	raw, err := json.Marshal(envelope{Origin: b.origin, Snapshot: s})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Start subscribes to the channel and forwards foreign snapshots.
func (b *RedisBus) Start(ctx context.Context, onMsg func(Snapshot)) error {
	if onMsg == nil {
		return errors.New("onMsg callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok || m == nil {
					return
				}
				b.forward(ctx, m.Payload, onMsg)
			}
		}
	}()
	return nil
}

func (b *RedisBus) forward(ctx context.Context, payload string, onMsg func(Snapshot)) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn(ctx, "bad relay payload", logger.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	onMsg(env.Snapshot)
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBus) Close() error {
	return nil
}
