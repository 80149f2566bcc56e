package dedupe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/verdict/pkg/logger"
)

// redisDeduper shares seen ids between replicas with SET NX and a TTL.
// Redis errors fail open: the event is treated as new.
type redisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	size   atomic.Int64
	logger logger.Logger
}

// NewRedisDeduper creates a deduper backed by Redis keys under prefix.
func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisDeduper{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.Get().Named("dedupe"),
	}
}

func (d *redisDeduper) SeenAndRecord(ctx context.Context, id string) bool {
	ok, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn(ctx, "redis dedupe failed", logger.String("id", id), logger.Error(err))
		return false
	}
	if ok {
		d.size.Add(1)
	}
	return !ok
}

func (d *redisDeduper) Unrecord(ctx context.Context, id string) {
	n, err := d.client.Del(ctx, d.prefix+id).Result()
	if err != nil {
		d.logger.Warn(ctx, "redis unrecord failed", logger.String("id", id), logger.Error(err))
		return
	}
	if n > 0 {
		d.size.Add(-1)
	}
}

// Size counts ids recorded by this process only.
func (d *redisDeduper) Size() int64 {
	return d.size.Load()
}
