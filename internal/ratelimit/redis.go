package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

const (
	redisKeyPrefix = "ratelimit:"
	window         = time.Minute
)

// Redis is a fixed 60-second window counter shared by every replica.
// Redis failures allow the request: a brief over-count is acceptable, a
// false rejection is not.
type Redis struct {
	client  *redis.Client
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger, nowFunc: time.Now}
}

func (r *Redis) key(identity domain.Identity, now time.Time) string {
	slot := now.Unix() / int64(window/time.Second)
	return redisKeyPrefix + identity.Key() + ":" + strconv.FormatInt(slot, 10)
}

// Allow increments the identity's counter for the current window.
func (r *Redis) Allow(ctx context.Context, identity domain.Identity, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}

	key := r.key(identity, r.nowFunc())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WarnContext(ctx, "rate limit counter unavailable, allowing request",
			slog.String("identity", identity.Key()),
			slog.String("error", fmt.Errorf("redis incr: %w", err).Error()),
		)
		return true, nil
	}

	return incr.Val() <= int64(perMinute), nil
}
