package database

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/retry"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns defaults for the cart store on a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     50,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewRedisClient connects with the default startup retry policy and verifies
// the connection with a ping. Zero pool and timeout fields keep go-redis
// defaults. logger may be nil.
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	policy := retry.DefaultPolicy()
	attempt := 0
	err := retry.Do(ctx, policy, nil, func(ctx context.Context) error {
		attempt++
		err := client.Ping(ctx).Err()
		if err != nil && logger != nil && attempt < policy.Attempts {
			logger.Warn("redis ping failed, retrying",
				slog.String("addr", cfg.Addr()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
