package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records processed event IDs. Implementations must be safe
// for concurrent use.
type IdempotencyStore interface {
	// Contains returns true if the event ID has already been processed.
	Contains(ctx context.Context, eventID string) (bool, error)
	// Add marks an event ID as processed.
	Add(ctx context.Context, eventID string) error
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore for single-instance
// deployments. Entries expire lazily after the TTL.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Contains checks if the event ID exists and is not expired.
func (s *MemoryIdempotencyStore) Contains(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	ts, exists := s.entries[eventID]
	s.mu.RUnlock()

	if !exists {
		return false, nil
	}
	if time.Since(ts) > s.ttl {
		s.mu.Lock()
		delete(s.entries, eventID)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Add marks the event ID as processed.
func (s *MemoryIdempotencyStore) Add(_ context.Context, eventID string) error {
	s.mu.Lock()
	s.entries[eventID] = time.Now()
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries, including ones not yet lazily expired.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore shares processed event IDs across replicas.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore stores IDs under prefix with the given TTL.
func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) key(eventID string) string {
	return s.prefix + eventID
}

// Contains reports whether the event ID key exists.
func (s *RedisIdempotencyStore) Contains(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Add records the event ID with the store TTL.
func (s *RedisIdempotencyStore) Add(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, s.key(eventID), 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("record processed event %s: %w", eventID, err)
	}
	return nil
}

// IdempotentHandler wraps a Handler so an event ID is handled at most once
// per store TTL. A store lookup failure processes the event anyway.
func IdempotentHandler(store IdempotencyStore, inner Handler, logger *slog.Logger) Handler {
	return func(ctx context.Context, event *Event) error {
		if event.EventID == "" {
			return inner(ctx, event)
		}

		exists, err := store.Contains(ctx, event.EventID)
		if err != nil {
			logger.Warn("idempotency store lookup failed, processing anyway",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
			return inner(ctx, event)
		}
		if exists {
			logger.Debug("skipping duplicate event",
				slog.String("event_id", event.EventID),
				slog.String("event_type", event.EventType),
				slog.String("aggregate_id", event.AggregateID),
			)
			return nil
		}

		if err := inner(ctx, event); err != nil {
			return err
		}

		if addErr := store.Add(ctx, event.EventID); addErr != nil {
			logger.Warn("failed to record event ID in idempotency store",
				slog.String("event_id", event.EventID),
				slog.String("error", addErr.Error()),
			)
		}
		return nil
	}
}
