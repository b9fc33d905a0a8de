package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore_AddContainsExpire(t *testing.T) {
	store := NewMemoryIdempotencyStore(20 * time.Millisecond)
	ctx := context.Background()

	got, err := store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, store.Add(ctx, "evt-1"))
	got, err = store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 1, store.Len())

	time.Sleep(30 * time.Millisecond)
	got, err = store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryIdempotencyStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("evt-%d", i%10)
			_ = store.Add(ctx, id)
			_, _ = store.Contains(ctx, id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, store.Len())
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisIdempotencyStore(client, "travelcart:processed:", time.Hour)
	ctx := context.Background()

	got, err := store.Contains(ctx, "evt-9")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, store.Add(ctx, "evt-9"))
	got, err = store.Contains(ctx, "evt-9")
	require.NoError(t, err)
	assert.True(t, got)
	assert.True(t, mr.Exists("travelcart:processed:evt-9"))

	mr.FastForward(2 * time.Hour)
	got, err = store.Contains(ctx, "evt-9")
	require.NoError(t, err)
	assert.False(t, got)
}

type failingStore struct{}

func (failingStore) Contains(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) Add(context.Context, string) error { return errors.New("store down") }

func TestIdempotentHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate is skipped", func(t *testing.T) {
		calls := 0
		h := IdempotentHandler(NewMemoryIdempotencyStore(time.Minute), func(context.Context, *Event) error {
			calls++
			return nil
		}, testLogger())

		event := &Event{EventID: "evt-1", EventType: "order.created"}
		require.NoError(t, h(ctx, event))
		require.NoError(t, h(ctx, event))
		assert.Equal(t, 1, calls)
	})

	t.Run("failure is not recorded", func(t *testing.T) {
		store := NewMemoryIdempotencyStore(time.Minute)
		fail := true
		calls := 0
		h := IdempotentHandler(store, func(context.Context, *Event) error {
			calls++
			if fail {
				return errors.New("transient")
			}
			return nil
		}, testLogger())

		event := &Event{EventID: "evt-2"}
		require.Error(t, h(ctx, event))
		fail = false
		require.NoError(t, h(ctx, event))
		assert.Equal(t, 2, calls)
	})

	t.Run("empty id and store failure pass through", func(t *testing.T) {
		calls := 0
		inner := func(context.Context, *Event) error {
			calls++
			return nil
		}

		require.NoError(t, IdempotentHandler(NewMemoryIdempotencyStore(time.Minute), inner, testLogger())(ctx, &Event{}))
		require.NoError(t, IdempotentHandler(failingStore{}, inner, testLogger())(ctx, &Event{EventID: "evt-3"}))
		assert.Equal(t, 2, calls)
	})
}
