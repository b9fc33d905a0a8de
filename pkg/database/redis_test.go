package database

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "localhost:6379", DefaultRedisConfig().Addr())
	assert.Equal(t, "[::1]:6380", RedisConfig{Host: "::1", Port: 6380}.Addr())
}

func miniredisConfig(t *testing.T, mr *miniredis.Miniredis) RedisConfig {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg := DefaultRedisConfig()
	cfg.Host = mr.Host()
	cfg.Port = port
	return cfg
}

func TestNewRedisClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), miniredisConfig(t, mr), discardLogger())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "cart:1", "v", 0).Err())
	got, err := mr.Get("cart:1")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisClient_GivesUpWhenContextEnds(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := miniredisConfig(t, mr)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	client, err := NewRedisClient(ctx, cfg, discardLogger())
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "ping redis")
}
