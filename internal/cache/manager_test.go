package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	srv := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Addr = srv.Addr()
	cfg.HealthCheckInterval = 0

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerConnectsAndPings(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Ping(context.Background()))
	require.NotNil(t, m.Client())

	// The shared client is usable directly.
	require.NoError(t, m.Client().Set(context.Background(), "k", "v", 0).Err())
	val, err := m.Client().Get(context.Background(), "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestManagerClose(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Close())
	assert.Error(t, m.Ping(context.Background()), "ping after close must fail")
	require.NoError(t, m.Close(), "double close is a no-op")
}

func TestManagerRejectsUnreachableRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.MaxRetries = 0

	_, err := NewManager(cfg, nil)
	assert.Error(t, err)
}
