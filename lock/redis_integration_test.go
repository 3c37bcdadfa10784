//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap/zaptest"
)

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })
	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedis(rdb, "vidfab:lock:", zaptest.NewLogger(t))

	release, ok, err := l.TryLock(ctx, "sync:p1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sync:p1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	release()
	_, ok, err = l.TryLock(ctx, "sync:p1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
