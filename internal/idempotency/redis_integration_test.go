//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	addr, err := c.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(startRedis(t), time.Minute)

	ok, err := s.Lock(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Lock(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.Recall(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Remember(ctx, "u1", "k1", "chk-1"))
	v, found, err := s.Recall(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "chk-1", v)

	require.NoError(t, s.Unlock(ctx, "u1", "k1"))
	ok, err = s.Lock(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}
