//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start Redis container")

	endpoint, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.Ping(ctx).Err())

	t.Cleanup(func() {
		client.Close()
		_ = redisContainer.Terminate(ctx)
	})

	return client
}

func TestTracker_Integration_SharedState(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	writer := NewTracker(client, zerolog.Nop())
	writer.now = func() time.Time { return testNow }
	reader := NewTracker(client, zerolog.Nop())
	reader.now = func() time.Time { return testNow }

	require.NoError(t, writer.UpdateFromHeaders(ctx, quotaHeaders(30, 0, 45*time.Second, "search")))

	allowed, wait, err := reader.ShouldAllowRequest(ctx, "search")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 45*time.Second, wait)

	require.NoError(t, writer.UpdateFromHeaders(ctx, quotaHeaders(30, 30, time.Minute, "search")))

	allowed, _, err = reader.ShouldAllowRequest(ctx, "search")
	require.NoError(t, err)
	assert.True(t, allowed)
}
