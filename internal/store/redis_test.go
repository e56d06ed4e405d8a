package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// redisClient returns a client against a local server, skipping the test
// when none is reachable.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisWorkflowStoreRoundTrip(t *testing.T) {
	s := NewRedisWorkflowStore(redisClient(t))
	ctx := context.Background()

	wf := &model.Workflow{
		Name:   "redis test",
		Active: true,
		Nodes:  []model.Node{{Name: "Start", Type: "start"}},
	}
	require.NoError(t, s.Create(ctx, wf))

	got, err := s.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "redis test", got.Name)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "start", got.Nodes[0].Type)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.Delete(ctx, wf.ID))
	_, err = s.Get(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
