package repo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow-core/server/internal/agent/audit"
	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/model"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	c := redis.NewClient(opts)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()).Err())
	return c
}

func exerciseRepository(t *testing.T, r model.ConversationRepository) {
	ctx := context.Background()
	id := uuid.NewString()

	h, err := r.Load(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, h.Messages)

	require.NoError(t, r.Append(ctx, id,
		schema.UserMessage("ship all orders in Texas"),
		schema.AssistantMessage("Here is the preview.", nil),
	))
	require.NoError(t, r.Append(ctx, id, schema.UserMessage("yes")))

	n, err := r.Count(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	h, err = r.Load(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, h.Messages, 3)
	assert.Equal(t, schema.User, h.Messages[0].Role)
	assert.Equal(t, "Here is the preview.", h.Messages[1].Content)

	h, err = r.Load(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "Here is the preview.", h.Messages[0].Content)
	assert.Equal(t, "yes", h.Messages[1].Content)

	require.NoError(t, r.Clear(ctx, id))
	n, err = r.Count(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryConversationRepository(t *testing.T) {
	exerciseRepository(t, NewMemoryConversationRepository())
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	r := NewMemoryConversationRepository()
	ctx := context.Background()
	require.NoError(t, r.Append(ctx, "c", schema.UserMessage("hello")))

	h, err := r.Load(ctx, "c", 0)
	require.NoError(t, err)
	h.Messages[0].Content = "changed"

	h, err = r.Load(ctx, "c", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", h.Messages[0].Content)
}

func TestRedisConversationRepository(t *testing.T) {
	c := redisClient(t)
	exerciseRepository(t, NewRedisConversationRepository(c, "shipflow-test", time.Minute))
}

func TestRedisBatchStore(t *testing.T) {
	c := redisClient(t)
	s := NewRedisBatchStore(c, "shipflow-test")
	ctx := context.Background()

	_, err := s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, batch.ErrNotFound)

	b := &batch.Batch{
		ID:             uuid.NewString(),
		Name:           "Texas orders",
		ConversationID: uuid.NewString(),
		State:          batch.StateCompleted,
		Rows:           []batch.Row{{Index: 1, Fields: model.Shipment{"postal_code": "78701"}}},
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Save(ctx, b))
	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Name, got.Name)
	assert.Equal(t, "78701", got.Rows[0].Fields["postal_code"])

	require.NoError(t, s.Archive(ctx, b))
	ids, err := s.Archived(ctx, b.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)
}

func exerciseAuditStore(t *testing.T, s audit.Store) {
	ctx := context.Background()
	conv := uuid.NewString()

	runs, err := s.Runs(ctx, conv, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	for i, route := range []string{"agent", "confirm", "cancel", "agent"} {
		require.NoError(t, s.Append(ctx, audit.Run{
			ID:             fmt.Sprintf("run-%d", i),
			ConversationID: conv,
			Route:          route,
			Status:         audit.StatusCompleted,
			Decisions:      []audit.Decision{{Seq: 1, Phase: audit.PhaseRouting, Detail: route}},
		}))
	}
	require.NoError(t, s.Append(ctx, audit.Run{ID: "elsewhere", ConversationID: uuid.NewString()}))

	runs, err = s.Runs(ctx, conv, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID, "newest first")
	assert.Equal(t, "run-2", runs[1].ID)

	// capped at three runs
	runs, err = s.Runs(ctx, conv, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-1", runs[2].ID)
	assert.Equal(t, audit.PhaseRouting, runs[2].Decisions[0].Phase)
}

func TestMemoryAuditStore(t *testing.T) {
	exerciseAuditStore(t, audit.NewMemoryStore(3))
}

func TestRedisAuditStore(t *testing.T) {
	c := redisClient(t)
	exerciseAuditStore(t, NewRedisAuditStore(c, "shipflow-test", time.Minute, 3))
}
