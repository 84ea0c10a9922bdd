package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/shipflow-core/server/internal/agent/batch"
	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

// RedisBatchStore keeps each batch as one JSON value. Terminal batches are
// also indexed in a per-conversation archive set and never expire.
type RedisBatchStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisBatchStore(rdb redis.Cmdable, prefix string) *RedisBatchStore {
	return &RedisBatchStore{rdb: rdb, prefix: prefix}
}

func (s *RedisBatchStore) batchKey(id string) string {
	return fmt.Sprintf("%s:batch:%s", s.prefix, id)
}

func (s *RedisBatchStore) archiveKey(conversationID string) string {
	return fmt.Sprintf("%s:conversation:%s:archive", s.prefix, conversationID)
}

func (s *RedisBatchStore) Save(ctx context.Context, b *batch.Batch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if err := s.rdb.Set(ctx, s.batchKey(b.ID), raw, 0).Err(); err != nil {
		logx.Error().Err(err).Str("job_id", b.ID).Msg("failed to save batch")
		return errx.WrapRedis(err)
	}
	return nil
}

func (s *RedisBatchStore) Get(ctx context.Context, id string) (*batch.Batch, error) {
	raw, err := s.rdb.Get(ctx, s.batchKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, batch.ErrNotFound
		}
		logx.Error().Err(err).Str("job_id", id).Msg("failed to load batch")
		return nil, errx.WrapRedis(err)
	}
	var b batch.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s: %w", id, err)
	}
	return &b, nil
}

func (s *RedisBatchStore) Archive(ctx context.Context, b *batch.Batch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.batchKey(b.ID), raw, 0)
	pipe.SAdd(ctx, s.archiveKey(b.ConversationID), b.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		logx.Error().Err(err).Str("job_id", b.ID).Msg("failed to archive batch")
		return errx.WrapRedis(err)
	}
	return nil
}

// Archived lists archived batch ids for a conversation.
func (s *RedisBatchStore) Archived(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.archiveKey(conversationID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errx.WrapRedis(err)
	}
	return ids, nil
}

var _ batch.Store = (*RedisBatchStore)(nil)
