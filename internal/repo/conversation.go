// Package repo holds the Redis-backed stores: conversation transcripts and
// the batch archive.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"

	"github.com/shipflow-core/server/internal/agent/model"
	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

type RedisConversationRepository struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisConversationRepository(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisConversationRepository {
	return &RedisConversationRepository{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (r *RedisConversationRepository) conversationKey(conversationID string) string {
	return fmt.Sprintf("%s:conversation:%s:messages", r.prefix, conversationID)
}

func (r *RedisConversationRepository) Append(ctx context.Context, conversationID string, messages ...*schema.Message) error {
	if len(messages) == 0 {
		return nil
	}
	values := make([]any, 0, len(messages))
	for _, m := range messages {
		b, err := json.Marshal(m)
		if err != nil {
			logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to marshal message")
			return fmt.Errorf("marshal message: %w", err)
		}
		values = append(values, b)
	}
	key := r.conversationKey(conversationID)

	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logx.Error().Err(err).Str("key", key).Int("messages", len(values)).Msg("failed to append messages")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisConversationRepository) Load(ctx context.Context, conversationID string, limit int) (*model.ConversationHistory, error) {
	key := r.conversationKey(conversationID)

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	rows, err := r.rdb.LRange(ctx, key, start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logx.Error().Err(err).Str("key", key).Msg("failed to load conversation history")
		return nil, errx.WrapRedis(err)
	}

	msgs := make([]*schema.Message, 0, len(rows))
	for i, raw := range rows {
		var m schema.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			logx.Error().Err(err).Str("conversation_id", conversationID).Int("index", i).Msg("failed to unmarshal message")
			return nil, fmt.Errorf("unmarshal message at index %d: %w", i, err)
		}
		msgs = append(msgs, &m)
	}
	return &model.ConversationHistory{ConversationID: conversationID, Messages: msgs}, nil
}

func (r *RedisConversationRepository) Clear(ctx context.Context, conversationID string) error {
	key := r.conversationKey(conversationID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete conversation history")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisConversationRepository) Count(ctx context.Context, conversationID string) (int, error) {
	n, err := r.rdb.LLen(ctx, r.conversationKey(conversationID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, errx.WrapRedis(err)
	}
	return int(n), nil
}

var _ model.ConversationRepository = (*RedisConversationRepository)(nil)
