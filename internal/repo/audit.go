package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shipflow-core/server/internal/agent/audit"
	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

// RedisAuditStore keeps a capped list of JSON runs per conversation,
// oldest first.
type RedisAuditStore struct {
	rdb     redis.Cmdable
	prefix  string
	ttl     time.Duration
	maxRuns int
}

func NewRedisAuditStore(rdb redis.Cmdable, prefix string, ttl time.Duration, maxRuns int) *RedisAuditStore {
	if maxRuns <= 0 {
		maxRuns = audit.DefaultMaxRuns
	}
	return &RedisAuditStore{rdb: rdb, prefix: prefix, ttl: ttl, maxRuns: maxRuns}
}

func (s *RedisAuditStore) auditKey(conversationID string) string {
	return fmt.Sprintf("%s:conversation:%s:audit", s.prefix, conversationID)
}

func (s *RedisAuditStore) Append(ctx context.Context, run audit.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal audit run: %w", err)
	}
	key := s.auditKey(run.ConversationID)

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -int64(s.maxRuns), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logx.Error().Err(err).Str("key", key).Str("run_id", run.ID).Msg("failed to append audit run")
		return errx.WrapRedis(err)
	}
	return nil
}

func (s *RedisAuditStore) Runs(ctx context.Context, conversationID string, limit int) ([]audit.Run, error) {
	key := s.auditKey(conversationID)

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	rows, err := s.rdb.LRange(ctx, key, start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logx.Error().Err(err).Str("key", key).Msg("failed to load audit runs")
		return nil, errx.WrapRedis(err)
	}

	out := make([]audit.Run, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var run audit.Run
		if err := json.Unmarshal([]byte(rows[i]), &run); err != nil {
			return nil, fmt.Errorf("unmarshal audit run at index %d: %w", i, err)
		}
		out = append(out, run)
	}
	return out, nil
}

var _ audit.Store = (*RedisAuditStore)(nil)
