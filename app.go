package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shipflow-core/server/internal/agent/audit"
	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/conversations"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/policy"
	"github.com/shipflow-core/server/internal/agent/prompts"
	"github.com/shipflow-core/server/internal/agent/session"
	"github.com/shipflow-core/server/internal/agent/stream"
	"github.com/shipflow-core/server/internal/agent/turn"
	"github.com/shipflow-core/server/internal/collab"
	"github.com/shipflow-core/server/internal/metrics"
	"github.com/shipflow-core/server/internal/repo"
	logx "github.com/shipflow-core/server/pkg/logger"
)

// app is the wired runtime shared by the serve and chat commands.
type app struct {
	cfg      *AppConfig
	metrics  *metrics.Registry
	source   *collab.MemorySource
	engine   *batch.Engine
	sessions *session.Manager
	orch     *conversations.Orchestrator
	closers  []func() error
}

func buildApp(ctx context.Context, cfg *AppConfig) (*app, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	a := &app{cfg: cfg, metrics: metrics.New()}

	var (
		convRepo model.ConversationRepository = repo.NewMemoryConversationRepository()
		store    batch.Store                  = batch.NewMemoryStore()
		ledger   audit.Store                  = audit.NewMemoryStore(cfg.Conversation.Audit.MaxRuns)
	)
	if cfg.Redis.Enabled() {
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialise redis client: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		convRepo = repo.NewRedisConversationRepository(rdb, cfg.Redis.KeyPrefix, cfg.Conversation.TTL)
		store = repo.NewRedisBatchStore(rdb, cfg.Redis.KeyPrefix)
		ledger = repo.NewRedisAuditStore(rdb, cfg.Redis.KeyPrefix, cfg.Conversation.TTL, cfg.Conversation.Audit.MaxRuns)
		logx.Info().Msg("Connected to Redis")
	} else {
		logx.Warn().Msg("REDIS_URL not set; transcripts, batches and audit runs are kept in memory")
	}

	a.source = collab.NewMemorySource()
	if cfg.DataFile != "" {
		if err := loadCSV(a.source, cfg.DataFile); err != nil {
			return nil, err
		}
	}
	carrier := collab.NewSandboxCarrier()
	creds := collab.NewStaticCredentials(cfg.Carrier)
	directory := collab.NewMemoryDirectory(time.Now)

	a.engine = batch.NewEngine(store, carrier, creds, batch.Config{
		Concurrency: cfg.Batch.Concurrency,
		PreviewRows: cfg.Batch.PreviewRows,
		MaxRows:     cfg.Batch.MaxRows,
		Provider:    cfg.Carrier.Provider,
		Environment: cfg.Carrier.Environment,
	}, batch.WithObserver(a.metrics))

	surface, err := capability.New(capability.Deps{
		Source:      a.source,
		Directory:   directory,
		Credentials: creds,
		Batches:     a.engine,
		Provider:    cfg.Carrier.Provider,
		Environment: cfg.Carrier.Environment,
		MaxJobRows:  cfg.Batch.MaxRows,
	}, capability.WithDispatchObserver(a.metrics))
	if err != nil {
		return nil, err
	}
	guard, err := policy.NewGuard(surface, policy.WithDecisionObserver(a.metrics))
	if err != nil {
		return nil, err
	}
	builder, err := prompts.NewBuilder(surface)
	if err != nil {
		return nil, err
	}

	chat, err := turn.NewChatModel(ctx, turn.ChatModelConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		RespConfig: &cfg.Response,
	})
	if err != nil {
		return nil, err
	}
	factory := turn.NewFactory(chat, guard, surface, turn.Config{
		ModelName:    cfg.Response.Model,
		MaxToolCalls: cfg.Conversation.Tools.MaxCalls,
	}, turn.WithCallbacks(turn.NewCallbacks()))

	a.sessions = session.NewManager(builder, factory, session.Config{
		IdleTTL:         cfg.Session.IdleTTL,
		SweepInterval:   cfg.Session.SweepInterval,
		ContextContacts: cfg.Session.ContextContacts,
	}, session.WithObserver(a.metrics), session.WithDirectory(directory))

	a.orch, err = conversations.NewOrchestrator(conversations.Deps{
		Sessions:  a.sessions,
		Source:    a.source,
		Batches:   a.engine,
		Messages:  conversations.NewMessagesManager(convRepo, cfg.Conversation),
		Publisher: stream.NewPublisher(stream.WithPublishHook(a.metrics.EventPublished)),
		Audit:     ledger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func loadCSV(src *collab.MemorySource, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()
	if err := src.LoadCSV(filepath.Base(path), f); err != nil {
		return fmt.Errorf("load data file %s: %w", path, err)
	}
	logx.Info().Str("file", path).Msg("Data source connected")
	return nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			logx.Warn().Err(err).Msg("Close failed")
		}
	}
}
