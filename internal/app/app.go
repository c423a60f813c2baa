// Package app wires configuration into a ready reassignment engine. The
// server, the CLI and the backfill worker share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/config"
	"github.com/hackgods/appointment-reassignment/internal/consent"
	"github.com/hackgods/appointment-reassignment/internal/db"
	"github.com/hackgods/appointment-reassignment/internal/decision"
	"github.com/hackgods/appointment-reassignment/internal/llm"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/matching"
	"github.com/hackgods/appointment-reassignment/internal/notify"
	"github.com/hackgods/appointment-reassignment/internal/observability"
	"github.com/hackgods/appointment-reassignment/internal/records"
	redisclient "github.com/hackgods/appointment-reassignment/internal/redis"
	"github.com/hackgods/appointment-reassignment/internal/workflow"
)

type Options struct {
	// ConsentReplies scripts offer answers in order instead of waiting on
	// Redis. Used by the CLI.
	ConsentReplies []string
	// SkipRedis keeps Redis out even when configured.
	SkipRedis bool
}

type App struct {
	Config   config.Config
	Log      *logger.Logger
	Repo     records.Repository
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Engine   *workflow.Engine
	Backfill *backfill.Matcher
	// Responses is set when offer replies arrive through Redis.
	Responses *consent.RedisResponses
	Tracing   *observability.Tracing
}

func Build(ctx context.Context, cfg config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: log}

	repo, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repo = repo

	if cfg.RedisAddr != "" && !opts.SkipRedis {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		a.Redis = rdb
		log.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	tracing, err := observability.NewTracing(ctx, log, observability.TracingConfig{
		ServiceName: "appointment-reassignment",
		Environment: cfg.Env,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.Tracing = tracing

	sink := a.sink()
	scorer := matching.NewEngine()
	a.Backfill = backfill.NewMatcher(repo, sink, log, cfg.BackfillMinRisk)

	var source consent.ResponseSource
	switch {
	case len(opts.ConsentReplies) > 0 || a.Redis == nil:
		source = consent.NewScriptedResponses(opts.ConsentReplies...)
	default:
		a.Responses = consent.NewRedisResponses(a.Redis)
		source = a.Responses
	}

	var locker redisclient.Locker = redisclient.NewLocalLocker()
	if a.Redis != nil {
		locker = redisclient.NewRedisProviderLocker(a.Redis, cfg.LockTTL)
	}

	a.Engine = workflow.New(workflow.Deps{
		Repo:     repo,
		Scorer:   scorer,
		Decision: a.decisionProvider(scorer),
		Consent:  consent.NewCoordinator(sink, source, cfg.OfferTimeout, log),
		Backfill: a.Backfill,
		Sink:     sink,
		Locker:   locker,
		Tracing:  tracing,
		Log:      log,
	}, workflow.Config{
		DecisionTimeout: cfg.DecisionTimeout,
		MaxOffers:       cfg.MaxOffers,
		HODProviderID:   cfg.HODProviderID,
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context) (records.Repository, error) {
	cfg := a.Config
	switch cfg.StoreDriver {
	case config.StoreMemory:
		if cfg.SnapshotFile == "" {
			a.Log.Warn("memory store without SNAPSHOT_FILE starts empty")
			return records.NewMemoryRepository(), nil
		}
		f, err := os.Open(cfg.SnapshotFile)
		if err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		defer f.Close()
		repo, err := records.LoadSnapshot(ctx, f)
		if err != nil {
			return nil, err
		}
		a.Log.Info("loaded snapshot", "file", cfg.SnapshotFile)
		return repo, nil

	case config.StorePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.PgPool = pool
		repo := records.NewPgRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.Log.Info("connected to postgres")
		return repo, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func (a *App) sink() notify.Sink {
	if a.Config.NotifySink == config.SinkRedis && a.Redis != nil {
		return notify.NewRedisStreamSink(a.Redis, notify.DefaultStream)
	}
	return notify.NewLogSink(a.Log)
}

// decisionProvider returns nil for rule-based mode; the engine then decides
// with the scoring engine alone. A model-backed mode without a usable client
// degrades to rule-based too.
func (a *App) decisionProvider(scorer *matching.Engine) decision.Provider {
	cfg := a.Config
	if cfg.DecisionMode == config.DecisionRuleBased {
		return nil
	}

	client, err := llm.New(a.Log, llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
	})
	if err != nil {
		if errors.Is(err, llm.ErrMissingAPIKey) {
			a.Log.Warn("OPENAI_API_KEY not set, deciding rule-based", "decision_mode", cfg.DecisionMode)
		} else {
			a.Log.Error("llm client init failed, deciding rule-based", "error", err)
		}
		return nil
	}

	if cfg.DecisionMode == config.DecisionToolCalling {
		return decision.NewToolCallingProvider(client, scorer, a.Log)
	}
	return decision.NewTemplateProvider(client, a.Log)
}

// Close releases every connection Build opened.
func (a *App) Close() {
	if a.Tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Tracing.Shutdown(ctx); err != nil {
			a.Log.Warn("tracing shutdown failed", "error", err)
		}
		cancel()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn("error closing redis", "error", err)
		}
	}
	if a.PgPool != nil {
		a.PgPool.Close()
	}
}
