// Package app wires the scorer components from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/repo-scorer/internal/config"
	"github.com/Sternrassler/repo-scorer/pkg/github"
	"github.com/Sternrassler/repo-scorer/pkg/pagination"
	"github.com/Sternrassler/repo-scorer/pkg/ratelimit"
	"github.com/Sternrassler/repo-scorer/pkg/resilience"
	"github.com/Sternrassler/repo-scorer/pkg/scorer"
	"github.com/Sternrassler/repo-scorer/pkg/scoring"
)

// App holds the wired components.
type App struct {
	Service  *scorer.Service
	Executor *resilience.Executor
	Tracker  *ratelimit.Tracker
	GitHub   *github.Client

	redis  *redis.Client
	logger zerolog.Logger
}

// New builds an App. When cfg.Redis.Addr is set the connection is checked
// before anything else is created.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{logger: logger}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	} else {
		logger.Info().Msg("No Redis configured, keeping quota state in memory")
	}

	a.Tracker = ratelimit.NewTracker(a.redis, logger.With().Str("component", "quota-tracker").Logger())

	gh, err := github.New(cfg.GitHubClient(), a.Tracker, logger)
	if err != nil {
		return nil, a.closeOnError(fmt.Errorf("create github client: %w", err))
	}
	a.GitHub = gh

	policy := cfg.Policy()
	executor, err := resilience.NewExecutor(resilience.DefaultPolicy(),
		resilience.WithLogger(logger.With().Str("component", "resilience").Logger()))
	if err != nil {
		return nil, a.closeOnError(err)
	}
	pageCfg := cfg.Pagination()
	if err := executor.Register(pageCfg.OperationKey, policy); err != nil {
		return nil, a.closeOnError(err)
	}
	a.Executor = executor

	orch, err := pagination.NewOrchestrator(gh, executor, pageCfg,
		logger.With().Str("component", "pagination").Logger())
	if err != nil {
		return nil, a.closeOnError(fmt.Errorf("create orchestrator: %w", err))
	}

	assembler := scoring.NewAssembler(scoring.DefaultStrategy(), cfg.Fetch.ScoringWorkers,
		logger.With().Str("component", "scoring").Logger())

	a.Service = scorer.NewService(orch, assembler, cfg.Ceiling(),
		logger.With().Str("component", "scorer").Logger())

	return a, nil
}

// Close releases the Redis connection, if any.
func (a *App) Close() error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *App) closeOnError(err error) error {
	return errors.Join(err, a.Close())
}
