// Package app assembles the storage, redis and service graph shared by the
// API, the open-event worker and the maintenance tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/campaign"
	"github.com/noah-isme/mailtrack/internal/common"
	"github.com/noah-isme/mailtrack/internal/config"
	"github.com/noah-isme/mailtrack/internal/generator"
	"github.com/noah-isme/mailtrack/internal/lock"
	"github.com/noah-isme/mailtrack/internal/mail"
	"github.com/noah-isme/mailtrack/internal/obs"
	"github.com/noah-isme/mailtrack/internal/repo"
	"github.com/noah-isme/mailtrack/internal/token"
)

// Store is the combined record and experiment storage.
type Store interface {
	mail.Store
	abtest.Store
}

// Dependencies enumerates the shared infrastructure of one process.
type Dependencies struct {
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Store  Store
	Logger zerolog.Logger
}

// Open connects to Postgres and redis as configured. An empty DATABASE_URL
// selects the in-memory store; an empty REDIS_URL leaves Redis nil.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, applicationName string) (*Dependencies, error) {
	deps := &Dependencies{Logger: logger}

	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		deps.Store = repo.NewMemoryStore()
	} else {
		if cfg.DBAutoMigrate {
			if err := repo.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
			logger.Info().Msg("database migrations applied")
		}
		pool, err := openPool(ctx, cfg.DatabaseURL, applicationName)
		if err != nil {
			return nil, err
		}
		deps.DB = pool
		deps.Store = repo.NewPGStore(pool)
	}

	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Redis = rdb
	}
	return deps, nil
}

func openPool(ctx context.Context, dsn, applicationName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, url string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Close releases the pool and the redis client.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// AsynqConnOpt derives the asynq connection from REDIS_URL.
func AsynqConnOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required for the task queue")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url for asynq: %w", err)
	}
	return opt, nil
}

// NewGenerator builds the content generation client from configuration.
func NewGenerator(cfg *config.Config, logger zerolog.Logger) *generator.Client {
	return generator.NewClient(generator.Options{
		BaseURL:     cfg.GeneratorBaseURL,
		APIKey:      cfg.GeneratorAPIKey,
		Model:       cfg.GeneratorModel,
		Temperature: cfg.GeneratorTemperature,
		MaxTokens:   cfg.GeneratorMaxTokens,
		Timeout:     cfg.GeneratorTimeout,
		MaxAttempts: cfg.GeneratorMaxAttempts,
		Logger:      logger.With().Str("component", "generator").Logger(),
	})
}

// NewSender wires a campaign sender over deps. Email delivery itself is
// outside this service, so messages go to a no-op transport.
func (d *Dependencies) NewSender(cfg *config.Config, gen generator.ContentGenerator) *campaign.Sender {
	sender := &campaign.Sender{
		Records:       d.Store,
		Experiments:   d.Store,
		Generator:     gen,
		Tokens:        token.Generator{},
		Email:         common.NopEmailSender{},
		LockTTL:       cfg.LockTTL,
		PublicBaseURL: cfg.PublicBaseURL,
		Concurrency:   cfg.CampaignSendConcurrency,
		TokenAttempts: cfg.TokenMaxAttempts,
		Personalize:   cfg.CampaignPersonalize,
		Logger:        d.Logger.With().Str("component", "campaign").Logger(),
	}
	if d.Redis != nil {
		sender.Locker = &lock.Locker{R: d.Redis}
	}
	return sender
}
