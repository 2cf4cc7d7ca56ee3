package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mohans/auditx/asyncx"
	"github.com/mohans/auditx/internal/catalog"
	"github.com/mohans/auditx/internal/compliance"
	"github.com/mohans/auditx/internal/config"
	"github.com/mohans/auditx/internal/configdoc"
	"github.com/mohans/auditx/internal/judge"
)

// openStore returns the task registry selected by cfg and its closer.
func openStore(ctx context.Context, cfg config.StoreConfig) (asyncx.Store, func() error, error) {
	if cfg.Driver != "sqlite" {
		store := asyncx.NewMemoryStore(asyncx.MemoryStoreOptions{
			FinishedTTL: cfg.FinishedTTL,
			MaxFinished: cfg.MaxFinished,
		})
		return store, func() error { return nil }, nil
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store := asyncx.NewSQLStore(db, asyncx.SQLStoreOptions{})
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate task store: %w", err)
	}
	return store, db.Close, nil
}

func judgeConfig(cfg config.EvaluatorConfig) judge.Config {
	return judge.Config{
		Provider:          cfg.Provider,
		Model:             cfg.Model,
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		APIVersion:        cfg.APIVersion,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxAttempts:       cfg.MaxAttempts,
		Backoff:           cfg.Backoff,
	}
}

// buildPipeline assembles parse, catalog and evaluation. It returns
// judge.ErrNotConfigured when no API key is set.
func buildPipeline(ctx context.Context, cfg *config.Config, log *zap.Logger) (*compliance.Pipeline, error) {
	jc := judgeConfig(cfg.Evaluator)
	chat, err := judge.NewChatModel(ctx, jc)
	if err != nil {
		if errors.Is(err, judge.ErrNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	agg := compliance.NewAggregator(judge.New(chat, jc, log.Named("judge")), compliance.AggregatorOptions{
		Concurrency: cfg.Evaluator.Concurrency,
		Policy:      compliance.Policy(cfg.Evaluator.Policy),
		Logger:      log.Named("aggregator"),
	})
	return compliance.NewPipeline(configdoc.Parser{}, catalog.CSVLoader{}, cfg.Catalog.Path, agg, log.Named("pipeline")), nil
}

// buildWork returns the task body for serve. Without an API key the service
// still starts, reports unhealthy, and every task fails with a clear message.
func buildWork(ctx context.Context, cfg *config.Config, log *zap.Logger) (asyncx.Work, bool, error) {
	p, err := buildPipeline(ctx, cfg, log)
	switch {
	case err == nil:
		return p.Run, true, nil
	case errors.Is(err, judge.ErrNotConfigured):
		log.Warn("evaluator api key not set; submitted tasks will fail")
		return func(context.Context, string, []byte, asyncx.Progress) (any, error) {
			return nil, judge.ErrNotConfigured
		}, false, nil
	default:
		return nil, false, err
	}
}

func redisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}
