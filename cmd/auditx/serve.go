package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohans/auditx/asyncx"
	"github.com/mohans/auditx/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background task runner",
	Example: `  auditx serve
  auditx serve --config config.yaml --port 8080
  REDIS_ADDR=127.0.0.1:6379 auditx serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	work, evaluatorOK, err := buildWork(ctx, cfg, log)
	if err != nil {
		return err
	}

	// Background work outlives the signal context so running tasks get the
	// shutdown grace period to finish.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	runnerOpts := asyncx.RunnerOptions{Logger: log.Named("runner"), BaseContext: workCtx}

	var (
		queue     *asyncx.QueueClient
		processor *asyncx.Processor
		rdb       *redis.Client
	)
	if cfg.Queue.Enabled {
		queue = asyncx.NewQueueClient(redisOpt(cfg.Queue), asyncx.ClientOptions{Queue: cfg.Queue.Queue})
		defer func() { _ = queue.Close() }()
		runnerOpts.Dispatcher = queue
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
	}
	runner := asyncx.NewRunner(store, work, runnerOpts)

	srvOpts := server.Options{
		MaxUploadBytes:      cfg.Server.MaxUploadBytes,
		EnableCORS:          cfg.Server.EnableCORS,
		ReadTimeout:         cfg.Server.ReadTimeout,
		WriteTimeout:        cfg.Server.WriteTimeout,
		EvaluatorConfigured: evaluatorOK,
		Logger:              log.Named("http"),
	}
	if rdb != nil {
		srvOpts.Redis = rdb
	}
	srv := server.New(runner, srvOpts)

	errCh := make(chan error, 2)
	if cfg.Queue.Enabled {
		processor = asyncx.NewProcessor(redisOpt(cfg.Queue), runner, asyncx.ProcessorConfig{
			Concurrency: cfg.Queue.Concurrency,
			Queues:      map[string]int{cfg.Queue.Queue: 1},
			Logger:      log.Named("queue"),
		})
		go func() {
			if err := processor.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	go func() {
		errCh <- srv.Listen(cfg.Addr())
	}()

	log.Info("auditx started",
		zap.String("addr", cfg.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("queue", cfg.Queue.Enabled),
		zap.Bool("evaluator_configured", evaluatorOK),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server stopped", zap.Error(runErr))
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(graceCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if processor != nil {
		processor.Shutdown()
	}
	if err := runner.Wait(graceCtx); err != nil {
		log.Warn("tasks still running at shutdown; cancelling", zap.Error(err))
		cancelWork()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
