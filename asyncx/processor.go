package asyncx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Processor runs queued tasks through a Runner and keeps the Runner's Store
// in sync with the asynq lifecycle.
type Processor struct {
	server   *asynq.Server
	runner   *Runner
	taskType string
	log      *zap.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	TaskType    string
	Logger      *zap.Logger
}

func NewProcessor(redisOpt asynq.RedisClientOpt, runner *Runner, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	tt := cfg.TaskType
	if tt == "" {
		tt = DefaultTaskType
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: con,
		Queues:      qs,
		Logger:      log.Sugar(),
	})
	return &Processor{server: server, runner: runner, taskType: tt, log: log}
}

func (p *Processor) handle(ctx context.Context, t *asynq.Task) error {
	var qp queuedPayload
	if err := json.Unmarshal(t.Payload(), &qp); err != nil {
		return fmt.Errorf("decode queued payload: %w", err)
	}
	return p.runner.Run(ctx, qp.TaskID, qp.Payload)
}

// lifecycleMiddleware makes sure every queued task ends terminal in the
// Store, including payloads the handler could not decode, and stops asynq
// from retrying a task the registry already reports as failed.
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		if err == nil {
			p.log.Debug("queued task done", zap.String("task_id", id), zap.Duration("elapsed", time.Since(start)))
			return nil
		}
		if id != "" {
			if rec, gerr := p.runner.store.GetByID(ctx, id); gerr == nil && !rec.Status.Terminal() {
				_ = p.runner.store.MarkFailed(context.WithoutCancel(ctx), id, internalFailureMsg, time.Now().UTC())
			}
		}
		p.log.Warn("queued task failed", zap.String("task_id", id), zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	})
}

// Start runs the asynq server until Shutdown. It blocks.
func (p *Processor) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(p.taskType, p.handle)
	return p.server.Run(p.lifecycleMiddleware(mux))
}

func (p *Processor) Shutdown() { p.server.Shutdown() }
