package asyncx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Progress records a checkpoint for the task being run.
type Progress func(percent int, message string)

// Work is the job executed for every submitted payload. Its result is JSON
// encoded and stored as the task result.
type Work func(ctx context.Context, taskID string, payload []byte, progress Progress) (any, error)

// Dispatcher schedules an already registered task for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string, payload []byte) error
}

type RunnerOptions struct {
	// Dispatcher defaults to one goroutine per task in this process.
	Dispatcher Dispatcher
	Logger     *zap.Logger
	// BaseContext is the parent context of background work.
	BaseContext context.Context
	// NewID defaults to random UUIDs.
	NewID func() string
}

// Runner owns the task lifecycle: it registers submissions, hands them to a
// Dispatcher and converts the outcome of Work into a terminal state.
type Runner struct {
	store      Store
	work       Work
	dispatcher Dispatcher
	log        *zap.Logger
	baseCtx    context.Context
	newID      func() string
	wg         sync.WaitGroup
}

func NewRunner(store Store, work Work, opts RunnerOptions) *Runner {
	r := &Runner{
		store:      store,
		work:       work,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger,
		baseCtx:    opts.BaseContext,
		newID:      opts.NewID,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.baseCtx == nil {
		r.baseCtx = context.Background()
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.dispatcher == nil {
		r.dispatcher = goDispatcher{r: r}
	}
	return r
}

// Submit registers a pending task and schedules it. It returns as soon as
// the task is scheduled, without waiting for any stage to start.
func (r *Runner) Submit(ctx context.Context, payload []byte) (string, error) {
	id := r.newID()
	if err := r.store.InsertCreated(ctx, newPendingRecord(id, time.Now().UTC())); err != nil {
		return "", fmt.Errorf("register task: %w", err)
	}
	if err := r.dispatcher.Dispatch(ctx, id, payload); err != nil {
		r.log.Error("dispatch task", zap.String("task_id", id), zap.Error(err))
		r.fail(r.log.With(zap.String("task_id", id)), id, "task could not be scheduled")
		return "", fmt.Errorf("dispatch task %s: %w", id, err)
	}
	r.log.Info("task submitted", zap.String("task_id", id), zap.Int("payload_bytes", len(payload)))
	return id, nil
}

// Poll returns the current snapshot of a task.
func (r *Runner) Poll(ctx context.Context, taskID string) (*TaskRecord, error) {
	return r.store.GetByID(ctx, taskID)
}

// Result returns the stored result of a completed task. It returns
// ErrNotFound, ErrNotReady, or a *FailedError for failed tasks.
func (r *Runner) Result(ctx context.Context, taskID string) (json.RawMessage, error) {
	rec, err := r.store.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusCompleted:
		return rec.Result, nil
	case StatusFailed:
		msg := ""
		if rec.ErrorMsg != nil {
			msg = *rec.ErrorMsg
		}
		return nil, &FailedError{TaskID: taskID, Message: msg}
	default:
		return nil, ErrNotReady
	}
}

// Run executes Work for a registered task and records the terminal state.
// Errors and panics from Work never escape as panics; the returned error is
// informational for dispatchers that track outcomes.
func (r *Runner) Run(ctx context.Context, taskID string, payload []byte) (err error) {
	log := r.log.With(zap.String("task_id", taskID))
	defer func() {
		if p := recover(); p != nil {
			log.Error("task panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			r.fail(log, taskID, internalFailureMsg)
			err = fmt.Errorf("task %s panicked: %v", taskID, p)
		}
	}()

	// Lifecycle writes must land even after ctx is cancelled.
	wctx := context.WithoutCancel(ctx)
	if err := r.store.MarkStarted(wctx, taskID, time.Now()); err != nil {
		r.writeFailed(log, "mark started", err)
		r.failAfterWrite(log, taskID, err)
		return err
	}
	log.Info("task started")

	result, err := r.work(ctx, taskID, payload, r.progress(ctx, log, taskID))
	if err != nil {
		log.Error("task failed", zap.Error(err))
		r.fail(log, taskID, publicMessage(err))
		return err
	}
	raw, err := sonic.Marshal(result)
	if err != nil {
		log.Error("encode task result", zap.Error(err))
		r.fail(log, taskID, "failed to encode task result")
		return err
	}
	if err := r.store.MarkCompleted(wctx, taskID, raw, time.Now()); err != nil {
		r.writeFailed(log, "mark completed", err)
		r.failAfterWrite(log, taskID, err)
		return err
	}
	log.Info("task completed", zap.Int("result_bytes", len(raw)))
	return nil
}

// Wait blocks until in-process tasks finish or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) progress(ctx context.Context, log *zap.Logger, taskID string) Progress {
	return func(percent int, message string) {
		if err := r.store.MarkProgress(ctx, taskID, percent, message); err != nil {
			r.writeFailed(log, "mark progress", err)
			return
		}
		log.Debug("task progress", zap.Int("progress", percent), zap.String("stage", message))
	}
}

func (r *Runner) fail(log *zap.Logger, taskID, msg string) {
	if err := r.store.MarkFailed(context.WithoutCancel(r.baseCtx), taskID, msg, time.Now()); err != nil {
		r.writeFailed(log, "mark failed", err)
	}
}

// failAfterWrite records a failure when a lifecycle write did not go
// through, so the task still ends terminal. Finished or unknown tasks are
// left alone.
func (r *Runner) failAfterWrite(log *zap.Logger, taskID string, err error) {
	if errors.Is(err, ErrTaskFinished) || errors.Is(err, ErrNotFound) {
		return
	}
	r.fail(log, taskID, internalFailureMsg)
}

// writeFailed logs a registry write error. Writing to an id the runner did
// not register is a programming error.
func (r *Runner) writeFailed(log *zap.Logger, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		log.DPanic("registry write to unknown task", zap.String("op", op), zap.Error(err))
		return
	}
	log.Error("registry write failed", zap.String("op", op), zap.Error(err))
}

// goDispatcher runs each task on its own goroutine.
type goDispatcher struct {
	r *Runner
}

func (d goDispatcher) Dispatch(_ context.Context, taskID string, payload []byte) error {
	payload = bytes.Clone(payload)
	d.r.wg.Add(1)
	go func() {
		defer d.r.wg.Done()
		_ = d.r.Run(d.r.baseCtx, taskID, payload)
	}()
	return nil
}
