package asyncx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store abstracts the task registry.
// Implementations must be safe for concurrent use. Writes to an unknown id
// return ErrNotFound, writes to a finished task return ErrTaskFinished.
type Store interface {
	InsertCreated(ctx context.Context, rec TaskRecord) error
	MarkStarted(ctx context.Context, taskID string, startedAt time.Time) error
	MarkProgress(ctx context.Context, taskID string, percent int, message string) error
	MarkCompleted(ctx context.Context, taskID string, result json.RawMessage, finishedAt time.Time) error
	MarkFailed(ctx context.Context, taskID string, errorMsg string, finishedAt time.Time) error
	GetByID(ctx context.Context, taskID string) (*TaskRecord, error)
}

// MaxRunningProgress is the highest progress a task reports before it
// completes; 100 is reserved for StatusCompleted.
const MaxRunningProgress = 99

func clampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > MaxRunningProgress {
		return MaxRunningProgress
	}
	return percent
}

// MemoryStoreOptions controls retention of finished tasks.
type MemoryStoreOptions struct {
	// FinishedTTL expires completed/failed tasks after this long. 0 keeps them.
	FinishedTTL time.Duration
	// MaxFinished caps the number of retained finished tasks. 0 is unbounded.
	MaxFinished int
}

// MemoryStore keeps tasks in process memory. Pending and running tasks live
// in a plain map and are never evicted; finished tasks move to an expirable
// LRU governed by MemoryStoreOptions.
type MemoryStore struct {
	mu       sync.RWMutex
	active   map[string]TaskRecord
	finished *expirable.LRU[string, TaskRecord]
}

func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	return &MemoryStore{
		active:   make(map[string]TaskRecord),
		finished: expirable.NewLRU[string, TaskRecord](opts.MaxFinished, nil, opts.FinishedTTL),
	}
}

func (s *MemoryStore) InsertCreated(_ context.Context, rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[rec.ID]; ok {
		return ErrTaskExists
	}
	if s.finished.Contains(rec.ID) {
		return ErrTaskExists
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	s.active[rec.ID] = rec
	return nil
}

func (s *MemoryStore) MarkStarted(_ context.Context, taskID string, startedAt time.Time) error {
	return s.mutate(taskID, func(rec *TaskRecord) {
		if rec.Status == StatusRunning {
			return
		}
		t := startedAt.UTC()
		rec.Status = StatusRunning
		rec.StartedAt = &t
		rec.UpdatedAt = t
	})
}

func (s *MemoryStore) MarkProgress(_ context.Context, taskID string, percent int, message string) error {
	percent = clampProgress(percent)
	return s.mutate(taskID, func(rec *TaskRecord) {
		if percent < rec.Progress {
			return
		}
		rec.Progress = percent
		rec.StageMessage = message
		rec.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) MarkCompleted(_ context.Context, taskID string, result json.RawMessage, finishedAt time.Time) error {
	return s.finish(taskID, func(rec *TaskRecord) {
		t := finishedAt.UTC()
		rec.Status = StatusCompleted
		rec.Progress = 100
		rec.StageMessage = "Completed"
		rec.Result = result
		rec.FinishedAt = &t
		rec.UpdatedAt = t
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, taskID string, errorMsg string, finishedAt time.Time) error {
	return s.finish(taskID, func(rec *TaskRecord) {
		t := finishedAt.UTC()
		msg := errorMsg
		rec.Status = StatusFailed
		rec.StageMessage = "Failed"
		rec.ErrorMsg = &msg
		rec.FinishedAt = &t
		rec.UpdatedAt = t
	})
}

func (s *MemoryStore) GetByID(_ context.Context, taskID string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.active[taskID]; ok {
		return &rec, nil
	}
	if rec, ok := s.finished.Peek(taskID); ok {
		return &rec, nil
	}
	return nil, ErrNotFound
}

// mutate applies fn to an active task under the write lock.
func (s *MemoryStore) mutate(taskID string, fn func(rec *TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[taskID]
	if !ok {
		return s.missing(taskID)
	}
	fn(&rec)
	s.active[taskID] = rec
	return nil
}

// finish applies fn and moves the task from the active map to the LRU.
func (s *MemoryStore) finish(taskID string, fn func(rec *TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[taskID]
	if !ok {
		return s.missing(taskID)
	}
	fn(&rec)
	delete(s.active, taskID)
	s.finished.Add(taskID, rec)
	return nil
}

func (s *MemoryStore) missing(taskID string) error {
	if s.finished.Contains(taskID) {
		return ErrTaskFinished
	}
	return ErrNotFound
}
