package asyncx

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
// Valid values: pending, running, completed, failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskRecord is the registry's snapshot of one task.
// Result is set only when completed, ErrorMsg only when failed.
type TaskRecord struct {
	ID           string
	Status       Status
	Progress     int    // 0-100, non-decreasing
	StageMessage string // human readable current stage
	ErrorMsg     *string
	Result       json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

func newPendingRecord(id string, now time.Time) TaskRecord {
	return TaskRecord{
		ID:           id,
		Status:       StatusPending,
		StageMessage: "Queued",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
