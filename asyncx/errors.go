package asyncx

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for task ids the registry does not hold.
	ErrNotFound = errors.New("task not found")
	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = errors.New("results not ready yet")
	// ErrTaskFailed matches the error returned by Result for failed tasks.
	ErrTaskFailed = errors.New("task failed")
	// ErrTaskExists is returned by InsertCreated for a reused id.
	ErrTaskExists = errors.New("task already exists")
	// ErrTaskFinished is returned for writes to a completed or failed task.
	ErrTaskFinished = errors.New("task already finished")
)

// FailedError carries the recorded failure message of a task.
type FailedError struct {
	TaskID  string
	Message string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

func (e *FailedError) Is(target error) bool { return target == ErrTaskFailed }

// PublicError is implemented by errors whose message may be shown to API
// callers as the task's failure reason.
type PublicError interface {
	error
	Public() string
}

const internalFailureMsg = "internal error while processing task"

// publicMessage picks the externally visible failure message for err.
func publicMessage(err error) string {
	var pe PublicError
	if errors.As(err, &pe) {
		if msg := pe.Public(); msg != "" {
			return msg
		}
	}
	return internalFailureMsg
}
