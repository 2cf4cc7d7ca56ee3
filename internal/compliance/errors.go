package compliance

import "fmt"

// ValidationError rejects a submission before any task exists.
type ValidationError struct {
	Msg      string
	TooLarge bool
}

func (e *ValidationError) Error() string  { return e.Msg }
func (e *ValidationError) Public() string { return e.Msg }

// ParseError means the uploaded document could not be parsed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string  { return fmt.Sprintf("parse document: %v", e.Err) }
func (e *ParseError) Unwrap() error  { return e.Err }
func (e *ParseError) Public() string { return e.Error() }

// LoadError means the control catalog is missing or corrupt.
type LoadError struct {
	Locator string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load control catalog %s: %v", e.Locator, e.Err)
}
func (e *LoadError) Unwrap() error { return e.Err }

// Public omits the locator and cause; both describe the deployment.
func (e *LoadError) Public() string { return "control catalog could not be loaded" }

// EvaluationError wraps an evaluator failure for one entry.
type EvaluationError struct {
	EntryIndex int
	Entry      string
	ControlID  string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate entry %d (%s) against %s: %v", e.EntryIndex, e.Entry, e.ControlID, e.Err)
}
func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Public() string {
	return fmt.Sprintf("evaluation failed at entry index %d (%s)", e.EntryIndex, e.Entry)
}
