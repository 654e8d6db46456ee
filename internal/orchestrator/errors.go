package orchestrator

import (
	"errors"
	"fmt"
)

// ValidationError indicates a malformed job request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for a request field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ExtractionError indicates a source document could not be read or
// rasterized. Raised before any job state exists, so a failed submission
// leaves nothing behind.
type ExtractionError struct {
	Ref string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract document %s: %v", e.Ref, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ConflictError indicates an operation is not valid for the job's current
// state, such as cancelling a completed job.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// StageError wraps a stage worker failure. Permanent failures skip the retry
// path and fail the page immediately.
type StageError struct {
	Stage     string
	Permanent bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps a retryable stage failure.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// NewPermanentStageError wraps a failure that retrying cannot fix, such as a
// corrupt page image.
func NewPermanentStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Permanent: true, Err: err}
}

// IsPermanent reports whether err is a permanent stage failure.
func IsPermanent(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Permanent
}
