package jobengine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("jobengine: job not found")
	// ErrTrashNotFound is returned when a trash entry does not exist.
	ErrTrashNotFound = errors.New("jobengine: trash entry not found")
	// ErrJobExists is returned when inserting a job whose ID is taken.
	ErrJobExists = errors.New("jobengine: job already exists")
	// ErrConflict is matched by every compare-and-set failure.
	ErrConflict = errors.New("jobengine: conflict")
	// ErrInvalidTransition is returned for a move the status graph does not allow.
	ErrInvalidTransition = errors.New("jobengine: invalid status transition")
	// ErrRetryBudgetExhausted is returned when incrementing retry_count past max_retries.
	ErrRetryBudgetExhausted = errors.New("jobengine: retry budget exhausted")
	// ErrBackendClosed is returned by operations on a closed backend or broker.
	ErrBackendClosed = errors.New("jobengine: closed")
	// ErrUnknownKind is returned for a job kind with no registered handler.
	ErrUnknownKind = errors.New("jobengine: unknown job kind")
	// ErrContention is returned when a write kept losing to concurrent
	// writers. Unlike ErrConflict it says nothing about the job's state.
	ErrContention = errors.New("jobengine: too many concurrent updates")
	// ErrTaskTimeLimit is returned when a handler exceeds the task time limit.
	ErrTaskTimeLimit = errors.New("jobengine: task time limit exceeded")
)

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ConflictError is a failed compare-and-set.
type ConflictError struct {
	JobID    string
	Expected []JobStatus
	Actual   JobStatus
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("job %s: conflict: %s", e.JobID, e.Reason)
	}
	return fmt.Sprintf("job %s: conflict: expected status in %v, got %s", e.JobID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// PermanentError marks a failure that can never succeed on retry.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry controller fails the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError marks a failure that may succeed on retry.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the retry controller retries it within the budget.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// StackTrace returns the goroutine stack captured at recovery.
func (e *PanicError) StackTrace() string { return e.Stack }

// ErrorClass is the retry classification of a handler failure.
type ErrorClass int

const (
	// ErrorClassTransient failures are retried within the budget.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassPermanent failures are never retried.
	ErrorClassPermanent
)

func (c ErrorClass) String() string {
	if c == ErrorClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classify decides whether err is worth retrying. The outermost explicit
// marker wins. Unmarked errors (I/O, timeouts, unavailable dependencies and
// anything unrecognised) are transient.
func Classify(err error) ErrorClass {
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		switch cur.(type) {
		case *TransientError:
			return ErrorClassTransient
		case *PermanentError, *ValidationError, *PanicError:
			return ErrorClassPermanent
		}
		if cur == ErrUnknownKind {
			return ErrorClassPermanent
		}
	}
	return ErrorClassTransient
}

// errorStackTrace renders what is recorded as error_stack_trace: the panic
// stack when there is one, otherwise the wrapped error chain.
func errorStackTrace(err error) string {
	if err == nil {
		return ""
	}
	var tracer interface{ StackTrace() string }
	if errors.As(err, &tracer) {
		return tracer.StackTrace()
	}

	var b strings.Builder
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if b.Len() > 0 {
			b.WriteString("\ncaused by: ")
		}
		fmt.Fprintf(&b, "%T: %s", cur, cur.Error())
	}
	return b.String()
}
