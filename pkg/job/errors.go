package job

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job, watermark or trigger does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic update loses to a concurrent writer.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrLeaseLost is returned when a job lease is no longer held by the caller.
	ErrLeaseLost = errors.New("job lease lost")
)

// ErrorKind classifies job failures.
type ErrorKind int

const (
	// KindRetryable failures are transient; the job may be redelivered.
	KindRetryable ErrorKind = iota
	// KindFatal failures fail the job immediately.
	KindFatal
	// KindCancelled means the job was cancelled by request.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified job execution error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable job error.
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Fatal wraps err as a fatal job error.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Cancelled wraps err as a cancellation.
func Cancelled(op string, err error) error {
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified context
// cancellation counts as cancelled and anything else as retryable.
func KindOf(err error) ErrorKind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindRetryable
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindRetryable
}

// Cause returns the innermost error message for operator diagnosis.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
