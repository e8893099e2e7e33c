package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure surfaced to callers.
type ErrorKind string

const (
	ErrInvalidParameter  ErrorKind = "invalid_parameter"
	ErrNoToken           ErrorKind = "no_token"
	ErrInconsistentToken ErrorKind = "inconsistent_token"
	ErrBusy              ErrorKind = "busy"
	ErrConflict          ErrorKind = "conflict"
	ErrTimeout           ErrorKind = "timeout"
	ErrTransport         ErrorKind = "transport_error"
	ErrNoCapableWorker   ErrorKind = "no_capable_worker"
	ErrWorker            ErrorKind = "worker_error"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrNotFound          ErrorKind = "not_found"
	ErrUnavailable       ErrorKind = "unavailable"
	ErrInternal          ErrorKind = "internal"
)

// JobError is the typed error carried by failed futures and rejected calls.
type JobError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message,omitempty"`
	WorkerKind string    `json:"worker_kind,omitempty"`
}

func NewError(kind ErrorKind, msg string) *JobError {
	return &JobError{Kind: kind, Message: msg}
}

func Errorf(kind ErrorKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WorkerError wraps a failure reported by a unit. workerKind is the unit's own
// classification and is passed through untouched.
func WorkerError(workerKind, msg string) *JobError {
	return &JobError{Kind: ErrWorker, Message: msg, WorkerKind: workerKind}
}

func (e *JobError) Error() string {
	if e.WorkerKind != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.WorkerKind, e.Message)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *JobError of the same kind, so
// errors.Is(err, types.NewError(types.ErrBusy, "")) works.
func (e *JobError) Is(target error) bool {
	var t *JobError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the ErrorKind for err; unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ErrInternal
}

// AsJobError converts err into a *JobError, preserving kind when present.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return &JobError{Kind: ErrInternal, Message: err.Error()}
}
