// Package task defines the compute task contract shared by the
// coordinator, the worker client, and the worker server: task payloads,
// states, and the closed set of error kinds with their retry semantics.
package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/flowforge-io/flowforge/internal/outputfields"
)

// ErrorKind classifies a task failure. The set is closed; retry policy
// keys on it.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindInputMissing ErrorKind = "input_missing"
	KindOutOfMemory  ErrorKind = "out_of_memory"
	KindRuntime      ErrorKind = "runtime"
	KindTimeout      ErrorKind = "timeout"
	KindCancelled    ErrorKind = "cancelled"
	KindInternal     ErrorKind = "internal"
)

// Valid reports whether k is a known kind.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindValidation, KindInputMissing, KindOutOfMemory, KindRuntime,
		KindTimeout, KindCancelled, KindInternal:
		return true
	}
	return false
}

// Retryable reports whether a failure of this kind may be retried.
// Transient conditions only: a validation or runtime failure will fail the
// same way again.
func (k ErrorKind) Retryable() bool {
	return k == KindInputMissing || k == KindInternal
}

// MaxRetries is how many times a retryable failure is retried.
const MaxRetries = 2

// Error is a classified task failure.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a classified error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary error to its kind. Already-classified errors
// keep their kind; context errors map to cancelled/timeout; missing files
// map to input_missing; everything else is a runtime failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: err.Error()}
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindInputMissing, Message: err.Error()}
	}
	return &Error{Kind: KindRuntime, Message: err.Error()}
}

// State is the lifecycle of a submitted task on a worker.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// SubmitRequest is the POST /submit body. PlanBlob is the opaque encoded
// lazy plan; OutputSpec, when present, is applied where the result
// materializes, before it is stored.
type SubmitRequest struct {
	TaskID      string               `json:"task_id"`
	Fingerprint string               `json:"fingerprint"`
	PlanBlob    []byte               `json:"plan_blob"`
	OutputSpec  *outputfields.Config `json:"output_spec,omitempty"`
	WritePath   string               `json:"write_path,omitempty"`
	TimeoutSecs int                  `json:"timeout_secs,omitempty"`
}

// SubmitResponse acknowledges a submission. A duplicate task id is not an
// error: accepted is false and the reason says why.
type SubmitResponse struct {
	TaskID   string `json:"task_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// StatusResponse is the GET /status/{task_id} body.
type StatusResponse struct {
	TaskID    string    `json:"task_id"`
	State     State     `json:"state"`
	Rows      int       `json:"rows,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Health is the GET /healthz body.
type Health struct {
	OK           bool   `json:"ok"`
	QueueDepth   int    `json:"queue_depth"`
	RunningTasks int    `json:"running_tasks"`
	MemoryBytes  uint64 `json:"memory_bytes"`
}
