// Package errors provides structured error types for tasker.
//
// Every failure surfaced by the library layer carries a category and a
// code from the taxonomy below. The CLI renders these as
// "ERROR [category:code]" lines and maps them to exit codes.
package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Category groups error codes by subsystem.
type Category string

const (
	CategoryIO        Category = "io"
	CategoryState     Category = "state"
	CategorySchema    Category = "schema"
	CategoryGraph     Category = "graph"
	CategoryBundle    Category = "bundle"
	CategoryPhase     Category = "phase"
	CategoryTask      Category = "task"
	CategoryExecution Category = "execution"
	CategoryHalt      Category = "halt"
)

// Code represents a unique error code within a category.
type Code string

const (
	// io
	CodeReadFail  Code = "READ_FAIL"
	CodeWriteFail Code = "WRITE_FAIL"
	CodeNotExists Code = "NOT_EXISTS"

	// state
	CodeNotFound              Code = "NOT_FOUND"
	CodeLockTimeout           Code = "LOCK_TIMEOUT"
	CodeCorrupt               Code = "CORRUPT"
	CodeInvariant             Code = "INVARIANT"
	CodeSchemaVersionMismatch Code = "SCHEMA_VERSION_MISMATCH"

	// schema
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeUnknownSchema    Code = "UNKNOWN_SCHEMA"

	// graph
	CodeCycleDetected     Code = "CYCLE_DETECTED"
	CodeMissingDependency Code = "MISSING_DEPENDENCY"
	CodeSteelThreadBroken Code = "STEEL_THREAD_BROKEN"

	// bundle
	CodeDependencyMissing Code = "DEPENDENCY_MISSING"
	CodeDependencyChanged Code = "DEPENDENCY_CHANGED"
	CodeArtifactDrift     Code = "ARTIFACT_DRIFT"

	// phase
	CodeGateFailed     Code = "GATE_FAILED"
	CodeNotAllComplete Code = "NOT_ALL_COMPLETE"

	// task
	CodeAlreadyRunning    Code = "ALREADY_RUNNING"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeUnknownID         Code = "UNKNOWN_ID"

	// execution
	CodeWorkerMissingResult Code = "WORKER_MISSING_RESULT"
	CodeWorkerFailed        Code = "WORKER_FAILED"

	// halt
	CodeHalted Code = "HALTED"
)

// Exit codes for the CLI surface.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitValidation  = 2
	ExitLockTimeout = 3
	ExitCorrupt     = 4
	ExitHalted      = 5
)

// Error is the structured error type for tasker.
type Error struct {
	Category Category          `json:"category"`
	Code     Code              `json:"code"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Cause    error             `json:"-"`
}

// New creates a structured error.
func New(category Category, code Code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// Wrap creates a structured error with an underlying cause.
func Wrap(cause error, category Category, code Code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message, Cause: cause}
}

// With attaches a key=value context pair and returns the error.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// Withf attaches a formatted context value.
func (e *Error) Withf(key, format string, args ...any) *Error {
	return e.With(key, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Category, e.Code, e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Context[k])
		}
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an Error with the same category and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// ExitCode maps the error to a CLI exit code.
func (e *Error) ExitCode() int {
	switch {
	case e.Category == CategoryHalt:
		return ExitHalted
	case e.Code == CodeLockTimeout:
		return ExitLockTimeout
	case e.Code == CodeCorrupt || e.Code == CodeSchemaVersionMismatch:
		return ExitCorrupt
	case e.Category == CategorySchema, e.Category == CategoryGraph,
		e.Category == CategoryPhase:
		return ExitValidation
	default:
		return ExitFailure
	}
}

// As attempts to convert a generic error to an *Error.
// Returns nil if err does not wrap one.
func As(err error) *Error {
	for err != nil {
		if te, ok := err.(*Error); ok {
			return te
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// --- Common constructors ---

// ErrLockTimeout reports failure to acquire the state lock in time.
func ErrLockTimeout(path string, timeout string) *Error {
	return New(CategoryState, CodeLockTimeout, "timed out waiting for state lock").
		With("path", path).
		With("timeout", timeout)
}

// ErrUnknownTask reports an operation against a task id that does not exist.
func ErrUnknownTask(id string) *Error {
	return New(CategoryTask, CodeUnknownID, "task not found").With("task_id", id)
}

// ErrInvalidTransition reports a rejected task status transition.
func ErrInvalidTransition(id, from, to string) *Error {
	return New(CategoryTask, CodeInvalidTransition, "invalid task transition").
		With("task_id", id).
		With("from", from).
		With("to", to)
}

// ErrHalted reports a cooperative stop.
func ErrHalted(reason string) *Error {
	e := New(CategoryHalt, CodeHalted, "execution halted")
	if reason != "" {
		e = e.With("reason", reason)
	}
	return e
}
