package bundle

import (
	"encoding/json"
	"os"
	"time"

	"github.com/taskerdev/tasker/internal/artifact"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
)

// ResultFiles lists what the worker created and modified.
type ResultFiles struct {
	Created  []string `json:"created"`
	Modified []string `json:"modified"`
}

// ResultError is the worker's failure payload.
type ResultError struct {
	Category  string `json:"category,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Result is the worker's structured outcome file, the sole commit
// boundary for an attempt.
type Result struct {
	TaskID       string              `json:"task_id"`
	Name         string              `json:"name,omitempty"`
	Status       string              `json:"status"` // success | failed
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	Files        ResultFiles         `json:"files"`
	Verification *state.Verification `json:"verification,omitempty"`
	Error        *ResultError        `json:"error,omitempty"`
	Notes        string              `json:"notes,omitempty"`
}

// RemoveResult deletes any result file left over from a previous attempt,
// so reconciliation can never read a stale outcome as the current
// attempt's. A missing file is not an error.
func RemoveResult(dir, taskID string) error {
	path := ResultPath(dir, taskID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"remove stale result file").With("path", path)
	}
	return nil
}

// ReadResult loads and schema-validates a worker result file. A missing
// file is reported as execution/WORKER_MISSING_RESULT so the caller can
// treat the attempt as orphaned.
func ReadResult(dir, taskID string) (*Result, error) {
	path := ResultPath(dir, taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CategoryExecution, errors.CodeWorkerMissingResult,
				"no result file for attempt").
				With("task_id", taskID).
				With("path", path)
		}
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read result file").With("path", path)
	}
	if err := artifact.Validate(artifact.SchemaResult, data); err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
			"decode result file").With("path", path)
	}
	return &r, nil
}
