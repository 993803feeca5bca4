// Package state provides the single source of truth for tasker: the phase
// machine, every task's lifecycle state, the append-only event log, and
// aggregate execution counters. All other subsystems mutate the world only
// through the operations exposed here.
package state

import (
	"time"
)

// SchemaVersion is the state document schema version written by this build.
const SchemaVersion = "1.0"

// StateFileName is the filename of the state document in the working dir.
const StateFileName = "state.json"

// Status represents a task lifecycle status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusBlocked  Status = "blocked"
	StatusSkipped  Status = "skipped"
)

// Terminal reports whether the status is terminal.
// complete and skipped never transition again; failed can be retried.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusSkipped
}

// Resolved reports whether the status needs no further scheduling in the
// current run (failed tasks wait for an explicit retry).
func (s Status) Resolved() bool {
	return s == StatusComplete || s == StatusSkipped || s == StatusFailed
}

// Phase is a coarse workflow stage tag.
type Phase string

// Canonical phase order.
const (
	PhaseIngestion  Phase = "ingestion"
	PhaseSpecReview Phase = "spec_review"
	PhaseLogical    Phase = "logical"
	PhasePhysical   Phase = "physical"
	PhaseDefinition Phase = "definition"
	PhaseValidation Phase = "validation"
	PhaseSequencing Phase = "sequencing"
	PhaseReady      Phase = "ready"
	PhaseExecuting  Phase = "executing"
	PhaseComplete   Phase = "complete"
)

// PhaseOrder returns the canonical phase order.
func PhaseOrder() []Phase {
	return []Phase{
		PhaseIngestion, PhaseSpecReview, PhaseLogical, PhasePhysical,
		PhaseDefinition, PhaseValidation, PhaseSequencing, PhaseReady,
		PhaseExecuting, PhaseComplete,
	}
}

// PhaseInfo tracks the current phase and the completed prefix.
type PhaseInfo struct {
	Current   Phase   `json:"current"`
	Completed []Phase `json:"completed"`
}

// VerdictScore is a per-criterion score.
type VerdictScore string

const (
	ScorePass    VerdictScore = "PASS"
	ScorePartial VerdictScore = "PARTIAL"
	ScoreFail    VerdictScore = "FAIL"
)

// CriterionResult is one scored acceptance criterion.
type CriterionResult struct {
	Name     string       `json:"name"`
	Score    VerdictScore `json:"score"`
	Evidence string       `json:"evidence,omitempty"`
}

// QualityScores holds per-dimension quality verdicts.
type QualityScores struct {
	Types    VerdictScore `json:"types,omitempty"`
	Docs     VerdictScore `json:"docs,omitempty"`
	Patterns VerdictScore `json:"patterns,omitempty"`
	Errors   VerdictScore `json:"errors,omitempty"`
}

// TestScores holds test-dimension verdicts.
type TestScores struct {
	Coverage   VerdictScore `json:"coverage,omitempty"`
	Assertions VerdictScore `json:"assertions,omitempty"`
	EdgeCases  VerdictScore `json:"edge_cases,omitempty"`
}

// Verification is a structured verdict for one task attempt. Verdict is
// PASS, FAIL, or CONDITIONAL; Recommendation is PROCEED or BLOCK.
type Verification struct {
	Verdict        string            `json:"verdict"`
	Recommendation string            `json:"recommendation"`
	Criteria       []CriterionResult `json:"criteria,omitempty"`
	Quality        QualityScores     `json:"quality,omitempty"`
	Tests          TestScores        `json:"tests,omitempty"`
	VerifiedAt     time.Time         `json:"verified_at"`
}

// Task is the per-task lifecycle record inside the state document.
type Task struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Phase           int           `json:"phase"`
	Status          Status        `json:"status"`
	DependsOn       []string      `json:"depends_on,omitempty"`
	Blocks          []string      `json:"blocks,omitempty"`
	SteelThread     bool          `json:"steel_thread,omitempty"`
	Attempts        int           `json:"attempts"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`
	FilesCreated    []string      `json:"files_created,omitempty"`
	FilesModified   []string      `json:"files_modified,omitempty"`
	Error           string        `json:"error,omitempty"`
	ErrorCategory   string        `json:"error_category,omitempty"`
	Retryable       *bool         `json:"retryable,omitempty"`
	Verification    *Verification `json:"verification,omitempty"`
	File            string        `json:"file,omitempty"`
}

// ExecutionCounters are the aggregate counters kept in lockstep with task
// statuses (invariant: counts equal cardinalities).
type ExecutionCounters struct {
	TotalTokens    int     `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
	CompletedCount int     `json:"completed_count"`
	FailedCount    int     `json:"failed_count"`
	SkippedCount   int     `json:"skipped_count"`
}

// Halt records a cooperative stop request.
type Halt struct {
	Requested   bool      `json:"requested"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// CheckpointResult is the per-task dispatch outcome within a checkpoint.
type CheckpointResult string

const (
	CheckpointPendingDispatch CheckpointResult = "pending-dispatch"
	CheckpointSuccess         CheckpointResult = "success"
	CheckpointFailed          CheckpointResult = "failed"
	CheckpointOrphaned        CheckpointResult = "orphaned"
)

// Resolved reports whether the per-task checkpoint entry is terminal.
func (r CheckpointResult) Resolved() bool {
	return r == CheckpointSuccess || r == CheckpointFailed || r == CheckpointOrphaned
}

// Checkpoint reserves a batch of tasks for crash recovery. At most one
// checkpoint is active at a time.
type Checkpoint struct {
	ID        string                      `json:"id"`
	Batch     []string                    `json:"batch"`
	CreatedAt time.Time                   `json:"created_at"`
	Results   map[string]CheckpointResult `json:"per_task_result"`
	Completed bool                        `json:"completed,omitempty"`
}

// Event is one append-only event log record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Details   map[string]any `json:"details,omitempty"`
}

// ArtifactVerdict is the last known validation result for an artifact.
type ArtifactVerdict struct {
	Valid       bool      `json:"valid"`
	Errors      []string  `json:"errors,omitempty"`
	ValidatedAt time.Time `json:"validated_at"`
}

// State is the single state document, persisted as one JSON file per
// working directory.
type State struct {
	SchemaVersion string                     `json:"schema_version"`
	TargetDir     string                     `json:"target_dir"`
	Phase         PhaseInfo                  `json:"phase"`
	Tasks         map[string]*Task           `json:"tasks"`
	Execution     ExecutionCounters          `json:"execution"`
	Halt          *Halt                      `json:"halt,omitempty"`
	Checkpoint    *Checkpoint                `json:"checkpoint,omitempty"`
	Events        []Event                    `json:"events"`
	Artifacts     map[string]ArtifactVerdict `json:"artifacts,omitempty"`
}
