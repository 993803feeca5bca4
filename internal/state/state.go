package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/taskerdev/tasker/internal/errors"
)

// New creates a fresh state document for a target directory.
func New(targetDir string) *State {
	s := &State{
		SchemaVersion: SchemaVersion,
		TargetDir:     targetDir,
		Phase:         PhaseInfo{Current: PhaseIngestion},
		Tasks:         make(map[string]*Task),
	}
	s.appendEvent(EventStateInitialized, map[string]any{
		"target_dir": targetDir,
	})
	return s
}

// now returns a UTC timestamp that never precedes the last logged event,
// keeping the event log monotonic even under clock skew.
func (s *State) now() time.Time {
	t := time.Now().UTC()
	if n := len(s.Events); n > 0 && t.Before(s.Events[n-1].Timestamp) {
		t = s.Events[n-1].Timestamp
	}
	return t
}

// appendEvent appends an event to the log. The log is never rewritten.
func (s *State) appendEvent(eventType string, details map[string]any) {
	s.Events = append(s.Events, Event{
		Timestamp: s.now(),
		Type:      eventType,
		Details:   details,
	})
}

// Task returns the task for id or an UNKNOWN_ID error.
func (s *State) Task(id string) (*Task, error) {
	t, ok := s.Tasks[id]
	if !ok {
		return nil, errors.ErrUnknownTask(id)
	}
	return t, nil
}

// TaskIDs returns all task ids in ascending order.
func (s *State) TaskIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpsertTask inserts or replaces a task definition in the document.
// Replacing an existing task keeps its runtime fields (status, attempts,
// timestamps) and overwrites definition fields; the phase assignment is
// last-writer-wins, recorded in the event log.
func (s *State) UpsertTask(t *Task) {
	details := map[string]any{"task_id": t.ID, "phase": t.Phase}
	if existing, ok := s.Tasks[t.ID]; ok {
		if existing.Phase != t.Phase {
			details["previous_phase"] = existing.Phase
			details["phase_policy"] = "last-writer-wins"
		}
		existing.Name = t.Name
		existing.Phase = t.Phase
		existing.DependsOn = t.DependsOn
		existing.Blocks = t.Blocks
		existing.SteelThread = t.SteelThread
		existing.File = t.File
	} else {
		if t.Status == "" {
			t.Status = StatusPending
		}
		s.Tasks[t.ID] = t
	}
	s.appendEvent(EventTaskLoaded, details)
}

// StartTask transitions a task to running and increments attempts.
//
// Requires: task exists and is pending, no halt requested, and an active
// checkpoint reserving this id (a task may only run while exactly one
// checkpoint lists it as unresolved).
func (s *State) StartTask(id string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if t.Status == StatusRunning {
		return errors.New(errors.CategoryTask, errors.CodeAlreadyRunning,
			"task is already running").With("task_id", id)
	}
	if t.Status != StatusPending && t.Status != StatusReady {
		return errors.ErrInvalidTransition(id, string(t.Status), string(StatusRunning))
	}
	if s.HaltRequested() {
		return errors.ErrHalted(s.Halt.Reason).With("task_id", id)
	}
	if s.Checkpoint == nil || s.Checkpoint.Completed {
		return errors.New(errors.CategoryState, errors.CodeInvariant,
			"no active checkpoint reserves this task").With("task_id", id)
	}
	if r, ok := s.Checkpoint.Results[id]; !ok || r.Resolved() {
		return errors.New(errors.CategoryState, errors.CodeInvariant,
			"task is not reserved by the active checkpoint").With("task_id", id)
	}

	now := s.now()
	t.Status = StatusRunning
	t.Attempts++
	t.StartedAt = &now
	t.CompletedAt = nil
	t.DurationSeconds = 0
	t.Error = ""
	t.ErrorCategory = ""
	t.Retryable = nil
	s.appendEvent(EventTaskStarted, map[string]any{
		"task_id":  id,
		"attempts": t.Attempts,
	})
	return nil
}

// CompleteTask transitions a running task to complete and records the
// files the worker reported.
func (s *State) CompleteTask(id string, created, modified []string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return errors.ErrInvalidTransition(id, string(t.Status), string(StatusComplete))
	}

	now := s.now()
	t.Status = StatusComplete
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.DurationSeconds = now.Sub(*t.StartedAt).Seconds()
	}
	t.FilesCreated = created
	t.FilesModified = modified
	s.Execution.CompletedCount++
	s.appendEvent(EventTaskCompleted, map[string]any{
		"task_id":          id,
		"files_created":    len(created),
		"files_modified":   len(modified),
		"duration_seconds": t.DurationSeconds,
	})
	return nil
}

// FailTask transitions a task to failed with the error payload.
//
// A running task fails when its worker reports failure. A pending task
// may also fail (bundle integrity rejected before dispatch); in that case
// no worker was launched and attempts is not incremented.
func (s *State) FailTask(id, message, category string, retryable bool) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning && t.Status != StatusPending && t.Status != StatusReady {
		return errors.ErrInvalidTransition(id, string(t.Status), string(StatusFailed))
	}

	dispatched := t.Status == StatusRunning
	now := s.now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	if dispatched && t.StartedAt != nil {
		t.DurationSeconds = now.Sub(*t.StartedAt).Seconds()
	}
	t.Error = message
	t.ErrorCategory = category
	t.Retryable = &retryable
	s.Execution.FailedCount++
	s.appendEvent(EventTaskFailed, map[string]any{
		"task_id":    id,
		"error":      message,
		"category":   category,
		"retryable":  retryable,
		"dispatched": dispatched,
	})
	return nil
}

// RetryTask returns a failed task to pending. Attempts are preserved; the
// retry counter lives in the event log.
func (s *State) RetryTask(id string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if t.Status != StatusFailed {
		return errors.ErrInvalidTransition(id, string(t.Status), string(StatusPending))
	}

	retries := 1
	for _, ev := range s.Events {
		if ev.Type == EventTaskRetried && ev.Details["task_id"] == id {
			retries++
		}
	}

	t.Status = StatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.DurationSeconds = 0
	t.Error = ""
	t.ErrorCategory = ""
	t.Retryable = nil
	s.Execution.FailedCount--
	s.appendEvent(EventTaskRetried, map[string]any{
		"task_id": id,
		"retry":   retries,
	})
	return nil
}

// ReleaseTask returns a running task to pending and un-counts its
// attempt. Only valid for a reservation whose worker never launched,
// such as when a halt lands between checkpoint creation and dispatch.
func (s *State) ReleaseTask(id, reason string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return errors.ErrInvalidTransition(id, string(t.Status), string(StatusPending))
	}

	t.Status = StatusPending
	t.StartedAt = nil
	if t.Attempts > 0 {
		t.Attempts--
	}
	s.appendEvent(EventTaskReleased, map[string]any{
		"task_id": id,
		"reason":  reason,
	})
	return nil
}

// SkipTask marks a non-terminal task as skipped. Skipped tasks do not
// block their dependents.
func (s *State) SkipTask(id, reason string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return errors.ErrInvalidTransition(id, string(t.Status), string(StatusSkipped))
	}

	if t.Status == StatusFailed {
		s.Execution.FailedCount--
	}
	now := s.now()
	t.Status = StatusSkipped
	t.CompletedAt = &now
	s.Execution.SkippedCount++
	details := map[string]any{"task_id": id}
	if reason != "" {
		details["reason"] = reason
	}
	s.appendEvent(EventTaskSkipped, details)
	return nil
}

// LogTokens accumulates token and cost totals.
func (s *State) LogTokens(taskID string, tokens int, cost float64) {
	s.Execution.TotalTokens += tokens
	s.Execution.TotalCost += cost
	s.appendEvent(EventTokensLogged, map[string]any{
		"task_id": taskID,
		"tokens":  tokens,
		"cost":    cost,
	})
}

// HaltRequested reports whether a cooperative stop has been requested.
func (s *State) HaltRequested() bool {
	return s.Halt != nil && s.Halt.Requested
}

// RequestHalt sets the halt flag. No new task transitions to running
// while it is set.
func (s *State) RequestHalt(reason, requestedBy string) {
	if s.HaltRequested() {
		return
	}
	s.Halt = &Halt{
		Requested:   true,
		Reason:      reason,
		RequestedAt: s.now(),
		RequestedBy: requestedBy,
	}
	s.appendEvent(EventHaltRequested, map[string]any{
		"reason":       reason,
		"requested_by": requestedBy,
	})
}

// ConfirmHalt records that the supervisor observed the halt and stopped.
func (s *State) ConfirmHalt() {
	if !s.HaltRequested() {
		return
	}
	s.appendEvent(EventHaltConfirmed, map[string]any{
		"reason": s.Halt.Reason,
	})
}

// ClearHalt clears the halt flag so execution can resume.
func (s *State) ClearHalt() {
	if !s.HaltRequested() {
		return
	}
	s.Halt = nil
	s.appendEvent(EventExecutionResumed, nil)
}

// CreateCheckpoint reserves a batch of task ids before dispatch.
// At most one checkpoint may be active at a time.
func (s *State) CreateCheckpoint(batch []string) error {
	if s.Checkpoint != nil {
		return errors.New(errors.CategoryState, errors.CodeInvariant,
			"a checkpoint is already active").
			With("checkpoint_id", s.Checkpoint.ID)
	}
	if len(batch) == 0 {
		return errors.New(errors.CategoryState, errors.CodeInvariant,
			"checkpoint batch is empty")
	}
	results := make(map[string]CheckpointResult, len(batch))
	for _, id := range batch {
		if _, ok := s.Tasks[id]; !ok {
			return errors.ErrUnknownTask(id)
		}
		results[id] = CheckpointPendingDispatch
	}
	ordered := append([]string(nil), batch...)
	sort.Strings(ordered)
	s.Checkpoint = &Checkpoint{
		ID:        uuid.NewString(),
		Batch:     ordered,
		CreatedAt: s.now(),
		Results:   results,
	}
	s.appendEvent(EventCheckpointCreated, map[string]any{
		"checkpoint_id": s.Checkpoint.ID,
		"batch":         ordered,
	})
	return nil
}

// SetCheckpointResult records the dispatch outcome for one batch entry.
func (s *State) SetCheckpointResult(id string, result CheckpointResult) error {
	if s.Checkpoint == nil {
		return errors.New(errors.CategoryState, errors.CodeInvariant,
			"no active checkpoint")
	}
	if _, ok := s.Checkpoint.Results[id]; !ok {
		return errors.New(errors.CategoryState, errors.CodeInvariant,
			"task is not part of the active checkpoint").With("task_id", id)
	}
	s.Checkpoint.Results[id] = result
	s.appendEvent(EventCheckpointUpdated, map[string]any{
		"checkpoint_id": s.Checkpoint.ID,
		"task_id":       id,
		"result":        string(result),
	})
	return nil
}

// CompleteCheckpointIfDone marks the checkpoint complete once every batch
// entry is resolved. Returns true when the checkpoint is complete.
func (s *State) CompleteCheckpointIfDone() bool {
	if s.Checkpoint == nil {
		return false
	}
	if s.Checkpoint.Completed {
		return true
	}
	for _, r := range s.Checkpoint.Results {
		if !r.Resolved() {
			return false
		}
	}
	s.Checkpoint.Completed = true
	s.appendEvent(EventCheckpointCompleted, map[string]any{
		"checkpoint_id": s.Checkpoint.ID,
	})
	return true
}

// ClearCheckpoint removes the checkpoint once every entry is resolved.
func (s *State) ClearCheckpoint() error {
	if s.Checkpoint == nil {
		return nil
	}
	for id, r := range s.Checkpoint.Results {
		if !r.Resolved() {
			return errors.New(errors.CategoryState, errors.CodeInvariant,
				"checkpoint entry is unresolved").
				With("task_id", id).
				With("result", string(r))
		}
	}
	id := s.Checkpoint.ID
	s.Checkpoint = nil
	s.appendEvent(EventCheckpointCleared, map[string]any{
		"checkpoint_id": id,
	})
	return nil
}

// NextPhase returns the canonical successor of the current phase, or ""
// when the workflow is complete.
func (s *State) NextPhase() Phase {
	order := PhaseOrder()
	for i, p := range order {
		if p == s.Phase.Current && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// AdvancePhase moves to the canonical next phase. Gate evaluation is the
// phase machine's job; this only performs the bookkeeping.
func (s *State) AdvancePhase() error {
	next := s.NextPhase()
	if next == "" {
		return errors.New(errors.CategoryPhase, errors.CodeGateFailed,
			"no phase follows the current phase").
			With("phase", string(s.Phase.Current))
	}
	prev := s.Phase.Current
	s.Phase.Completed = append(s.Phase.Completed, prev)
	s.Phase.Current = next
	s.appendEvent(EventPhaseAdvanced, map[string]any{
		"from": string(prev),
		"to":   string(next),
	})
	return nil
}

// RecordVerification attaches a verification verdict to a task.
func (s *State) RecordVerification(id string, v *Verification) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = s.now()
	}
	t.Verification = v
	s.appendEvent(EventVerificationRecorded, map[string]any{
		"task_id":        id,
		"verdict":        v.Verdict,
		"recommendation": v.Recommendation,
	})
	return nil
}

// RecordArtifactVerdict stores the last validation verdict for an artifact.
func (s *State) RecordArtifactVerdict(name string, valid bool, errs []string) {
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]ArtifactVerdict)
	}
	s.Artifacts[name] = ArtifactVerdict{
		Valid:       valid,
		Errors:      errs,
		ValidatedAt: s.now(),
	}
}

// RecordRecovery appends a state_recovered event describing what was lost.
func (s *State) RecordRecovery(dataLost []string) {
	s.appendEvent(EventStateRecovered, map[string]any{
		"data_lost": dataLost,
	})
}

// RecomputeCounters rebuilds completed/failed/skipped counters from task
// statuses. Used by recovery; normal mutations keep them incremental.
func (s *State) RecomputeCounters() {
	var completed, failed, skipped int
	for _, t := range s.Tasks {
		switch t.Status {
		case StatusComplete:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	s.Execution.CompletedCount = completed
	s.Execution.FailedCount = failed
	s.Execution.SkippedCount = skipped
}

// AllTasksResolved reports whether every task is complete, failed, or
// skipped.
func (s *State) AllTasksResolved() bool {
	for _, t := range s.Tasks {
		if !t.Status.Resolved() {
			return false
		}
	}
	return true
}

// AllTasksTerminal reports whether every task is complete or skipped.
// Failed tasks are resolved but not terminal: they hold the executing
// phase open until an operator retries or skips them.
func (s *State) AllTasksTerminal() bool {
	for _, t := range s.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// String summarizes the document for logs.
func (s *State) String() string {
	return fmt.Sprintf("phase=%s tasks=%d completed=%d failed=%d skipped=%d",
		s.Phase.Current, len(s.Tasks),
		s.Execution.CompletedCount, s.Execution.FailedCount, s.Execution.SkippedCount)
}
