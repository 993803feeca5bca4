package state

import (
	"fmt"

	"github.com/taskerdev/tasker/internal/errors"
)

// Validate checks the document-level invariants. It is run after load and
// exercised heavily by the property tests; mutations are written so that a
// valid document stays valid.
func (s *State) Validate() error {
	fail := func(invariant, msg string, kv ...string) error {
		e := errors.New(errors.CategoryState, errors.CodeInvariant, msg).
			With("invariant", invariant)
		for i := 0; i+1 < len(kv); i += 2 {
			e = e.With(kv[i], kv[i+1])
		}
		return e
	}

	// Every referenced task id exists.
	exists := func(id string) bool { _, ok := s.Tasks[id]; return ok }
	for id, t := range s.Tasks {
		for _, dep := range t.DependsOn {
			if !exists(dep) {
				return fail("references", "depends_on references unknown task",
					"task_id", id, "ref", dep)
			}
		}
		for _, b := range t.Blocks {
			if !exists(b) {
				return fail("references", "blocks references unknown task",
					"task_id", id, "ref", b)
			}
		}
	}
	if s.Checkpoint != nil {
		for _, id := range s.Checkpoint.Batch {
			if !exists(id) {
				return fail("references", "checkpoint references unknown task", "ref", id)
			}
		}
	}

	// Dependency relation is acyclic (including self-loops).
	if err := s.checkAcyclic(); err != nil {
		return err
	}

	// Counters equal cardinalities.
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
	if completed != s.Execution.CompletedCount ||
		failed != s.Execution.FailedCount ||
		skipped != s.Execution.SkippedCount {
		return fail("counters", "aggregate counters out of sync",
			"counters", fmt.Sprintf("%d/%d/%d",
				s.Execution.CompletedCount, s.Execution.FailedCount, s.Execution.SkippedCount),
			"actual", fmt.Sprintf("%d/%d/%d", completed, failed, skipped))
	}

	// Halt blocks new running transitions at mutation time; here we only
	// require the halt record itself to be coherent.
	if s.Halt != nil && s.Halt.Requested && s.Halt.RequestedAt.IsZero() {
		return fail("halt", "halt requested without timestamp")
	}

	// Running tasks are reserved by a checkpoint entry that is either
	// unresolved or orphaned. An orphaned entry keeps its reservation:
	// the task stays running until the operator retries or skips it.
	for id, t := range s.Tasks {
		if t.Status != StatusRunning {
			continue
		}
		if s.Checkpoint == nil {
			return fail("checkpoint", "running task without active checkpoint", "task_id", id)
		}
		r, ok := s.Checkpoint.Results[id]
		if !ok || (r.Resolved() && r != CheckpointOrphaned) {
			return fail("checkpoint", "running task not reserved by checkpoint", "task_id", id)
		}
	}

	// Attempts >= 1 for running/complete/failed tasks that were
	// actually dispatched. Integrity failures mark a task failed without a
	// dispatch, so failed tasks with recorded attempts==0 are tolerated
	// only when their error category is "dependency".
	for id, t := range s.Tasks {
		switch t.Status {
		case StatusRunning, StatusComplete:
			if t.Attempts < 1 {
				return fail("attempts", "dispatched task with zero attempts", "task_id", id)
			}
		case StatusFailed:
			if t.Attempts < 1 && t.ErrorCategory != "dependency" {
				return fail("attempts", "failed task with zero attempts", "task_id", id)
			}
		}
	}

	// Steel-thread closure.
	for id, t := range s.Tasks {
		if !t.SteelThread {
			continue
		}
		for _, dep := range t.DependsOn {
			if d, ok := s.Tasks[dep]; ok && !d.SteelThread {
				return fail("steel_thread", "steel-thread task depends on non-steel-thread task",
					"task_id", id, "dependency", dep)
			}
		}
	}

	// Completed phases form a prefix of the canonical order and
	// exclude the current phase.
	order := PhaseOrder()
	if len(s.Phase.Completed) >= len(order) {
		return fail("phases", "completed phase list too long")
	}
	for i, p := range s.Phase.Completed {
		if order[i] != p {
			return fail("phases", "completed phases are not a prefix of the canonical order",
				"phase", string(p))
		}
		if p == s.Phase.Current {
			return fail("phases", "current phase also listed as completed",
				"phase", string(p))
		}
	}

	// Event log timestamps are non-decreasing.
	for i := 1; i < len(s.Events); i++ {
		if s.Events[i].Timestamp.Before(s.Events[i-1].Timestamp) {
			return fail("events", "event log timestamps decrease",
				"index", fmt.Sprintf("%d", i))
		}
	}

	return nil
}

// checkAcyclic runs a DFS over depends_on edges. The graph package owns
// user-facing cycle reporting; this is the document-level guard.
func (s *State) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(s.Tasks))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		t := s.Tasks[id]
		for _, dep := range t.DependsOn {
			switch color[dep] {
			case gray:
				return errors.New(errors.CategoryState, errors.CodeInvariant,
					"dependency cycle in state document").
					With("invariant", "acyclic").
					With("task_id", dep)
			case white:
				if _, ok := s.Tasks[dep]; ok {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range s.TaskIDs() {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
