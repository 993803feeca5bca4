// Package phase implements the ordered phase machine and its gates.
// Advancing out of a phase requires that phase's artifact to validate and
// any phase-specific gate to pass; entering validation additionally runs
// the planning gates.
package phase

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskerdev/tasker/internal/artifact"
	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/graph"
	"github.com/taskerdev/tasker/internal/state"
)

// requirement describes the artifact gate for leaving a phase.
type requirement struct {
	file   string // relative to the working directory
	schema string // "" means existence check only
}

// artifactRequirements maps each phase to the artifact that must validate
// before leaving it. Phases without entries gate on other conditions.
var artifactRequirements = map[state.Phase]requirement{
	state.PhaseIngestion:  {file: artifact.SpecFile},
	state.PhaseSpecReview: {file: artifact.SpecReviewFile, schema: artifact.SchemaSpecReview},
	state.PhaseLogical:    {file: artifact.CapabilityMapFile, schema: artifact.SchemaCapabilityMap},
	state.PhasePhysical:   {file: artifact.PhysicalMapFile, schema: artifact.SchemaPhysicalMap},
}

// GateResult reports the outcome of an advance attempt.
type GateResult struct {
	From         state.Phase `json:"from"`
	To           state.Phase `json:"to"`
	Passed       bool        `json:"passed"`
	FailedGate   string      `json:"failed_gate,omitempty"`
	OffendingIDs []string    `json:"offending_ids,omitempty"`
	Detail       string      `json:"detail,omitempty"`
}

// Err renders a failed result as a structured gate error.
func (r *GateResult) Err() error {
	e := errors.New(errors.CategoryPhase, errors.CodeGateFailed,
		fmt.Sprintf("gate failed: %s", r.FailedGate)).
		With("from", string(r.From)).
		With("gate", r.FailedGate)
	if r.Detail != "" {
		e = e.With("detail", r.Detail)
	}
	for i, id := range r.OffendingIDs {
		e = e.With(fmt.Sprintf("offender_%d", i), id)
	}
	return e
}

// Advance evaluates all gates for leaving the current phase and, on
// success, applies the transition to st. On failure st is untouched and
// the returned GateResult names the failed gate and offending ids.
func Advance(st *state.State, dir string, gates config.GateConfig) (*GateResult, error) {
	result := &GateResult{From: st.Phase.Current, To: st.NextPhase()}
	if result.To == "" {
		result.FailedGate = "terminal"
		result.Detail = "workflow already complete"
		return result, result.Err()
	}

	// Artifact gate for the phase being left.
	if req, ok := artifactRequirements[st.Phase.Current]; ok {
		path := filepath.Join(dir, req.file)
		if req.schema == "" {
			if _, err := os.Stat(path); err != nil {
				result.FailedGate = "artifact_missing"
				result.Detail = req.file
				st.RecordArtifactVerdict(req.file, false, []string{"missing"})
				return result, result.Err()
			}
		} else {
			if err := artifact.ValidateFile(req.schema, path); err != nil {
				result.FailedGate = "artifact_invalid"
				result.Detail = req.file
				st.RecordArtifactVerdict(req.file, false, []string{err.Error()})
				return result, result.Err()
			}
			st.RecordArtifactVerdict(req.file, true, nil)
		}
	}

	// Phase-specific gates.
	switch st.Phase.Current {
	case state.PhaseSpecReview:
		review, err := artifact.LoadSpecReview(dir)
		if err != nil {
			result.FailedGate = "spec_review"
			result.Detail = err.Error()
			return result, result.Err()
		}
		if review.Verdict != "READY" && review.Verdict != "READY_WITH_NOTES" {
			result.FailedGate = "spec_review"
			result.Detail = fmt.Sprintf("verdict %s", review.Verdict)
			return result, result.Err()
		}

	case state.PhaseValidation:
		verdict, err := artifact.LoadTaskValidation(dir)
		if err != nil {
			result.FailedGate = "task_validation"
			result.Detail = err.Error()
			return result, result.Err()
		}
		if verdict.Verdict != "READY" && verdict.Verdict != "READY_WITH_NOTES" {
			result.FailedGate = "task_validation"
			result.Detail = fmt.Sprintf("verdict %s", verdict.Verdict)
			return result, result.Err()
		}

	case state.PhaseSequencing:
		g, err := graph.Build(st.Tasks)
		if err == nil {
			err = g.Validate()
		}
		if err != nil {
			result.FailedGate = "dag"
			result.Detail = err.Error()
			return result, result.Err()
		}

	case state.PhaseExecuting:
		if len(st.Tasks) > 0 && !st.AllTasksTerminal() {
			result.FailedGate = "execution_incomplete"
			for _, id := range st.TaskIDs() {
				if !st.Tasks[id].Status.Terminal() {
					result.OffendingIDs = append(result.OffendingIDs, id)
				}
			}
			return result, errors.New(errors.CategoryPhase, errors.CodeNotAllComplete,
				"tasks not yet complete or skipped").
				Withf("remaining", "%d", len(result.OffendingIDs))
		}
	}

	// Planning gates guard entry into validation.
	if result.To == state.PhaseValidation {
		if gr := PlanningGates(st, dir, gates); !gr.Passed {
			gr.From = result.From
			gr.To = result.To
			return gr, gr.Err()
		}
	}

	if err := st.AdvancePhase(); err != nil {
		return result, err
	}
	result.Passed = true
	return result, nil
}
