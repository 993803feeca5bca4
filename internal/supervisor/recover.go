package supervisor

import (
	"context"
	"log/slog"

	"github.com/taskerdev/tasker/internal/bundle"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/storage"
	"github.com/taskerdev/tasker/internal/verify"
)

// RecoveryReport summarizes checkpoint recovery after a supervisor crash.
type RecoveryReport struct {
	CheckpointID string   `json:"checkpoint_id"`
	Applied      []string `json:"applied,omitempty"`
	Orphaned     []string `json:"orphaned,omitempty"`
}

// RecoverCheckpoint reconciles an interrupted batch: result files that
// landed before the crash are applied as usual, everything else is marked
// orphaned and left running for operator disposition.
func RecoverCheckpoint(ctx context.Context, store *storage.Store, dir string, logger *slog.Logger) (*RecoveryReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ledger, err := verify.OpenLedger(dir)
	if err != nil {
		return nil, err
	}
	defer ledger.Close()

	report := &RecoveryReport{}
	err = store.WithLock(func(st *state.State) error {
		if st.Checkpoint == nil {
			return errors.New(errors.CategoryState, errors.CodeNotFound,
				"no active checkpoint to recover")
		}
		report.CheckpointID = st.Checkpoint.ID
		for _, id := range append([]string{}, st.Checkpoint.Batch...) {
			if r := st.Checkpoint.Results[id]; r.Resolved() {
				continue
			}
			res, rerr := bundle.ReadResult(dir, id)
			if rerr != nil {
				logger.Warn("orphaned attempt", "task", id, "error", rerr)
				report.Orphaned = append(report.Orphaned, id)
				if err := st.SetCheckpointResult(id, state.CheckpointOrphaned); err != nil {
					return err
				}
				continue
			}
			if err := applyResult(ctx, st, ledger, id, res, logger); err != nil {
				return err
			}
			report.Applied = append(report.Applied, id)
		}
		st.CompleteCheckpointIfDone()
		if len(report.Orphaned) == 0 {
			return st.ClearCheckpoint()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ResolveOrphan applies the operator's disposition for an orphaned task:
// "retry" returns it to pending, "skip" marks it skipped. The checkpoint
// is cleared once no batch task remains running.
func ResolveOrphan(store *storage.Store, id, action string) error {
	return store.WithLock(func(st *state.State) error {
		if st.Checkpoint == nil {
			return errors.New(errors.CategoryState, errors.CodeNotFound,
				"no active checkpoint")
		}
		if st.Checkpoint.Results[id] != state.CheckpointOrphaned {
			return errors.New(errors.CategoryState, errors.CodeInvariant,
				"task is not an orphaned checkpoint entry").With("task_id", id)
		}

		switch action {
		case "retry":
			if err := st.FailTask(id, "worker produced no result file", "execution", true); err != nil {
				return err
			}
			if err := st.RetryTask(id); err != nil {
				return err
			}
		case "skip":
			if err := st.SkipTask(id, "orphaned attempt skipped by operator"); err != nil {
				return err
			}
		default:
			return errors.New(errors.CategoryState, errors.CodeInvariant,
				"unknown orphan disposition").
				With("action", action).
				With("hint", "use retry or skip")
		}

		for _, bid := range st.Checkpoint.Batch {
			if t, ok := st.Tasks[bid]; ok && t.Status == state.StatusRunning {
				return nil
			}
		}
		return st.ClearCheckpoint()
	})
}
