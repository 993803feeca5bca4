// Package supervisor runs the bounded-parallel execution loop: it
// reserves batches of ready tasks under a checkpoint, dispatches external
// worker processes with sealed bundles, and reconciles their result
// files. Halt is cooperative; dispatched workers always finish.
package supervisor

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/taskerdev/tasker/internal/bundle"
	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/graph"
	"github.com/taskerdev/tasker/internal/phase"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/storage"
	"github.com/taskerdev/tasker/internal/verify"
)

// Supervisor drives execution of the task graph.
type Supervisor struct {
	store    *storage.Store
	cfg      *config.Config
	logger   *slog.Logger
	parallel int
}

// New builds a supervisor. Parallelism below 1 falls back to the default.
func New(store *storage.Store, cfg *config.Config, logger *slog.Logger) *Supervisor {
	n := cfg.Parallel
	if n < 1 {
		n = config.DefaultParallel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{store: store, cfg: cfg, logger: logger, parallel: n}
}

// dispatch is one reserved task ready to hand to a worker.
type dispatch struct {
	id         string
	bundlePath string
}

// Run executes batches until the workflow completes, a halt is observed,
// or an attempt is orphaned. Returns nil on normal completion.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.WorkerCmd == "" {
		return errors.New(errors.CategoryExecution, errors.CodeWorkerFailed,
			"no worker command configured").
			With("hint", "set --worker or "+config.EnvWorker)
	}

	ledger, err := verify.OpenLedger(s.cfg.Dir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	for {
		halted, reason, err := SyncHalt(s.store, s.cfg.Dir)
		if err != nil {
			return err
		}
		if halted {
			return s.confirmHalt(reason)
		}

		batch, done, err := s.planBatch()
		if err != nil {
			return err
		}
		if done {
			s.logger.Info("supervisor finished", "dir", s.cfg.Dir)
			return nil
		}
		if len(batch) == 0 {
			s.logger.Info("batch empty after integrity filtering, continuing")
			continue
		}

		held := s.dispatchBatch(ctx, batch)

		orphans, err := s.reconcile(ctx, batch, held, ledger)
		if err != nil {
			return err
		}
		if len(orphans) > 0 {
			return errors.New(errors.CategoryExecution, errors.CodeWorkerMissingResult,
				"workers exited without result files").
				With("task_ids", strings.Join(orphans, ",")).
				With("hint", "run checkpoint recover")
		}
	}
}

// planBatch reserves the next batch under the state lock: ready-set
// selection, bundle generation with integrity verification, checkpoint
// creation, and pending→running transitions. done is true when no work
// remains and the phase machine cannot advance further.
func (s *Supervisor) planBatch() (batch []dispatch, done bool, err error) {
	lockErr := s.store.WithLock(func(st *state.State) error {
		g, err := graph.Build(st.Tasks)
		if err != nil {
			return err
		}
		ready := g.ReadySet(st)
		if len(ready) == 0 {
			res, err := phase.Advance(st, s.cfg.Dir, s.cfg.Gates)
			if err != nil {
				if res != nil && res.FailedGate == "terminal" {
					done = true
					return nil
				}
				s.logger.Info("cannot advance, stopping",
					"phase", string(st.Phase.Current), "error", err)
				return err
			}
			s.logger.Info("phase advanced",
				"from", string(res.From), "to", string(res.To))
			return nil
		}

		n := s.parallel
		if len(ready) < n {
			n = len(ready)
		}
		candidates := ready[:n]

		var reserved []dispatch
		for _, id := range candidates {
			path, err := s.prepareBundle(st, id)
			if err != nil {
				te := errors.As(err)
				if te != nil && (te.Code == errors.CodeDependencyMissing ||
					te.Code == errors.CodeDependencyChanged) {
					s.logger.Warn("bundle integrity failed", "task", id, "error", err)
					if ferr := st.FailTask(id, te.Message, "dependency", false); ferr != nil {
						return ferr
					}
					continue
				}
				return err
			}
			// Drop any result file from an earlier attempt before the
			// new reservation; reconcile must only ever see this
			// attempt's outcome.
			if err := bundle.RemoveResult(s.cfg.Dir, id); err != nil {
				return err
			}
			reserved = append(reserved, dispatch{id: id, bundlePath: path})
		}
		if len(reserved) == 0 {
			return nil
		}

		ids := make([]string, len(reserved))
		for i, d := range reserved {
			ids[i] = d.id
		}
		if err := st.CreateCheckpoint(ids); err != nil {
			return err
		}
		for _, id := range ids {
			if err := st.StartTask(id); err != nil {
				return err
			}
		}
		batch = reserved
		return nil
	})
	return batch, done, lockErr
}

// prepareBundle builds, writes, and integrity-checks the bundle for id.
// Planning-artifact drift triggers exactly one regeneration.
func (s *Supervisor) prepareBundle(st *state.State, id string) (string, error) {
	for attempt := 0; ; attempt++ {
		b, err := bundle.Build(s.cfg.Dir, st, id)
		if err != nil {
			return "", err
		}
		path, err := bundle.Write(s.cfg.Dir, b)
		if err != nil {
			return "", err
		}
		t, err := st.Task(id)
		if err != nil {
			return "", err
		}
		verr := bundle.VerifyIntegrity(s.cfg.Dir, b, t.File)
		if verr == nil {
			return path, nil
		}
		te := errors.As(verr)
		if te != nil && te.Code == errors.CodeArtifactDrift && attempt == 0 {
			s.logger.Warn("planning artifact drifted, regenerating bundle", "task", id)
			continue
		}
		return "", verr
	}
}

// dispatchBatch launches one worker per reserved task and waits for all
// of them. The stop sentinel is re-checked before every launch, so a halt
// that lands mid-batch only lets already-running workers finish; the ids
// held back are returned for reconcile to release. Worker exit status is
// advisory; the result file is the commit boundary, so launch and exit
// failures are only logged here.
func (s *Supervisor) dispatchBatch(ctx context.Context, batch []dispatch) (held []string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, d := range batch {
		if StopFilePresent(s.cfg.Dir) {
			s.logger.Info("halt requested, holding back dispatch", "task", d.id)
			held = append(held, d.id)
			continue
		}
		d := d
		g.Go(func() error {
			abs, err := filepath.Abs(d.bundlePath)
			if err != nil {
				abs = d.bundlePath
			}
			args := strings.Fields(s.cfg.WorkerCmd)
			cmd := exec.CommandContext(ctx, args[0], append(args[1:], abs)...)
			cmd.Dir = s.cfg.Dir
			out, err := cmd.CombinedOutput()
			if err != nil {
				s.logger.Warn("worker exited abnormally",
					"task", d.id, "error", err, "output", strings.TrimSpace(string(out)))
			} else {
				s.logger.Debug("worker exited", "task", d.id)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines never return errors
	return held
}

// reconcile applies each task's result file under the lock, records
// verifications, and settles the checkpoint. Held-back tasks are released
// to pending with their reservation resolved. Tasks without a result file
// are marked orphaned and stay running for operator disposition.
func (s *Supervisor) reconcile(ctx context.Context, batch []dispatch, held []string, ledger *verify.Ledger) ([]string, error) {
	heldBack := make(map[string]bool, len(held))
	for _, id := range held {
		heldBack[id] = true
	}
	var orphans []string
	err := s.store.WithLock(func(st *state.State) error {
		for _, d := range batch {
			if heldBack[d.id] {
				if err := st.ReleaseTask(d.id, "halt requested before dispatch"); err != nil {
					return err
				}
				if err := st.SetCheckpointResult(d.id, state.CheckpointFailed); err != nil {
					return err
				}
				continue
			}
			res, err := bundle.ReadResult(s.cfg.Dir, d.id)
			if err != nil {
				s.logger.Warn("no usable result file", "task", d.id, "error", err)
				orphans = append(orphans, d.id)
				if err := st.SetCheckpointResult(d.id, state.CheckpointOrphaned); err != nil {
					return err
				}
				continue
			}
			if err := applyResult(ctx, st, ledger, d.id, res, s.logger); err != nil {
				return err
			}
		}
		if len(orphans) == 0 {
			st.CompleteCheckpointIfDone()
			return st.ClearCheckpoint()
		}
		st.CompleteCheckpointIfDone()
		return nil
	})
	return orphans, err
}

// applyResult commits one worker result to the state document and the
// verification ledger.
func applyResult(ctx context.Context, st *state.State, ledger *verify.Ledger, id string, res *bundle.Result, logger *slog.Logger) error {
	switch res.Status {
	case "success":
		if err := st.CompleteTask(id, res.Files.Created, res.Files.Modified); err != nil {
			return err
		}
		if err := st.SetCheckpointResult(id, state.CheckpointSuccess); err != nil {
			return err
		}
	case "failed":
		msg, category, retryable := "worker reported failure", "execution", false
		if res.Error != nil {
			msg = res.Error.Message
			if res.Error.Category != "" {
				category = res.Error.Category
			}
			retryable = res.Error.Retryable
		}
		if err := st.FailTask(id, msg, category, retryable); err != nil {
			return err
		}
		if err := st.SetCheckpointResult(id, state.CheckpointFailed); err != nil {
			return err
		}
	default:
		return errors.New(errors.CategorySchema, errors.CodeValidationFailed,
			"unrecognized result status").
			With("task_id", id).
			With("status", res.Status)
	}

	if res.Verification != nil {
		if err := st.RecordVerification(id, res.Verification); err != nil {
			return err
		}
		t, err := st.Task(id)
		if err != nil {
			return err
		}
		entry := verify.Entry{
			TaskID:         id,
			Attempt:        t.Attempts,
			Verdict:        res.Verification.Verdict,
			Recommendation: res.Verification.Recommendation,
		}
		if err := ledger.Record(ctx, entry); err != nil {
			logger.Warn("ledger write failed", "task", id, "error", err)
		}
	}
	return nil
}

// confirmHalt records the confirming event and returns the halt error.
func (s *Supervisor) confirmHalt(reason string) error {
	err := s.store.WithLock(func(st *state.State) error {
		st.ConfirmHalt()
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("halt confirmed", "reason", reason)
	return errors.ErrHalted(reason)
}
