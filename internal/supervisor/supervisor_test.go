package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskerdev/tasker/internal/bundle"
	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/storage"
	"github.com/taskerdev/tasker/internal/verify"
)

// successWorker writes a success result file for whatever bundle it is
// handed. It runs with the working directory set to the tasker dir, so
// bundles/ is reachable relatively.
const successWorker = `#!/bin/sh
b="$1"
id=$(basename "$b")
id=${id%-bundle.json}
cat > "bundles/$id-result.json" <<EOF
{"task_id":"$id","status":"success","files":{"created":[],"modified":[]},"verification":{"verdict":"PASS","recommendation":"PROCEED"}}
EOF
`

// failWorker reports a retryable failure for whatever bundle it is handed.
const failWorker = `#!/bin/sh
b="$1"
id=$(basename "$b")
id=${id%-bundle.json}
cat > "bundles/$id-result.json" <<EOF
{"task_id":"$id","status":"failed","files":{"created":[],"modified":[]},"error":{"category":"execution","message":"assertion failed","retryable":true}}
EOF
`

// silentWorker exits cleanly without producing a result file.
const silentWorker = `#!/bin/sh
exit 0
`

func writeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// newFixture lays out a working directory with planning artifacts and
// definitions for T001 and T002 (T002 depending on T001), and a state
// document in the executing phase.
func newFixture(t *testing.T) (*storage.Store, *config.Config) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".tasker")
	store := storage.New(dir)
	require.NoError(t, store.Init(t.TempDir()))

	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("artifacts/capability-map.json", `{
		"version": "1.0",
		"capabilities": [
			{
				"name": "core",
				"domain": "core",
				"behaviors": [
					{"id": "B1", "name": "parse input", "category": "input", "steel_thread": true},
					{"id": "B2", "name": "persist record", "category": "state"}
				]
			}
		]
	}`)
	write("artifacts/physical-map.json", `{
		"version": "1.0",
		"entries": [
			{"behavior_id": "B1", "files": ["lib/core.go"]},
			{"behavior_id": "B2", "files": ["lib/store.go"]}
		]
	}`)
	write("tasks/T001.json", `{
		"id": "T001", "name": "core parser", "phase": 1,
		"depends_on": [], "blocks": ["T002"], "behaviors": ["B1"],
		"acceptance_criteria": [{"criterion": "parser accepts the sample corpus", "verification": "go test ./lib"}]
	}`)
	write("tasks/T002.json", `{
		"id": "T002", "name": "record store", "phase": 1,
		"depends_on": ["T001"], "blocks": [], "behaviors": ["B2"],
		"acceptance_criteria": [{"criterion": "records survive a reopen cycle", "verification": "go test ./lib"}]
	}`)

	cfg := &config.Config{
		Dir:         dir,
		LockTimeout: config.DefaultLockTimeout,
		Parallel:    2,
		Gates: config.GateConfig{
			SteelThreadCoverage:  1.0,
			Coverage:             0.9,
			VerificationPrefixes: []string{"go test"},
		},
	}
	return store, cfg
}

func seedExecuting(t *testing.T, store *storage.Store, tasks ...*state.Task) {
	t.Helper()
	require.NoError(t, store.WithLock(func(st *state.State) error {
		st.Phase.Current = state.PhaseExecuting
		for _, task := range tasks {
			st.UpsertTask(task)
		}
		st.RecomputeCounters()
		return nil
	}))
}

func linearTasks() []*state.Task {
	return []*state.Task{
		{ID: "T001", Name: "core parser", Phase: 1, Blocks: []string{"T002"},
			SteelThread: true, File: "tasks/T001.json"},
		{ID: "T002", Name: "record store", Phase: 1, DependsOn: []string{"T001"},
			File: "tasks/T002.json"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunRequiresWorkerCommand(t *testing.T) {
	store, cfg := newFixture(t)
	seedExecuting(t, store, linearTasks()...)

	err := New(store, cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no worker command")
}

func TestRunLinearWorkflow(t *testing.T) {
	store, cfg := newFixture(t)
	cfg.WorkerCmd = writeWorker(t, successWorker)
	seedExecuting(t, store, linearTasks()...)

	require.NoError(t, New(store, cfg, quietLogger()).Run(context.Background()))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseComplete, st.Phase.Current)
	assert.Nil(t, st.Checkpoint)
	for _, id := range []string{"T001", "T002"} {
		task := st.Tasks[id]
		assert.Equal(t, state.StatusComplete, task.Status, id)
		assert.Equal(t, 1, task.Attempts, id)
		require.NotNil(t, task.Verification, id)
		assert.Equal(t, "PASS", task.Verification.Verdict, id)
	}
	assert.Equal(t, 2, st.Execution.CompletedCount)

	// Verdicts also landed in the ledger.
	ledger, err := verify.OpenLedger(cfg.Dir)
	require.NoError(t, err)
	defer ledger.Close()
	history, err := ledger.History(context.Background(), "T001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "PASS", history[0].Verdict)
}

func TestRunFailsTaskOnMissingDependencyFile(t *testing.T) {
	store, cfg := newFixture(t)
	cfg.WorkerCmd = writeWorker(t, successWorker)
	// T001 claims to have created lib/core.go, but nothing wrote it to
	// the target directory.
	seedExecuting(t, store,
		&state.Task{ID: "T001", Name: "core parser", Phase: 1, Status: state.StatusComplete,
			Attempts: 1, Blocks: []string{"T002"}, File: "tasks/T001.json",
			FilesCreated: []string{"lib/core.go"}},
		&state.Task{ID: "T002", Name: "record store", Phase: 1,
			DependsOn: []string{"T001"}, File: "tasks/T002.json"},
	)

	err := New(store, cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeNotAllComplete, te.Code)

	st, err := store.Load()
	require.NoError(t, err)
	task := st.Tasks["T002"]
	assert.Equal(t, state.StatusFailed, task.Status)
	assert.Equal(t, "dependency", task.ErrorCategory)
	assert.Zero(t, task.Attempts, "never dispatched")
	assert.Equal(t, state.PhaseExecuting, st.Phase.Current,
		"a failed task holds the executing phase open")
}

func TestRunReportsOrphanedWorker(t *testing.T) {
	store, cfg := newFixture(t)
	cfg.WorkerCmd = writeWorker(t, silentWorker)
	seedExecuting(t, store, linearTasks()...)

	err := New(store, cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeWorkerMissingResult, te.Code)
	assert.Contains(t, te.Context["task_ids"], "T001")

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, st.Tasks["T001"].Status,
		"orphaned task stays running until the operator decides")
	require.NotNil(t, st.Checkpoint)
	assert.Equal(t, state.CheckpointOrphaned, st.Checkpoint.Results["T001"])

	require.NoError(t, ResolveOrphan(store, "T001", "retry"))
	st, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, st.Tasks["T001"].Status)
	assert.Equal(t, 1, st.Tasks["T001"].Attempts, "attempt history survives the retry")
	assert.Nil(t, st.Checkpoint)
}

func TestRunIgnoresResultFromEarlierAttempt(t *testing.T) {
	store, cfg := newFixture(t)
	cfg.WorkerCmd = writeWorker(t, failWorker)
	seedExecuting(t, store, linearTasks()...)

	// First attempt: the worker writes a failure result, which stays on
	// disk after the run stops.
	err := New(store, cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeNotAllComplete, te.Code)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Tasks["T001"].Status)
	assert.Equal(t, 1, st.Tasks["T001"].Attempts)
	_, err = os.Stat(bundle.ResultPath(cfg.Dir, "T001"))
	require.NoError(t, err, "first attempt's result file is still on disk")

	// Retry with a worker that produces nothing. The leftover file from
	// the first attempt must not be read as this attempt's outcome.
	require.NoError(t, store.WithLock(func(st *state.State) error {
		return st.RetryTask("T001")
	}))
	cfg.WorkerCmd = writeWorker(t, silentWorker)

	err = New(store, cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	te = errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeWorkerMissingResult, te.Code)

	st, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, st.Tasks["T001"].Status,
		"the second attempt is orphaned, not settled by the stale file")
	assert.Equal(t, 2, st.Tasks["T001"].Attempts)
	require.NotNil(t, st.Checkpoint)
	assert.Equal(t, state.CheckpointOrphaned, st.Checkpoint.Results["T001"])
}

func TestRunHaltsOnStopSentinel(t *testing.T) {
	store, cfg := newFixture(t)
	cfg.WorkerCmd = writeWorker(t, successWorker)
	seedExecuting(t, store, linearTasks()...)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, StopFileName), nil, 0o644))

	err := New(store, cfg, quietLogger()).Run(context.Background())
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeHalted, te.Code)
	assert.Equal(t, errors.ExitHalted, te.ExitCode())

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, st.Tasks["T001"].Status, "nothing dispatched")
	confirmed := false
	for _, ev := range st.Events {
		if ev.Type == state.EventHaltConfirmed {
			confirmed = true
		}
	}
	assert.True(t, confirmed, "halt confirmation recorded in the event log")

	// Resume clears both triggers and the run can finish.
	require.NoError(t, Resume(store, cfg.Dir))
	assert.False(t, StopFilePresent(cfg.Dir))
	require.NoError(t, New(store, cfg, quietLogger()).Run(context.Background()))

	st, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusComplete, st.Tasks["T002"].Status)
}

func TestDispatchHoldsWorkersAfterMidBatchStop(t *testing.T) {
	store, cfg := newFixture(t)
	cfg.WorkerCmd = writeWorker(t, successWorker)
	// Two independent tasks so both land in one batch.
	seedExecuting(t, store,
		&state.Task{ID: "T001", Name: "core parser", Phase: 1, File: "tasks/T001.json"},
		&state.Task{ID: "T002", Name: "record store", Phase: 1, File: "tasks/T002.json"},
	)

	s := New(store, cfg, quietLogger())
	batch, done, err := s.planBatch()
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, batch, 2)

	// The stop sentinel lands after reservation but before dispatch.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, StopFileName), nil, 0o644))
	held := s.dispatchBatch(context.Background(), batch)
	assert.Equal(t, []string{"T001", "T002"}, held)

	ledger, err := verify.OpenLedger(cfg.Dir)
	require.NoError(t, err)
	defer ledger.Close()
	orphans, err := s.reconcile(context.Background(), batch, held, ledger)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	st, err := store.Load()
	require.NoError(t, err)
	for _, id := range held {
		assert.Equal(t, state.StatusPending, st.Tasks[id].Status, id)
		assert.Zero(t, st.Tasks[id].Attempts, "held-back launch gives the attempt back")
	}
	assert.Nil(t, st.Checkpoint, "released reservations settle the checkpoint")
	_, err = os.Stat(bundle.ResultPath(cfg.Dir, "T001"))
	assert.True(t, os.IsNotExist(err), "no worker ever ran")
}

func TestRecoverCheckpoint(t *testing.T) {
	store, cfg := newFixture(t)
	seedExecuting(t, store,
		&state.Task{ID: "T001", Name: "core parser", Phase: 1, File: "tasks/T001.json"},
		&state.Task{ID: "T002", Name: "record store", Phase: 1, File: "tasks/T002.json"},
	)

	// Simulate a crash mid-batch: both tasks reserved and running, only
	// T001's result file landed.
	require.NoError(t, store.WithLock(func(st *state.State) error {
		if err := st.CreateCheckpoint([]string{"T001", "T002"}); err != nil {
			return err
		}
		if err := st.StartTask("T001"); err != nil {
			return err
		}
		return st.StartTask("T002")
	}))
	resultPath := bundle.ResultPath(cfg.Dir, "T001")
	require.NoError(t, os.WriteFile(resultPath, []byte(`{
		"task_id": "T001", "status": "success",
		"files": {"created": [], "modified": []}
	}`), 0o644))

	report, err := RecoverCheckpoint(context.Background(), store, cfg.Dir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"T001"}, report.Applied)
	assert.Equal(t, []string{"T002"}, report.Orphaned)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusComplete, st.Tasks["T001"].Status)
	assert.Equal(t, state.StatusRunning, st.Tasks["T002"].Status)
	require.NotNil(t, st.Checkpoint, "checkpoint survives while orphans remain")
	assert.Equal(t, state.CheckpointOrphaned, st.Checkpoint.Results["T002"])

	require.NoError(t, ResolveOrphan(store, "T002", "skip"))
	st, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusSkipped, st.Tasks["T002"].Status)
	assert.Nil(t, st.Checkpoint)
}

func TestRecoverCheckpointWithoutCheckpoint(t *testing.T) {
	store, cfg := newFixture(t)
	seedExecuting(t, store, linearTasks()...)

	_, err := RecoverCheckpoint(context.Background(), store, cfg.Dir, quietLogger())
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeNotFound, te.Code)
}

func TestResolveOrphanRejectsNonOrphan(t *testing.T) {
	store, _ := newFixture(t)
	seedExecuting(t, store,
		&state.Task{ID: "T001", Name: "core parser", Phase: 1, File: "tasks/T001.json"},
	)
	require.NoError(t, store.WithLock(func(st *state.State) error {
		return st.CreateCheckpoint([]string{"T001"})
	}))

	err := ResolveOrphan(store, "T001", "retry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an orphaned checkpoint entry")

	err = ResolveOrphan(store, "T001", "explode")
	require.Error(t, err)
}

func TestStopFileHelpers(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, StopFilePresent(dir))
	require.NoError(t, RemoveStopFile(dir), "removing an absent sentinel is fine")

	require.NoError(t, os.WriteFile(filepath.Join(dir, StopFileName), nil, 0o644))
	assert.True(t, StopFilePresent(dir))
	require.NoError(t, RemoveStopFile(dir))
	assert.False(t, StopFilePresent(dir))
}
