package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(ids ...string) *State {
	s := New("/target")
	for _, id := range ids {
		s.UpsertTask(&Task{ID: id, Name: "task " + id, Phase: 1, Status: StatusPending})
	}
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestState("T001")

	require.NoError(t, s.CreateCheckpoint([]string{"T001"}))
	require.NoError(t, s.StartTask("T001"))

	task := s.Tasks["T001"]
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.NotNil(t, task.StartedAt)

	require.NoError(t, s.CompleteTask("T001", []string{"a.go"}, nil))
	assert.Equal(t, StatusComplete, task.Status)
	assert.Equal(t, []string{"a.go"}, task.FilesCreated)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 1, s.Execution.CompletedCount)

	require.NoError(t, s.SetCheckpointResult("T001", CheckpointSuccess))
	assert.True(t, s.CompleteCheckpointIfDone())
	require.NoError(t, s.ClearCheckpoint())
	assert.Nil(t, s.Checkpoint)

	require.NoError(t, s.Validate())
}

func TestStartRequiresCheckpoint(t *testing.T) {
	s := newTestState("T001")
	err := s.StartTask("T001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint")
}

func TestStartUnknownTask(t *testing.T) {
	s := newTestState()
	err := s.StartTask("T999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN_ID")
}

func TestHaltBlocksStart(t *testing.T) {
	s := newTestState("T001")
	require.NoError(t, s.CreateCheckpoint([]string{"T001"}))
	s.RequestHalt("test", "operator")

	err := s.StartTask("T001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HALTED")

	s.ClearHalt()
	assert.False(t, s.HaltRequested())
	require.NoError(t, s.StartTask("T001"))
}

func TestFailAndRetry(t *testing.T) {
	s := newTestState("T001")
	require.NoError(t, s.CreateCheckpoint([]string{"T001"}))
	require.NoError(t, s.StartTask("T001"))
	require.NoError(t, s.FailTask("T001", "boom", "execution", true))

	task := s.Tasks["T001"]
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "boom", task.Error)
	assert.Equal(t, 1, s.Execution.FailedCount)

	require.NoError(t, s.RetryTask("T001"))
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts, "attempts are preserved across retry")
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.Empty(t, task.Error)
	assert.Equal(t, 0, s.Execution.FailedCount)

	found := false
	for _, ev := range s.Events {
		if ev.Type == EventTaskRetried && ev.Details["task_id"] == "T001" {
			found = true
			assert.Equal(t, 1, ev.Details["retry"])
		}
	}
	assert.True(t, found, "retry event recorded")
}

func TestReleaseTask(t *testing.T) {
	s := newTestState("T001")
	require.NoError(t, s.CreateCheckpoint([]string{"T001"}))
	require.NoError(t, s.StartTask("T001"))

	require.NoError(t, s.ReleaseTask("T001", "halt requested before dispatch"))
	task := s.Tasks["T001"]
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 0, task.Attempts, "undispatched reservation gives the attempt back")
	assert.Nil(t, task.StartedAt)

	require.NoError(t, s.SetCheckpointResult("T001", CheckpointFailed))
	require.NoError(t, s.ClearCheckpoint())
	require.NoError(t, s.Validate())

	err := s.ReleaseTask("T001", "again")
	require.Error(t, err, "only running tasks can be released")
}

func TestFailBeforeDispatch(t *testing.T) {
	s := newTestState("T001")
	require.NoError(t, s.FailTask("T001", "dependency file missing", "dependency", false))

	task := s.Tasks["T001"]
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 0, task.Attempts, "no worker launched, attempts unchanged")

	for _, ev := range s.Events {
		if ev.Type == EventTaskFailed {
			assert.Equal(t, false, ev.Details["dispatched"])
		}
	}
	require.NoError(t, s.Validate())
}

func TestSkipFromFailed(t *testing.T) {
	s := newTestState("T001")
	require.NoError(t, s.FailTask("T001", "x", "execution", false))
	require.NoError(t, s.SkipTask("T001", "operator decision"))

	assert.Equal(t, StatusSkipped, s.Tasks["T001"].Status)
	assert.Equal(t, 0, s.Execution.FailedCount)
	assert.Equal(t, 1, s.Execution.SkippedCount)

	err := s.SkipTask("T001", "")
	require.Error(t, err, "skipped is terminal")
}

func TestUpsertLastWriterWins(t *testing.T) {
	s := newTestState()
	s.UpsertTask(&Task{ID: "T001", Name: "first", Phase: 1, Status: StatusPending})
	s.UpsertTask(&Task{ID: "T001", Name: "second", Phase: 3, Status: StatusPending})

	assert.Equal(t, 3, s.Tasks["T001"].Phase)
	assert.Equal(t, "second", s.Tasks["T001"].Name)
	assert.Len(t, s.Tasks, 1)
}

func TestSingleActiveCheckpoint(t *testing.T) {
	s := newTestState("T001", "T002")
	require.NoError(t, s.CreateCheckpoint([]string{"T001"}))
	err := s.CreateCheckpoint([]string{"T002"})
	require.Error(t, err)

	require.NoError(t, s.SetCheckpointResult("T001", CheckpointFailed))
	assert.True(t, s.CompleteCheckpointIfDone())
	require.NoError(t, s.ClearCheckpoint())
	require.NoError(t, s.CreateCheckpoint([]string{"T002"}))
}

func TestClearCheckpointRejectsUnresolved(t *testing.T) {
	s := newTestState("T001")
	require.NoError(t, s.CreateCheckpoint([]string{"T001"}))
	err := s.ClearCheckpoint()
	require.Error(t, err)
}

func TestAdvancePhaseWalksFullOrder(t *testing.T) {
	s := New("/target")
	order := PhaseOrder()
	assert.Equal(t, order[0], s.Phase.Current)

	for i := 1; i < len(order); i++ {
		require.NoError(t, s.AdvancePhase())
		assert.Equal(t, order[i], s.Phase.Current)
	}
	assert.Len(t, s.Phase.Completed, len(order)-1)

	err := s.AdvancePhase()
	require.Error(t, err, "no phase after complete")
	require.NoError(t, s.Validate())
}

func TestEventTimestampsMonotonic(t *testing.T) {
	s := newTestState("T001", "T002")
	require.NoError(t, s.CreateCheckpoint([]string{"T001", "T002"}))
	require.NoError(t, s.StartTask("T001"))
	require.NoError(t, s.StartTask("T002"))
	require.NoError(t, s.CompleteTask("T001", nil, nil))
	require.NoError(t, s.FailTask("T002", "x", "execution", false))

	for i := 1; i < len(s.Events); i++ {
		assert.False(t, s.Events[i].Timestamp.Before(s.Events[i-1].Timestamp),
			"event %d is earlier than event %d", i, i-1)
	}
}

func TestVerificationRecorded(t *testing.T) {
	s := newTestState("T001")
	v := &Verification{Verdict: "PASS", Recommendation: "PROCEED",
		Criteria: []CriterionResult{{Name: "compiles", Score: ScorePass}}}
	require.NoError(t, s.RecordVerification("T001", v))

	assert.NotNil(t, s.Tasks["T001"].Verification)
	assert.False(t, s.Tasks["T001"].Verification.VerifiedAt.IsZero())
}

func TestAllTasksResolved(t *testing.T) {
	s := newTestState("T001", "T002")
	assert.False(t, s.AllTasksResolved())

	require.NoError(t, s.FailTask("T001", "x", "execution", false))
	require.NoError(t, s.SkipTask("T002", ""))
	assert.True(t, s.AllTasksResolved())
}

func TestAllTasksTerminal(t *testing.T) {
	s := newTestState("T001", "T002")
	require.NoError(t, s.FailTask("T001", "x", "execution", false))
	require.NoError(t, s.SkipTask("T002", ""))
	assert.False(t, s.AllTasksTerminal(), "a failed task is not terminal")

	require.NoError(t, s.SkipTask("T001", "operator decision"))
	assert.True(t, s.AllTasksTerminal())
}
