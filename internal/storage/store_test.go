package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".tasker")
	s := New(dir)
	require.NoError(t, s.Init(t.TempDir()))
	return s
}

func TestInitCreatesLayout(t *testing.T) {
	s := newTestStore(t)

	for _, sub := range []string{"inputs", "artifacts", "tasks", "bundles", "reports"} {
		info, err := os.Stat(filepath.Join(s.Dir(), sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir())
	}
	_, err := os.Stat(s.StatePath())
	require.NoError(t, err)
	assert.True(t, s.Exists())
}

func TestLoadSaveRoundTrip(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Load()
	require.NoError(t, err)
	st.UpsertTask(&state.Task{ID: "T001", Name: "build", Phase: 1})
	require.NoError(t, s.Save(st))

	before, err := os.ReadFile(s.StatePath())
	require.NoError(t, err)

	st2, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Save(st2))

	after, err := os.ReadFile(s.StatePath())
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "load then save is identity")
}

func TestLoadMissingDocument(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), ".tasker"))
	_, err := s.Load()
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeNotFound, te.Code)
}

func TestWithLockPersistsMutation(t *testing.T) {
	s := newTestStore(t)

	err := s.WithLock(func(st *state.State) error {
		st.UpsertTask(&state.Task{ID: "T001", Name: "x", Phase: 1})
		return nil
	})
	require.NoError(t, err)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Contains(t, st.Tasks, "T001")

	_, err = os.Stat(filepath.Join(s.Dir(), LockFileName))
	assert.True(t, os.IsNotExist(err), "lock released after WithLock")
}

func TestWithLockErrorDiscardsMutation(t *testing.T) {
	s := newTestStore(t)

	err := s.WithLock(func(st *state.State) error {
		st.UpsertTask(&state.Task{ID: "T001", Name: "x", Phase: 1})
		return errors.New(errors.CategoryTask, errors.CodeInvalidTransition, "nope")
	})
	require.Error(t, err)

	st, err := s.Load()
	require.NoError(t, err)
	assert.NotContains(t, st.Tasks, "T001", "failed operation leaves the document unchanged")
}

func TestLoadRecoverFromCorruption(t *testing.T) {
	s := newTestStore(t)

	err := s.WithLock(func(st *state.State) error {
		st.UpsertTask(&state.Task{ID: "T001", Name: "x", Phase: 1})
		return nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(s.StatePath())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.StatePath(), data[:len(data)/2], 0o644))

	st, err := s.Load()
	require.NoError(t, err, "corrupt document recovers instead of failing")
	require.NotNil(t, s.LastRecovery)
	assert.NotEmpty(t, s.LastRecovery.BackupPath)
	_, err = os.Stat(s.LastRecovery.BackupPath)
	require.NoError(t, err, "backup copy written")
	require.NoError(t, st.Validate())

	// The recovered document was persisted, so the next load is clean.
	s2 := New(s.Dir())
	st2, err := s2.Load()
	require.NoError(t, err)
	assert.Nil(t, s2.LastRecovery)
	assert.Equal(t, state.SchemaVersion, st2.SchemaVersion)
}

func TestLoadRecoveryWaitsForLock(t *testing.T) {
	s := newTestStore(t)

	data, err := os.ReadFile(s.StatePath())
	require.NoError(t, err)
	corrupt := data[:len(data)/2]
	require.NoError(t, os.WriteFile(s.StatePath(), corrupt, 0o644))

	holder := newFileLock(s.lockPath())
	require.NoError(t, holder.acquire(time.Second))

	done := make(chan error, 1)
	go func() {
		_, lerr := s.Load()
		done <- lerr
	}()

	// While another process holds the lock, recovery must not rewrite
	// the document.
	time.Sleep(3 * lockPollInterval)
	raw, err := os.ReadFile(s.StatePath())
	require.NoError(t, err)
	assert.Equal(t, corrupt, raw)
	select {
	case <-done:
		t.Fatal("load finished while the lock was held")
	default:
	}

	require.NoError(t, holder.release())
	require.NoError(t, <-done)
	require.NotNil(t, s.LastRecovery)

	_, err = os.Stat(s.lockPath())
	assert.True(t, os.IsNotExist(err), "recovery released the lock")
}

func TestWithLockRecoversCorruptDocument(t *testing.T) {
	s := newTestStore(t)

	data, err := os.ReadFile(s.StatePath())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.StatePath(), data[:len(data)/2], 0o644))

	// Recovery inside WithLock reuses the held lock instead of trying to
	// acquire it a second time.
	err = s.WithLock(func(st *state.State) error {
		st.UpsertTask(&state.Task{ID: "T001", Name: "x", Phase: 1})
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, s.LastRecovery)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Contains(t, st.Tasks, "T001")
}

func TestLoadSchemaVersionMismatch(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Load()
	require.NoError(t, err)
	st.SchemaVersion = "99.0"
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.StatePath(), data, 0o644))

	_, err = s.Load()
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.CodeSchemaVersionMismatch, te.Code)
}
