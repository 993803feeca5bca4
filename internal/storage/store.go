// Package storage provides atomic, serialized read-modify-write access to
// the state document. Every mutation in tasker goes through WithLock; the
// document is written with temp-file-plus-rename so a crash never leaves a
// partial file behind.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/task"
	"github.com/taskerdev/tasker/internal/util"
)

// Store binds the state document in one working directory.
type Store struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger

	// LastRecovery is set when the most recent Load had to rebuild the
	// document from a corrupt file. The CLI surfaces it as a warning with
	// exit code 4.
	LastRecovery *state.RecoveryReport
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d >= config.DefaultLockTimeout {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store for the given working directory.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		lockTimeout: config.DefaultLockTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the working directory.
func (s *Store) Dir() string { return s.dir }

// StatePath returns the path of the state document.
func (s *Store) StatePath() string {
	return filepath.Join(s.dir, state.StateFileName)
}

func (s *Store) lockPath() string {
	return filepath.Join(s.dir, LockFileName)
}

// Exists reports whether the working directory has been initialized.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.StatePath())
	return err == nil
}

// Init creates the working directory layout and the initial state document.
func (s *Store) Init(targetDir string) error {
	if s.Exists() {
		return errors.New(errors.CategoryState, errors.CodeInvariant,
			"state document already exists").With("path", s.StatePath())
	}
	for _, sub := range []string{"inputs", "artifacts", task.TasksDir, "bundles", "reports"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
				"create working directory").With("path", filepath.Join(s.dir, sub))
		}
	}
	return s.Save(state.New(targetDir))
}

// Load reads and deserializes the state document.
//
// An unparseable document triggers recovery: the corrupt file is backed up
// with a .corrupted.<ts> suffix, a best-effort state is rebuilt (reseeding
// tasks from tasks/ when needed), persisted, and returned. The recovery
// report is stashed in LastRecovery.
func (s *Store) Load() (*state.State, error) {
	return s.load(false)
}

// load implements Load. locked reports whether the caller already holds
// the advisory lock; recovery only writes the rebuilt document while it
// is held.
func (s *Store) load(locked bool) (*state.State, error) {
	s.LastRecovery = nil
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CategoryState, errors.CodeNotFound,
				"state document not found; run init first").
				With("path", s.StatePath())
		}
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read state document").With("path", s.StatePath())
	}

	var st state.State
	if err := json.Unmarshal(data, &st); err != nil {
		return s.recover(data, err, locked)
	}
	if st.SchemaVersion != state.SchemaVersion {
		return nil, errors.New(errors.CategoryState, errors.CodeSchemaVersionMismatch,
			"state document written by an incompatible version").
			With("found", st.SchemaVersion).
			With("expected", state.SchemaVersion)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]*state.Task)
	}
	return &st, nil
}

// recover backs up the corrupt document and rebuilds a best-effort state.
// The rebuilt document is only written while the advisory lock is held;
// a lockless load acquires it first and re-reads, since a concurrent
// writer may have replaced the file in the meantime.
func (s *Store) recover(data []byte, cause error, locked bool) (*state.State, error) {
	if !locked {
		lock := newFileLock(s.lockPath())
		if err := lock.acquire(s.lockTimeout); err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.release(); err != nil {
				s.logger.Warn("release state lock", "error", err)
			}
		}()
		return s.load(true)
	}

	backup := fmt.Sprintf("%s.corrupted.%s", s.StatePath(),
		time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return nil, errors.Wrap(cause, errors.CategoryState, errors.CodeCorrupt,
			"state document corrupt and backup failed").
			With("path", s.StatePath()).
			With("backup_error", err.Error())
	}
	s.logger.Warn("state document corrupt, recovering",
		"path", s.StatePath(), "backup", backup, "cause", cause)

	seed := task.SeedTasks(s.dir)
	st, report := state.Recover(data, "", seed)
	report.BackupPath = backup
	s.LastRecovery = report

	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Save serializes and atomically writes the state document.
func (s *Store) Save(st *state.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"marshal state document")
	}
	data = append(data, '\n')
	if err := util.AtomicWriteFile(s.StatePath(), data, 0o644); err != nil {
		return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"write state document").With("path", s.StatePath())
	}
	return nil
}

// WithLock runs fn under the advisory state lock with read-modify-write
// semantics. If fn returns an error the document is not written and the
// error propagates after the lock is released.
func (s *Store) WithLock(fn func(*state.State) error) error {
	lock := newFileLock(s.lockPath())
	if err := lock.acquire(s.lockTimeout); err != nil {
		return err
	}
	defer func() {
		if err := lock.release(); err != nil {
			s.logger.Warn("release state lock", "error", err)
		}
	}()

	st, err := s.load(true)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.Save(st)
}
