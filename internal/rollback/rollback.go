// Package rollback records pre-change file snapshots and validates that a
// failed attempt's changes were actually undone. Workers are expected to
// snapshot before touching files; the core validates after the fact.
package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/util"
)

// FileState is the recorded pre-change state of one path.
type FileState struct {
	Existed  bool   `json:"existed"`
	Checksum string `json:"checksum"` // full sha256 hex; "" when the file did not exist
}

// Snapshot maps paths to their pre-change state.
type Snapshot struct {
	TaskID  string               `json:"task_id,omitempty"`
	TakenAt time.Time            `json:"taken_at"`
	Files   map[string]FileState `json:"files"`
}

// Take records the current state of every path. Paths are interpreted
// relative to root. Snapshotting a directory is an error.
func Take(root string, paths []string) (*Snapshot, error) {
	snap := &Snapshot{
		TakenAt: time.Now().UTC(),
		Files:   make(map[string]FileState, len(paths)),
	}
	for _, p := range paths {
		full := filepath.Join(root, p)
		info, err := os.Stat(full)
		if os.IsNotExist(err) {
			snap.Files[p] = FileState{Existed: false, Checksum: ""}
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"stat snapshot path").With("path", p)
		}
		if info.IsDir() {
			return nil, errors.New(errors.CategoryIO, errors.CodeReadFail,
				"cannot snapshot a directory").With("path", p)
		}
		sum, err := fileSHA256(full)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"checksum snapshot path").With("path", p)
		}
		snap.Files[p] = FileState{Existed: true, Checksum: sum}
	}
	return snap, nil
}

// Violation is one rollback discrepancy.
type Violation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Reason)
}

// Validate checks that a failed attempt's claimed changes were undone:
// claimed-created paths must be gone, claimed-modified paths must match
// their pre-change state. The validation passes iff no violations remain.
func Validate(root string, snap *Snapshot, created, modified []string) []Violation {
	var violations []Violation

	for _, p := range created {
		if _, err := os.Stat(filepath.Join(root, p)); err == nil {
			violations = append(violations, Violation{Path: p, Reason: "created file still exists"})
		}
	}

	for _, p := range modified {
		full := filepath.Join(root, p)
		prior, snapshotted := snap.Files[p]
		_, statErr := os.Stat(full)
		exists := statErr == nil

		switch {
		case snapshotted && prior.Existed:
			if !exists {
				violations = append(violations, Violation{Path: p, Reason: "modified file no longer exists"})
				continue
			}
			sum, err := fileSHA256(full)
			if err != nil || sum != prior.Checksum {
				violations = append(violations, Violation{Path: p, Reason: "modified file checksum differs from snapshot"})
			}
		case snapshotted && !prior.Existed:
			if exists {
				violations = append(violations, Violation{Path: p, Reason: "file did not exist before the attempt but does now"})
			}
		default:
			violations = append(violations, Violation{Path: p, Reason: "modified file was never snapshotted"})
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })
	return violations
}

// SnapshotPath returns the persisted snapshot path for a task id.
func SnapshotPath(dir, taskID string) string {
	return filepath.Join(dir, "bundles", taskID+"-snapshot.json")
}

// Save persists a snapshot atomically.
func Save(dir, taskID string, snap *Snapshot) error {
	snap.TaskID = taskID
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail, "marshal snapshot")
	}
	data = append(data, '\n')
	path := SnapshotPath(dir, taskID)
	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"write snapshot").With("path", path)
	}
	return nil
}

// Load reads a persisted snapshot.
func Load(dir, taskID string) (*Snapshot, error) {
	path := SnapshotPath(dir, taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CategoryIO, errors.CodeNotExists,
				"no snapshot for task").With("task_id", taskID)
		}
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read snapshot").With("path", path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
			"decode snapshot").With("path", path)
	}
	return &snap, nil
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
