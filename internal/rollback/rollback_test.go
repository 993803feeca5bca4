package rollback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTarget(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestTakeRecordsExistenceAndChecksum(t *testing.T) {
	root := t.TempDir()
	writeTarget(t, root, "lib/core.go", "package lib\n")

	snap, err := Take(root, []string{"lib/core.go", "lib/missing.go"})
	require.NoError(t, err)

	existing := snap.Files["lib/core.go"]
	assert.True(t, existing.Existed)
	assert.Len(t, existing.Checksum, 64)

	missing := snap.Files["lib/missing.go"]
	assert.False(t, missing.Existed)
	assert.Empty(t, missing.Checksum)
}

func TestTakeRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))

	_, err := Take(root, []string{"lib"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory")
}

func TestValidateCleanRollback(t *testing.T) {
	root := t.TempDir()
	writeTarget(t, root, "lib/core.go", "package lib\n")

	snap, err := Take(root, []string{"lib/core.go", "lib/new.go"})
	require.NoError(t, err)

	// Worker created lib/new.go and modified lib/core.go, then undid both.
	assert.Empty(t, Validate(root, snap, []string{"lib/new.go"}, []string{"lib/core.go"}))
}

func TestValidateCreatedFileStillExists(t *testing.T) {
	root := t.TempDir()
	snap, err := Take(root, []string{"lib/new.go"})
	require.NoError(t, err)

	writeTarget(t, root, "lib/new.go", "package lib\n")
	violations := Validate(root, snap, []string{"lib/new.go"}, nil)
	require.Len(t, violations, 1)
	assert.Equal(t, "lib/new.go", violations[0].Path)
	assert.Contains(t, violations[0].Reason, "still exists")
}

func TestValidateModifiedFileDrifted(t *testing.T) {
	root := t.TempDir()
	writeTarget(t, root, "lib/core.go", "package lib\n")

	snap, err := Take(root, []string{"lib/core.go"})
	require.NoError(t, err)

	writeTarget(t, root, "lib/core.go", "package lib // still edited\n")
	violations := Validate(root, snap, nil, []string{"lib/core.go"})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Reason, "checksum differs")
}

func TestValidateModifiedFileDeleted(t *testing.T) {
	root := t.TempDir()
	writeTarget(t, root, "lib/core.go", "package lib\n")

	snap, err := Take(root, []string{"lib/core.go"})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "lib/core.go")))
	violations := Validate(root, snap, nil, []string{"lib/core.go"})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Reason, "no longer exists")
}

func TestValidateSnapshottedAbsentFileAppeared(t *testing.T) {
	root := t.TempDir()
	snap, err := Take(root, []string{"lib/new.go"})
	require.NoError(t, err)

	writeTarget(t, root, "lib/new.go", "package lib\n")
	violations := Validate(root, snap, nil, []string{"lib/new.go"})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Reason, "did not exist before")
}

func TestValidateUnsnapshottedModification(t *testing.T) {
	root := t.TempDir()
	snap, err := Take(root, nil)
	require.NoError(t, err)

	violations := Validate(root, snap, nil, []string{"lib/core.go"})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Reason, "never snapshotted")
}

func TestValidateSortsViolationsByPath(t *testing.T) {
	root := t.TempDir()
	snap, err := Take(root, nil)
	require.NoError(t, err)

	writeTarget(t, root, "b.go", "x")
	writeTarget(t, root, "a.go", "x")
	violations := Validate(root, snap, []string{"b.go", "a.go"}, nil)
	require.Len(t, violations, 2)
	assert.Equal(t, "a.go", violations[0].Path)
	assert.Equal(t, "b.go", violations[1].Path)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	writeTarget(t, root, "lib/core.go", "package lib\n")

	snap, err := Take(root, []string{"lib/core.go"})
	require.NoError(t, err)
	require.NoError(t, Save(dir, "T001", snap))

	got, err := Load(dir, "T001")
	require.NoError(t, err)
	assert.Equal(t, "T001", got.TaskID)
	assert.Equal(t, snap.Files, got.Files)

	_, err = Load(dir, "T404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_EXISTS")
}
