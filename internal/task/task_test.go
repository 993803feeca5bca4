package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskerdev/tasker/internal/state"
)

func writeDef(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const defT001 = `{
	"id": "T001",
	"name": "scaffold module",
	"phase": 1,
	"depends_on": [],
	"blocks": ["T002"],
	"steel_thread": true,
	"behaviors": ["B1"],
	"files": [{"path": "main.go", "action": "create"}],
	"acceptance_criteria": [{"criterion": "module compiles cleanly", "verification": "go test ./..."}]
}`

const defT002 = `{
	"id": "T002",
	"name": "wire storage",
	"phase": 2,
	"depends_on": ["T001"],
	"blocks": []
}`

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "tasks/T001.json", defT001)

	d, err := LoadDefinition(filepath.Join(dir, "tasks/T001.json"))
	require.NoError(t, err)
	assert.Equal(t, "T001", d.ID)
	assert.True(t, d.SteelThread)
	assert.Equal(t, []string{"B1"}, d.Behaviors)
	assert.Equal(t, "create", d.Files[0].Action)
}

func TestLoadDefinitionRejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "tasks/T001.json", `{"id": "T001", "name": "no phase"}`)

	_, err := LoadDefinition(filepath.Join(dir, "tasks/T001.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_FAILED")
}

func TestLoadDefinitionMissingFile(t *testing.T) {
	_, err := LoadDefinition(filepath.Join(t.TempDir(), "tasks/T404.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_EXISTS")
}

func TestDiscoverNestedAndSorted(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "tasks/phase2/T002.json", defT002)
	writeDef(t, dir, "tasks/T001.json", defT001)

	paths, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "T001.json")
	assert.Contains(t, paths[1], "T002.json")
}

func TestDiscoverEmptyDir(t *testing.T) {
	paths, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestLoadAllSetsRelativeFile(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "tasks/T001.json", defT001)
	writeDef(t, dir, "tasks/phase2/T002.json", defT002)

	defs, err := LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, filepath.Join("tasks", "T001.json"), defs[0].File)
	assert.Equal(t, filepath.Join("tasks", "phase2", "T002.json"), defs[1].File)
}

func TestStateTaskConversion(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "tasks/T001.json", defT001)

	defs, err := LoadAll(dir)
	require.NoError(t, err)
	st := defs[0].StateTask()
	assert.Equal(t, state.StatusPending, st.Status)
	assert.Equal(t, "T001", st.ID)
	assert.True(t, st.SteelThread)
	assert.Equal(t, []string{"T002"}, st.Blocks)
}

func TestSeedTasksSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "tasks/T001.json", defT001)
	writeDef(t, dir, "tasks/T002.json", `{broken`)

	seeds := SeedTasks(dir)
	require.Len(t, seeds, 1)
	assert.Equal(t, "T001", seeds[0].ID)
}
