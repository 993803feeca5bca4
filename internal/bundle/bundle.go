// Package bundle assembles the self-contained, checksum-sealed execution
// context handed to a worker, and verifies its integrity before dispatch.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/taskerdev/tasker/internal/artifact"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/task"
	"github.com/taskerdev/tasker/internal/util"
)

// Version is the bundle format version.
const Version = "1.0"

// BundlesDir is the subdirectory holding bundle and result files.
const BundlesDir = "bundles"

// ConstraintsFile is the optional constraints blob included in bundles.
const ConstraintsFile = "artifacts/constraints.md"

// File is one file entry inside a bundle.
type File struct {
	Path    string `json:"path"`
	Action  string `json:"action,omitempty"`
	Layer   string `json:"layer,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// Dependencies names what the task builds on.
type Dependencies struct {
	Tasks    []string `json:"tasks"`
	Files    []string `json:"files"`
	External []string `json:"external"`
}

// ArtifactChecksums seals the planning artifacts the bundle was built from.
type ArtifactChecksums struct {
	CapabilityMap  string `json:"capability_map"`
	PhysicalMap    string `json:"physical_map"`
	Constraints    string `json:"constraints"`
	TaskDefinition string `json:"task_definition"`
}

// Checksums holds all integrity fingerprints.
type Checksums struct {
	Artifacts       ArtifactChecksums `json:"artifacts"`
	DependencyFiles map[string]string `json:"dependency_files,omitempty"`
}

// Bundle is the execution context for one task attempt.
type Bundle struct {
	Version            string              `json:"version"`
	BundleCreatedAt    time.Time           `json:"bundle_created_at"`
	TaskID             string              `json:"task_id"`
	Name               string              `json:"name"`
	Phase              int                 `json:"phase"`
	TargetDir          string              `json:"target_dir"`
	Context            string              `json:"context,omitempty"`
	Behaviors          []artifact.Behavior `json:"behaviors"`
	Files              []File              `json:"files"`
	Dependencies       Dependencies        `json:"dependencies"`
	AcceptanceCriteria []task.Criterion    `json:"acceptance_criteria"`
	Constraints        string              `json:"constraints,omitempty"`
	StateMachine       map[string]any      `json:"state_machine,omitempty"`
	Checksums          Checksums           `json:"checksums"`
}

// Path returns the bundle file path for a task id.
func Path(dir, taskID string) string {
	return filepath.Join(dir, BundlesDir, taskID+"-bundle.json")
}

// ResultPath returns the result file path for a task id.
func ResultPath(dir, taskID string) string {
	return filepath.Join(dir, BundlesDir, taskID+"-result.json")
}

// Build assembles the bundle for a task in a non-terminal state.
//
// Output is deterministic for identical inputs: file and dependency lists
// are sorted, and the created_at timestamp is the only varying field.
func Build(dir string, st *state.State, id string) (*Bundle, error) {
	t, err := st.Task(id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, errors.New(errors.CategoryBundle, errors.CodeDependencyMissing,
			"cannot bundle a terminal task").
			With("task_id", id).
			With("status", string(t.Status))
	}

	defPath := filepath.Join(dir, t.File)
	if t.File == "" {
		defPath = filepath.Join(dir, task.TasksDir, id+".json")
	}
	def, err := task.LoadDefinition(defPath)
	if err != nil {
		return nil, err
	}

	capMap, err := artifact.LoadCapabilityMap(dir)
	if err != nil {
		return nil, err
	}
	physMap, err := artifact.LoadPhysicalMap(dir)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Version:            Version,
		BundleCreatedAt:    time.Now().UTC(),
		TaskID:             def.ID,
		Name:               def.Name,
		Phase:              def.Phase,
		TargetDir:          st.TargetDir,
		Context:            def.Context,
		AcceptanceCriteria: def.AcceptanceCriteria,
		StateMachine:       def.StateMachine,
		Behaviors:          []artifact.Behavior{},
		Files:              []File{},
	}

	// Expand behavior ids into full records.
	for _, bid := range def.Behaviors {
		beh, ok := capMap.Behavior(bid)
		if !ok {
			return nil, errors.New(errors.CategoryBundle, errors.CodeDependencyMissing,
				"task references a behavior missing from the capability map").
				With("task_id", id).
				With("behavior", bid)
		}
		b.Behaviors = append(b.Behaviors, *beh)
	}

	// Collect files: task-declared plus physical-map entries for each
	// behavior, de-duplicated by path.
	seen := make(map[string]bool)
	for _, f := range def.Files {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		b.Files = append(b.Files, File{Path: f.Path, Action: f.Action, Layer: f.Layer, Purpose: f.Purpose})
	}
	for _, bid := range def.Behaviors {
		for _, p := range physMap.FilesFor(bid) {
			if seen[p] {
				continue
			}
			seen[p] = true
			b.Files = append(b.Files, File{Path: p, Action: "reference"})
		}
	}
	sort.Slice(b.Files, func(i, j int) bool { return b.Files[i].Path < b.Files[j].Path })

	// Dependency files: files created by the most recent completed attempt
	// of each dependency task.
	b.Dependencies = Dependencies{
		Tasks:    append([]string{}, def.DependsOn...),
		Files:    []string{},
		External: []string{},
	}
	sort.Strings(b.Dependencies.Tasks)
	depSeen := make(map[string]bool)
	for _, depID := range b.Dependencies.Tasks {
		dep, err := st.Task(depID)
		if err != nil {
			return nil, err
		}
		if dep.Status != state.StatusComplete {
			continue
		}
		for _, p := range dep.FilesCreated {
			if depSeen[p] {
				continue
			}
			depSeen[p] = true
			b.Dependencies.Files = append(b.Dependencies.Files, p)
		}
	}
	sort.Strings(b.Dependencies.Files)

	// Seal the planning artifacts and dependency files.
	if err := b.seal(dir, defPath); err != nil {
		return nil, err
	}
	return b, nil
}

// seal computes all checksums.
func (b *Bundle) seal(dir, defPath string) error {
	paths := map[*string]string{}
	var caps ArtifactChecksums
	paths[&caps.CapabilityMap] = filepath.Join(dir, artifact.CapabilityMapFile)
	paths[&caps.PhysicalMap] = filepath.Join(dir, artifact.PhysicalMapFile)
	paths[&caps.Constraints] = filepath.Join(dir, ConstraintsFile)
	paths[&caps.TaskDefinition] = defPath
	for dst, p := range paths {
		sum, err := ChecksumFile(p)
		if err != nil {
			return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"checksum artifact").With("path", p)
		}
		*dst = sum
	}
	b.Checksums.Artifacts = caps

	b.Checksums.DependencyFiles = make(map[string]string, len(b.Dependencies.Files))
	for _, p := range b.Dependencies.Files {
		sum, err := ChecksumFile(filepath.Join(b.TargetDir, p))
		if err != nil {
			return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"checksum dependency file").With("path", p)
		}
		b.Checksums.DependencyFiles[p] = sum
	}
	return nil
}

// Write persists the bundle atomically and returns its path.
func Write(dir string, b *Bundle) (string, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"marshal bundle").With("task_id", b.TaskID)
	}
	data = append(data, '\n')
	path := Path(dir, b.TaskID)
	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"write bundle").With("path", path)
	}
	return path, nil
}

// Read loads and schema-validates a bundle file.
func Read(dir, taskID string) (*Bundle, error) {
	path := Path(dir, taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CategoryIO, errors.CodeNotExists,
				"bundle file does not exist").With("path", path)
		}
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read bundle").With("path", path)
	}
	if err := artifact.Validate(artifact.SchemaBundle, data); err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
			"decode bundle").With("path", path)
	}
	return &b, nil
}

// List returns the task ids that have bundle files in dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, BundlesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read bundles directory")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		const suffix = "-bundle.json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Clean removes bundle and result files for tasks in terminal states.
// Returns the removed file paths.
func Clean(dir string, st *state.State) ([]string, error) {
	ids, err := List(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range ids {
		t, ok := st.Tasks[id]
		if !ok || !t.Status.Terminal() {
			continue
		}
		for _, p := range []string{Path(dir, id), ResultPath(dir, id)} {
			if err := os.Remove(p); err == nil {
				removed = append(removed, p)
			} else if !os.IsNotExist(err) {
				return removed, errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
					"remove bundle file").With("path", p)
			}
		}
	}
	return removed, nil
}

// String summarizes the bundle for logs.
func (b *Bundle) String() string {
	return fmt.Sprintf("%s (%d behaviors, %d files, %d dep files)",
		b.TaskID, len(b.Behaviors), len(b.Files), len(b.Dependencies.Files))
}
