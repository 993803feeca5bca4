// Package task loads task-definition files from the tasks/ subdirectory
// of the working directory and converts them into state records.
package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/taskerdev/tasker/internal/artifact"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
)

// TasksDir is the subdirectory holding one JSON file per task definition.
const TasksDir = "tasks"

// FileRef describes one file a task will touch.
type FileRef struct {
	Path    string `json:"path"`
	Action  string `json:"action"` // create | modify | delete
	Layer   string `json:"layer,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// Criterion is one acceptance criterion with its verification command.
type Criterion struct {
	Criterion    string `json:"criterion"`
	Verification string `json:"verification,omitempty"`
}

// Definition is a task-definition file.
type Definition struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Phase              int            `json:"phase"`
	DependsOn          []string       `json:"depends_on"`
	Blocks             []string       `json:"blocks"`
	SteelThread        bool           `json:"steel_thread,omitempty"`
	Behaviors          []string       `json:"behaviors,omitempty"`
	Files              []FileRef      `json:"files,omitempty"`
	AcceptanceCriteria []Criterion    `json:"acceptance_criteria,omitempty"`
	Context            string         `json:"context,omitempty"`
	StateMachine       map[string]any `json:"state_machine,omitempty"`

	// File is the definition's path, relative to the working directory.
	File string `json:"-"`
}

// StateTask converts the definition into a state record.
func (d *Definition) StateTask() *state.Task {
	return &state.Task{
		ID:          d.ID,
		Name:        d.Name,
		Phase:       d.Phase,
		Status:      state.StatusPending,
		DependsOn:   append([]string(nil), d.DependsOn...),
		Blocks:      append([]string(nil), d.Blocks...),
		SteelThread: d.SteelThread,
		File:        d.File,
	}
}

// LoadDefinition reads and schema-validates a single definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CategoryIO, errors.CodeNotExists,
				"task definition does not exist").With("path", path)
		}
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read task definition").With("path", path)
	}
	if err := artifact.Validate(artifact.SchemaTaskDefinition, data); err != nil {
		if te := errors.As(err); te != nil {
			return nil, te.With("path", path)
		}
		return nil, err
	}
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
			"decode task definition").With("path", path)
	}
	d.File = path
	return &d, nil
}

// Discover returns all task-definition file paths under dir/tasks, in
// ascending order. Nested directories are allowed.
func Discover(dir string) ([]string, error) {
	root := filepath.Join(dir, TasksDir)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(root, "**", "T*.json"))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"glob task definitions").With("dir", root)
	}
	sort.Strings(matches)
	return matches, nil
}

// LoadAll loads every task definition under dir/tasks. An empty or absent
// tasks directory yields zero definitions without error.
func LoadAll(dir string) ([]*Definition, error) {
	paths, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	defs := make([]*Definition, 0, len(paths))
	for _, p := range paths {
		d, err := LoadDefinition(p)
		if err != nil {
			return nil, err
		}
		if rel, relErr := filepath.Rel(dir, p); relErr == nil {
			d.File = rel
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// SeedTasks loads whatever definitions still parse, for corruption
// recovery. Unreadable files are skipped rather than fatal.
func SeedTasks(dir string) []*state.Task {
	paths, err := Discover(dir)
	if err != nil {
		return nil
	}
	var tasks []*state.Task
	for _, p := range paths {
		d, err := LoadDefinition(p)
		if err != nil {
			continue
		}
		if rel, relErr := filepath.Rel(dir, p); relErr == nil {
			d.File = rel
		}
		tasks = append(tasks, d.StateTask())
	}
	return tasks
}
