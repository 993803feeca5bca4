// Package artifact validates planning artifacts against their JSON Schemas
// and provides typed access to the capability map, physical map, and
// review documents the planning agents produce.
package artifact

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskerdev/tasker/internal/errors"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names recognized by Validate.
const (
	SchemaTaskDefinition = "task-definition"
	SchemaCapabilityMap  = "capability-map"
	SchemaPhysicalMap    = "physical-map"
	SchemaSpecReview     = "spec-review"
	SchemaTaskValidation = "task-validation"
	SchemaBundle         = "bundle"
	SchemaResult         = "result"
)

// Artifact file names inside the working directory.
const (
	SpecFile           = "inputs/spec.md"
	SpecReviewFile     = "artifacts/spec-review.json"
	CapabilityMapFile  = "artifacts/capability-map.json"
	PhysicalMapFile    = "artifacts/physical-map.json"
	TaskValidationFile = "artifacts/task-validation.json"
)

// SchemaNames lists the recognized schema names in a stable order.
func SchemaNames() []string {
	return []string{
		SchemaTaskDefinition, SchemaCapabilityMap, SchemaPhysicalMap,
		SchemaSpecReview, SchemaTaskValidation, SchemaBundle, SchemaResult,
	}
}

var compiled = map[string]*jsonschema.Schema{}

func init() {
	compiler := jsonschema.NewCompiler()
	names := []string{
		SchemaTaskDefinition, SchemaCapabilityMap, SchemaPhysicalMap,
		SchemaSpecReview, SchemaTaskValidation, SchemaBundle, SchemaResult,
	}
	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			panic(fmt.Sprintf("embedded schema %s: %v", name, err))
		}
		url := "tasker:///" + name + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", name, err))
		}
		s, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", name, err))
		}
		compiled[name] = s
	}
}

// Validate checks data against the named schema. Violations come back as
// a schema/VALIDATION_FAILED error listing the offending instance paths.
func Validate(name string, data []byte) error {
	s, ok := compiled[name]
	if !ok {
		return errors.New(errors.CategorySchema, errors.CodeUnknownSchema,
			"no schema registered under this name").With("schema", name)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
			"artifact is not valid JSON").With("schema", name)
	}

	if err := s.Validate(doc); err != nil {
		ve := errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
			"artifact failed schema validation").With("schema", name)
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			paths := collectPaths(verr)
			sort.Strings(paths)
			for i, p := range paths {
				ve = ve.With(fmt.Sprintf("path_%d", i), p)
			}
		}
		return ve
	}
	return nil
}

// ValidateFile validates the artifact at path against the named schema.
func ValidateFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New(errors.CategoryIO, errors.CodeNotExists,
				"artifact file does not exist").With("path", path)
		}
		return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read artifact").With("path", path)
	}
	return Validate(name, data)
}

func collectPaths(err *jsonschema.ValidationError) []string {
	seen := map[string]bool{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			if !seen[loc] {
				seen[loc] = true
			}
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(err)
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	return paths
}

// Behavior is the atom of work extracted from the spec.
type Behavior struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"` // input | process | state | output
	Description string `json:"description,omitempty"`
	SteelThread bool   `json:"steel_thread,omitempty"`
}

// Capability groups behaviors by capability/domain.
type Capability struct {
	Name      string     `json:"name"`
	Domain    string     `json:"domain,omitempty"`
	Behaviors []Behavior `json:"behaviors"`
}

// CapabilityMap is the logical-phase artifact.
type CapabilityMap struct {
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
}

// Behavior looks a behavior up by id.
func (m *CapabilityMap) Behavior(id string) (*Behavior, bool) {
	for ci := range m.Capabilities {
		for bi := range m.Capabilities[ci].Behaviors {
			if m.Capabilities[ci].Behaviors[bi].ID == id {
				return &m.Capabilities[ci].Behaviors[bi], true
			}
		}
	}
	return nil, false
}

// Behaviors returns all behaviors in document order.
func (m *CapabilityMap) Behaviors() []Behavior {
	var out []Behavior
	for _, c := range m.Capabilities {
		out = append(out, c.Behaviors...)
	}
	return out
}

// PhysicalEntry maps one behavior to the files and tests that realize it.
type PhysicalEntry struct {
	BehaviorID string   `json:"behavior_id"`
	Files      []string `json:"files,omitempty"`
	Tests      []string `json:"tests,omitempty"`
}

// PhysicalMap is the physical-phase artifact.
type PhysicalMap struct {
	Version string          `json:"version"`
	Entries []PhysicalEntry `json:"entries"`
}

// FilesFor returns the union of files and tests mapped to a behavior id.
func (m *PhysicalMap) FilesFor(behaviorID string) []string {
	var out []string
	for _, e := range m.Entries {
		if e.BehaviorID != behaviorID {
			continue
		}
		out = append(out, e.Files...)
		out = append(out, e.Tests...)
	}
	return out
}

// SpecReview is the spec_review-phase artifact.
type SpecReview struct {
	Version string   `json:"version"`
	Verdict string   `json:"verdict"` // READY | READY_WITH_NOTES | NEEDS_WORK
	Notes   []string `json:"notes,omitempty"`
}

// TaskValidation is the validation-phase artifact: the auditor's verdict
// over the task set.
type TaskValidation struct {
	Version string   `json:"version"`
	Verdict string   `json:"verdict"` // READY | READY_WITH_NOTES | NEEDS_WORK
	Notes   []string `json:"notes,omitempty"`
}

// LoadCapabilityMap reads and validates the capability map in dir.
func LoadCapabilityMap(dir string) (*CapabilityMap, error) {
	var m CapabilityMap
	if err := loadValidated(SchemaCapabilityMap, filepath.Join(dir, CapabilityMapFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadPhysicalMap reads and validates the physical map in dir.
func LoadPhysicalMap(dir string) (*PhysicalMap, error) {
	var m PhysicalMap
	if err := loadValidated(SchemaPhysicalMap, filepath.Join(dir, PhysicalMapFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadSpecReview reads and validates the spec review in dir.
func LoadSpecReview(dir string) (*SpecReview, error) {
	var r SpecReview
	if err := loadValidated(SchemaSpecReview, filepath.Join(dir, SpecReviewFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadTaskValidation reads and validates the task-validation verdict in dir.
func LoadTaskValidation(dir string) (*TaskValidation, error) {
	var r TaskValidation
	if err := loadValidated(SchemaTaskValidation, filepath.Join(dir, TaskValidationFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func loadValidated(schema, path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New(errors.CategoryIO, errors.CodeNotExists,
				"artifact file does not exist").With("path", path)
		}
		return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"read artifact").With("path", path)
	}
	if err := Validate(schema, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
			"decode artifact").With("path", path)
	}
	return nil
}
