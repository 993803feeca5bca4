package bundle

import (
	"os"
	"path/filepath"

	"github.com/taskerdev/tasker/internal/artifact"
	"github.com/taskerdev/tasker/internal/errors"
)

// VerifyIntegrity checks a bundle against the current filesystem before
// dispatch.
//
// Missing or changed dependency files are fatal for the attempt
// (DEPENDENCY_MISSING / DEPENDENCY_CHANGED). Planning-artifact drift
// (ARTIFACT_DRIFT) is non-fatal: the supervisor regenerates the bundle
// and re-verifies exactly once.
// defFile is the task-definition path relative to dir; empty falls back
// to the conventional tasks/<id>.json.
func VerifyIntegrity(dir string, b *Bundle, defFile string) error {
	// Dependency files must exist and match their recorded checksums.
	for _, p := range b.Dependencies.Files {
		full := filepath.Join(b.TargetDir, p)
		if _, err := os.Stat(full); err != nil {
			if os.IsNotExist(err) {
				return errors.New(errors.CategoryBundle, errors.CodeDependencyMissing,
					"dependency file missing from target directory").
					With("task_id", b.TaskID).
					With("path", p)
			}
			return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"stat dependency file").With("path", p)
		}
		sum, err := ChecksumFile(full)
		if err != nil {
			return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"checksum dependency file").With("path", p)
		}
		if want := b.Checksums.DependencyFiles[p]; sum != want {
			return errors.New(errors.CategoryBundle, errors.CodeDependencyChanged,
				"dependency file changed since the bundle was sealed").
				With("task_id", b.TaskID).
				With("path", p).
				With("want", want).
				With("got", sum)
		}
	}

	// Planning artifacts must still match.
	if defFile == "" {
		defFile = filepath.Join("tasks", b.TaskID+".json")
	}
	defPath := filepath.Join(dir, defFile)
	checks := []struct {
		name string
		path string
		want string
	}{
		{"capability_map", filepath.Join(dir, artifact.CapabilityMapFile), b.Checksums.Artifacts.CapabilityMap},
		{"physical_map", filepath.Join(dir, artifact.PhysicalMapFile), b.Checksums.Artifacts.PhysicalMap},
		{"constraints", filepath.Join(dir, ConstraintsFile), b.Checksums.Artifacts.Constraints},
		{"task_definition", defPath, b.Checksums.Artifacts.TaskDefinition},
	}
	for _, c := range checks {
		sum, err := ChecksumFile(c.path)
		if err != nil {
			return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"checksum artifact").With("path", c.path)
		}
		if sum != c.want {
			return errors.New(errors.CategoryBundle, errors.CodeArtifactDrift,
				"planning artifact changed since the bundle was sealed").
				With("task_id", b.TaskID).
				With("artifact", c.name)
		}
	}
	return nil
}
