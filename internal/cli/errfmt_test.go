package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskerdev/tasker/internal/errors"
)

func TestPrintErrorStructured(t *testing.T) {
	err := errors.New(errors.CategoryBundle, errors.CodeDependencyMissing,
		"dependency file missing from target directory").
		With("task_id", "T002").
		With("path", "lib/core.go")

	var b strings.Builder
	printError(&b, err)
	out := b.String()
	assert.Contains(t, out, "ERROR [bundle:DEPENDENCY_MISSING] dependency file missing")
	assert.Contains(t, out, "    path=lib/core.go\n")
	assert.Contains(t, out, "    task_id=T002\n")
}

func TestPrintErrorPlain(t *testing.T) {
	var b strings.Builder
	printError(&b, assert.AnError)
	assert.Contains(t, b.String(), "ERROR [io:UNEXPECTED]")
}

func TestPrintErrorSilentExit(t *testing.T) {
	var b strings.Builder
	printError(&b, &exitError{code: 5})
	assert.Empty(t, b.String())
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 5, exitCode(&exitError{code: 5}))
	assert.Equal(t, errors.ExitHalted, exitCode(errors.ErrHalted("operator")))
	assert.Equal(t, errors.ExitLockTimeout,
		exitCode(errors.New(errors.CategoryState, errors.CodeLockTimeout, "lock held")))
	assert.Equal(t, errors.ExitValidation,
		exitCode(errors.New(errors.CategorySchema, errors.CodeValidationFailed, "bad doc")))
	assert.Equal(t, errors.ExitFailure, exitCode(assert.AnError))
}
