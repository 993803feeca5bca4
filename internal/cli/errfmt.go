package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/taskerdev/tasker/internal/errors"
)

// exitError carries a bare exit code for query commands whose result is
// an exit status rather than a failure (check-halt).
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "" }

// printError writes the machine-readable error line plus the indented
// context block.
func printError(w io.Writer, err error) {
	if _, ok := err.(*exitError); ok {
		return
	}
	te := errors.As(err)
	if te == nil {
		fmt.Fprintf(w, "ERROR [io:UNEXPECTED] %v\n", err)
		return
	}
	fmt.Fprintf(w, "ERROR [%s:%s] %s\n", te.Category, te.Code, te.Message)
	keys := make([]string, 0, len(te.Context))
	for k := range te.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "    %s=%s\n", k, te.Context[k])
	}
	if te.Cause != nil {
		fmt.Fprintf(w, "    cause=%v\n", te.Cause)
	}
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	if te := errors.As(err); te != nil {
		return te.ExitCode()
	}
	return errors.ExitFailure
}
