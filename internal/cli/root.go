// Package cli implements the tasker command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/storage"
)

var (
	dirFlag string
	jsonOut bool
)

// recoveredReport is set when a command had to rebuild a corrupt state
// document. The command still succeeds, but the process exits 4 so
// wrapper scripts notice.
var recoveredReport bool

var rootCmd = &cobra.Command{
	Use:   "tasker",
	Short: "Spec-driven task decomposition and execution engine",
	Long: `tasker turns a specification into a dependency-ordered task graph and
supervises external workers executing it.

All state lives in a single working directory (default ./.tasker):
the state document, planning artifacts, task definitions, and the
execution bundles exchanged with workers.

Quick start:
  tasker init .               Initialize the working directory
  tasker task load            Load task definitions into the state
  tasker run                  Execute ready tasks with workers
  tasker status               Show phase and task counts`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		return exitCode(err)
	}
	if recoveredReport {
		return 4
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "working directory (default ./.tasker, or $"+config.EnvDir+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAdvanceCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newBundleCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newCheckpointCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newHaltCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCheckHaltCmd())
	rootCmd.AddCommand(newRecordVerificationCmd())
	rootCmd.AddCommand(newMetricsCmd())
}

// runtimeConfig resolves the effective configuration for this invocation.
func runtimeConfig() *config.Config {
	cfg := config.Load()
	cfg.Dir = config.ResolveDir(dirFlag)
	return cfg
}

// newStore binds the working directory's state document.
func newStore(cfg *config.Config) *storage.Store {
	return storage.New(cfg.Dir,
		storage.WithLockTimeout(cfg.LockTimeout),
		storage.WithLogger(config.Logger()))
}

// noteRecovery surfaces a corrupt-state rebuild as a stderr warning and
// arranges for exit code 4.
func noteRecovery(s *storage.Store) {
	if s.LastRecovery == nil {
		return
	}
	recoveredReport = true
	fmt.Fprintf(os.Stderr, "WARNING state document was corrupt and has been rebuilt (backup: %s)\n",
		s.LastRecovery.BackupPath)
	for _, lost := range s.LastRecovery.DataLost {
		fmt.Fprintf(os.Stderr, "    lost: %s\n", lost)
	}
}
