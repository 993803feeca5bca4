package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [target-dir]",
		Short: "Initialize the working directory",
		Long: `Create the working directory layout and an empty state document.

The target directory is the project the tasks will operate on; it
defaults to the current directory. The working directory itself is
controlled by --dir or ` + "$TASKER_DIR" + `.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			abs, err := filepath.Abs(target)
			if err != nil {
				abs = target
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("target directory %s: %w", abs, err)
			}

			cfg := runtimeConfig()
			store := newStore(cfg)
			if err := store.Init(abs); err != nil {
				return err
			}
			fmt.Printf("Initialized %s (target: %s)\n", cfg.Dir, abs)
			return nil
		},
	}
}
