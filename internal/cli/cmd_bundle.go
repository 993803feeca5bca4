package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/bundle"
)

// newBundleCmd creates the bundle command group.
func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Generate and verify execution bundles",
	}
	cmd.AddCommand(newBundleGenerateCmd())
	cmd.AddCommand(newBundleValidateCmd())
	cmd.AddCommand(newBundleIntegrityCmd())
	cmd.AddCommand(newBundleListCmd())
	cmd.AddCommand(newBundleCleanCmd())
	return cmd
}

func newBundleGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <task-id>",
		Short: "Build and write the execution bundle for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			b, err := bundle.Build(cfg.Dir, st, args[0])
			if err != nil {
				return err
			}
			path, err := bundle.Write(cfg.Dir, b)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s: %s\n", path, b)
			return nil
		},
	}
}

func newBundleValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <task-id>",
		Short: "Schema-validate an existing bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			b, err := bundle.Read(cfg.Dir, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Bundle valid: %s\n", b)
			return nil
		},
	}
}

func newBundleIntegrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity <task-id>",
		Short: "Verify a bundle's checksums against the filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			b, err := bundle.Read(cfg.Dir, args[0])
			if err != nil {
				return err
			}
			t, err := st.Task(args[0])
			if err != nil {
				return err
			}
			if err := bundle.VerifyIntegrity(cfg.Dir, b, t.File); err != nil {
				return err
			}
			fmt.Printf("Integrity OK: %s\n", args[0])
			return nil
		},
	}
}

func newBundleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks with bundle files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			ids, err := bundle.List(cfg.Dir)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(ids)
			}
			if len(ids) == 0 {
				fmt.Println("No bundles.")
				return nil
			}
			fmt.Println(strings.Join(ids, "\n"))
			return nil
		},
	}
}

func newBundleCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove bundle and result files for terminal tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			removed, err := bundle.Clean(cfg.Dir, st)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d files\n", len(removed))
			return nil
		},
	}
}
