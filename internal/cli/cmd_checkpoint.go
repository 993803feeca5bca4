package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/supervisor"
)

// newCheckpointCmd creates the checkpoint command group.
func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage the crash-recovery checkpoint",
	}
	cmd.AddCommand(newCheckpointCreateCmd())
	cmd.AddCommand(newCheckpointRecoverCmd())
	cmd.AddCommand(newCheckpointStatusCmd())
	cmd.AddCommand(newCheckpointCompleteCmd())
	cmd.AddCommand(newCheckpointClearCmd())
	return cmd
}

func newCheckpointCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <task-id>...",
		Short: "Reserve a batch of tasks under a new checkpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			err := store.WithLock(func(st *state.State) error {
				return st.CreateCheckpoint(args)
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Printf("Checkpoint created for %d tasks\n", len(args))
			return nil
		},
	}
}

func newCheckpointRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reconcile an interrupted batch after a crash",
		Long: `Apply any result files that landed before the crash and mark the
rest of the batch orphaned. Orphaned tasks stay running until the
operator runs "task retry" or "task skip" on them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			report, err := supervisor.RecoverCheckpoint(cmd.Context(), store, cfg.Dir, config.Logger())
			noteRecovery(store)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(report)
			}
			fmt.Printf("Checkpoint %s: %d applied, %d orphaned\n",
				report.CheckpointID, len(report.Applied), len(report.Orphaned))
			for _, id := range report.Applied {
				fmt.Printf("  %s: result applied\n", id)
			}
			for _, id := range report.Orphaned {
				fmt.Printf("  %s: orphaned (task retry|skip %s)\n", id, id)
			}
			return nil
		},
	}
}

func newCheckpointStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			if st.Checkpoint == nil {
				fmt.Println("No active checkpoint.")
				return nil
			}
			return printJSON(st.Checkpoint)
		},
	}
}

func newCheckpointCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete",
		Short: "Mark the checkpoint complete if every entry is resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			err := store.WithLock(func(st *state.State) error {
				if st.Checkpoint == nil {
					return errors.New(errors.CategoryState, errors.CodeNotFound,
						"no active checkpoint")
				}
				if !st.CompleteCheckpointIfDone() {
					return errors.New(errors.CategoryState, errors.CodeInvariant,
						"checkpoint has unresolved entries")
				}
				return nil
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Println("Checkpoint complete")
			return nil
		},
	}
}

func newCheckpointClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear a fully resolved checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			err := store.WithLock(func(st *state.State) error {
				if st.Checkpoint == nil {
					return errors.New(errors.CategoryState, errors.CodeNotFound,
						"no active checkpoint")
				}
				return st.ClearCheckpoint()
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Println("Checkpoint cleared")
			return nil
		},
	}
}
