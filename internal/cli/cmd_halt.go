package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/supervisor"
)

// newHaltCmd creates the halt command.
func newHaltCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Request a cooperative stop",
		Long: `Set the halt flag in the state document. The supervisor finishes the
workers already dispatched, then stops with exit code 5. Equivalent to
creating the ` + supervisor.StopFileName + ` sentinel in the working directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			err := store.WithLock(func(st *state.State) error {
				st.RequestHalt(reason, "operator")
				return nil
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Println("Halt requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "requested by operator", "why execution should stop")
	return cmd
}

// newResumeCmd creates the resume command.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear the halt flag and the stop sentinel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			if err := supervisor.Resume(store, cfg.Dir); err != nil {
				return err
			}
			noteRecovery(store)
			fmt.Println("Resumed")
			return nil
		},
	}
}

// newCheckHaltCmd creates the check-halt command.
func newCheckHaltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-halt",
		Short: "Report whether a halt is in effect (exit 5 if so)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			sentinel := supervisor.StopFilePresent(cfg.Dir)
			halted := st.HaltRequested() || sentinel
			fmt.Printf("halted=%v sentinel=%v flag=%v\n", halted, sentinel, st.HaltRequested())
			if halted {
				return &exitError{code: 5}
			}
			return nil
		},
	}
}
