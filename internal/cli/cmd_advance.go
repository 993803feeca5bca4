package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/phase"
	"github.com/taskerdev/tasker/internal/state"
)

// newAdvanceCmd creates the advance command.
func newAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Advance to the next phase if its gates pass",
		Long: `Evaluate the gates for leaving the current phase and, if they all
pass, move to the next one. On gate failure the state is unchanged and
the failed gate plus offending ids are reported (exit code 2).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)

			var result *phase.GateResult
			err := store.WithLock(func(st *state.State) error {
				var aerr error
				result, aerr = phase.Advance(st, cfg.Dir, cfg.Gates)
				return aerr
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(result)
			}
			fmt.Printf("Advanced: %s -> %s\n", result.From, result.To)
			return nil
		},
	}
}
