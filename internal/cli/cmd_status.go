package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/state"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show phase, task counts, and halt/checkpoint flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)

			summary := st.GetStatus()
			if jsonOut {
				return printJSON(summary)
			}

			fmt.Printf("Phase: %s\n", summary.Phase)
			if len(summary.PhaseCompleted) > 0 {
				fmt.Printf("Completed phases: %d\n", len(summary.PhaseCompleted))
			}
			fmt.Printf("Tasks: %d", summary.TotalTasks)
			for _, s := range []state.Status{state.StatusPending, state.StatusReady,
				state.StatusRunning, state.StatusComplete, state.StatusFailed,
				state.StatusBlocked, state.StatusSkipped} {
				if n := summary.TaskCounts[s]; n > 0 {
					fmt.Printf("  %s=%d", s, n)
				}
			}
			fmt.Println()
			if summary.TotalTokens > 0 {
				fmt.Printf("Tokens: %d ($%.4f)\n", summary.TotalTokens, summary.TotalCost)
			}
			if summary.HaltRequested {
				fmt.Println("HALT requested")
			}
			if summary.HasCheckpoint {
				fmt.Println("Checkpoint active")
			}

			if summary.TotalTasks > 0 {
				fmt.Println()
				printTaskTable(st)
			}
			if isatty.IsTerminal(os.Stdout.Fd()) && summary.TotalTasks == 0 {
				fmt.Println("\nLoad task definitions with: tasker task load")
			}
			return nil
		},
	}
}

func printTaskTable(st *state.State) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPHASE\tSTATUS\tATTEMPTS\tDEPS")
	for _, id := range st.TaskIDs() {
		t := st.Tasks[id]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\n",
			t.ID, t.Name, t.Phase, t.Status, t.Attempts, len(t.DependsOn))
	}
	w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
