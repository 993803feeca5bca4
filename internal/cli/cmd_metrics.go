package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/verify"
)

// metricsReport is the combined metrics document.
type metricsReport struct {
	Execution   state.Metrics         `json:"execution"`
	Planning    state.PlanningMetrics `json:"planning"`
	Calibration *verify.Calibration   `json:"calibration,omitempty"`
}

// newMetricsCmd creates the metrics command.
func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print execution, planning, and calibration metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)

			report := metricsReport{
				Execution: st.Metrics(),
				Planning:  st.PlanningMetrics(),
			}
			if ledger, err := verify.OpenLedger(cfg.Dir); err == nil {
				report.Calibration, _ = ledger.Calibrate(cmd.Context())
				ledger.Close()
			}

			if jsonOut {
				return printJSON(report)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			m := report.Execution
			fmt.Fprintf(w, "completed\t%d\n", m.CompletedCount)
			fmt.Fprintf(w, "failed\t%d\n", m.FailedCount)
			fmt.Fprintf(w, "skipped\t%d\n", m.SkippedCount)
			fmt.Fprintf(w, "task success rate\t%.2f\n", m.TaskSuccessRate)
			fmt.Fprintf(w, "first-attempt rate\t%.2f\n", m.FirstAttemptRate)
			fmt.Fprintf(w, "average attempts\t%.2f\n", m.AverageAttempts)
			if m.TokensPerCompleted > 0 {
				fmt.Fprintf(w, "tokens per completed\t%.0f\n", m.TokensPerCompleted)
				fmt.Fprintf(w, "cost per completed\t$%.4f\n", m.CostPerCompleted)
			}
			if m.VerifiedTaskCount > 0 {
				fmt.Fprintf(w, "functional pass rate\t%.2f\n", m.FunctionalPassRate)
				fmt.Fprintf(w, "quality pass rate\t%.2f\n", m.QualityPassRate)
				fmt.Fprintf(w, "edge-case pass rate\t%.2f\n", m.TestEdgeCaseRate)
			}
			p := report.Planning
			fmt.Fprintf(w, "tasks\t%d\n", p.TaskCount)
			fmt.Fprintf(w, "steel-thread tasks\t%d\n", p.SteelThreadCount)
			if c := report.Calibration; c != nil && c.Total > 0 {
				fmt.Fprintf(w, "verifications\t%d\n", c.Total)
				fmt.Fprintf(w, "calibration score\t%.2f (%d judged)\n", c.Score, c.Judged)
			}
			return w.Flush()
		},
	}
}
