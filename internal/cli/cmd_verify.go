package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/verify"
)

// newRecordVerificationCmd creates the record-verification command.
func newRecordVerificationCmd() *cobra.Command {
	var verdict, recommendation, outcome, file string
	cmd := &cobra.Command{
		Use:   "record-verification <task-id>",
		Short: "Attach a verification verdict to a task",
		Long: `Record a verification verdict on a task and append it to the
calibration ledger. The verdict comes either from flags or from a
JSON file with the full verification block (--file). Once the real
outcome is known, re-run with --outcome correct|false_positive|
false_negative to update the ledger row.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			cfg := runtimeConfig()
			store := newStore(cfg)

			ledger, err := verify.OpenLedger(cfg.Dir)
			if err != nil {
				return err
			}
			defer ledger.Close()

			var attempt int
			if outcome != "" && verdict == "" && file == "" {
				// Outcome-only update against the latest recorded attempt.
				err := store.WithLock(func(st *state.State) error {
					t, err := st.Task(id)
					if err != nil {
						return err
					}
					attempt = t.Attempts
					return nil
				})
				noteRecovery(store)
				if err != nil {
					return err
				}
				if err := ledger.SetOutcome(cmd.Context(), id, attempt, outcome); err != nil {
					return err
				}
				fmt.Printf("%s attempt %d outcome: %s\n", id, attempt, outcome)
				return nil
			}

			v := &state.Verification{Verdict: verdict, Recommendation: recommendation}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
						"read verification file").With("path", file)
				}
				v = &state.Verification{}
				if err := json.Unmarshal(data, v); err != nil {
					return errors.Wrap(err, errors.CategorySchema, errors.CodeValidationFailed,
						"decode verification file").With("path", file)
				}
			}
			if v.Verdict == "" {
				return errors.New(errors.CategorySchema, errors.CodeValidationFailed,
					"a verdict is required").With("hint", "use --verdict or --file")
			}

			err = store.WithLock(func(st *state.State) error {
				if err := st.RecordVerification(id, v); err != nil {
					return err
				}
				t, err := st.Task(id)
				if err != nil {
					return err
				}
				attempt = t.Attempts
				return nil
			})
			noteRecovery(store)
			if err != nil {
				return err
			}

			entry := verify.Entry{
				TaskID:         id,
				Attempt:        attempt,
				Verdict:        v.Verdict,
				Recommendation: v.Recommendation,
				Outcome:        outcome,
			}
			if err := ledger.Record(cmd.Context(), entry); err != nil {
				return err
			}
			fmt.Printf("Recorded %s for %s (attempt %d)\n", v.Verdict, id, attempt)
			return nil
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "PASS, FAIL, or CONDITIONAL")
	cmd.Flags().StringVar(&recommendation, "recommendation", "PROCEED", "PROCEED or BLOCK")
	cmd.Flags().StringVar(&outcome, "outcome", "", "correct, false_positive, or false_negative")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the full verification block")
	return cmd
}
