package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/supervisor"
)

// newRunCmd creates the run command.
func newRunCmd() *cobra.Command {
	var worker string
	var parallel int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution supervisor until done or halted",
		Long: `Run the batch loop: reserve ready tasks under a checkpoint, dispatch
one worker process per task, and reconcile their result files. The
loop stops when the workflow completes, a halt is requested
(` + supervisor.StopFileName + ` sentinel or the state flag), or an attempt is orphaned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			if worker != "" {
				cfg.WorkerCmd = worker
			}
			if parallel > 0 {
				cfg.Parallel = parallel
			}
			store := newStore(cfg)
			sup := supervisor.New(store, cfg, config.Logger())
			err := sup.Run(cmd.Context())
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Println("Execution finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker command (default $"+config.EnvWorker+")")
	cmd.Flags().IntVarP(&parallel, "parallel", "n", 0, "max workers per batch")
	return cmd
}
