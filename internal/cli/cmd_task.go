package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/graph"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/storage"
	"github.com/taskerdev/tasker/internal/supervisor"
	"github.com/taskerdev/tasker/internal/task"
)

// isOrphan reports whether id is an orphaned entry of the active
// checkpoint, in which case retry/skip go through orphan disposition.
func isOrphan(store *storage.Store, id string) (bool, error) {
	st, err := store.Load()
	if err != nil {
		return false, err
	}
	return st.Checkpoint != nil &&
		st.Checkpoint.Results[id] == state.CheckpointOrphaned, nil
}

// newTaskCmd creates the task command group.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and transition tasks",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskReadyCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskStartCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskFailCmd())
	cmd.AddCommand(newTaskSkipCmd())
	cmd.AddCommand(newTaskRetryCmd())
	cmd.AddCommand(newTaskLoadCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			if jsonOut {
				tasks := make([]*state.Task, 0, len(st.Tasks))
				for _, id := range st.TaskIDs() {
					tasks = append(tasks, st.Tasks[id])
				}
				return printJSON(tasks)
			}
			if len(st.Tasks) == 0 {
				fmt.Println("No tasks loaded.")
				return nil
			}
			printTaskTable(st)
			return nil
		},
	}
}

func newTaskReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List tasks whose dependencies are satisfied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			g, err := graph.Build(st.Tasks)
			if err != nil {
				return err
			}
			ready := g.ReadySet(st)
			if jsonOut {
				return printJSON(ready)
			}
			if len(ready) == 0 {
				fmt.Println("No ready tasks.")
				return nil
			}
			fmt.Println(strings.Join(ready, "\n"))
			return nil
		},
	}
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Print one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			t, err := st.Task(args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func newTaskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Transition a task to running",
		Long: `Transition a reserved task to running. The task must be listed by
the active checkpoint; use "checkpoint create" first when driving
execution by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			err := store.WithLock(func(st *state.State) error {
				return st.StartTask(args[0])
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Printf("%s running\n", args[0])
			return nil
		},
	}
}

func newTaskCompleteCmd() *cobra.Command {
	var created, modified []string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Transition a running task to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			err := store.WithLock(func(st *state.State) error {
				if err := st.CompleteTask(args[0], created, modified); err != nil {
					return err
				}
				if err := st.SetCheckpointResult(args[0], state.CheckpointSuccess); err == nil {
					st.CompleteCheckpointIfDone()
				}
				return nil
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Printf("%s complete\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&created, "created", nil, "files the attempt created")
	cmd.Flags().StringSliceVar(&modified, "modified", nil, "files the attempt modified")
	return cmd
}

func newTaskFailCmd() *cobra.Command {
	var message, category string
	var retryable bool
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Transition a task to failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			err := store.WithLock(func(st *state.State) error {
				if err := st.FailTask(args[0], message, category, retryable); err != nil {
					return err
				}
				if err := st.SetCheckpointResult(args[0], state.CheckpointFailed); err == nil {
					st.CompleteCheckpointIfDone()
				}
				return nil
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Printf("%s failed\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "failed by operator", "error message")
	cmd.Flags().StringVar(&category, "category", "execution", "error category")
	cmd.Flags().BoolVar(&retryable, "retryable", false, "mark the failure retryable")
	return cmd
}

func newTaskSkipCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip <task-id>",
		Short: "Skip a non-terminal task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			if orphaned, err := isOrphan(store, args[0]); err != nil {
				return err
			} else if orphaned {
				if err := supervisor.ResolveOrphan(store, args[0], "skip"); err != nil {
					return err
				}
				fmt.Printf("%s skipped (orphan resolved)\n", args[0])
				return nil
			}
			err := store.WithLock(func(st *state.State) error {
				return st.SkipTask(args[0], reason)
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Printf("%s skipped\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is skipped")
	return cmd
}

func newTaskRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Return a failed or orphaned task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore(runtimeConfig())
			if orphaned, err := isOrphan(store, args[0]); err != nil {
				return err
			} else if orphaned {
				if err := supervisor.ResolveOrphan(store, args[0], "retry"); err != nil {
					return err
				}
				fmt.Printf("%s pending (orphan resolved)\n", args[0])
				return nil
			}
			err := store.WithLock(func(st *state.State) error {
				return st.RetryTask(args[0])
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Printf("%s pending\n", args[0])
			return nil
		},
	}
}

func newTaskLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load task-definition files into the state document",
		Long: `Read every tasks/**/T*.json definition, validate it against the
task-definition schema, and upsert it into the state document. A task
defined in more than one file keeps the phase assigned last.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			var count int
			err := store.WithLock(func(st *state.State) error {
				defs, err := task.LoadAll(cfg.Dir)
				if err != nil {
					return err
				}
				for _, d := range defs {
					st.UpsertTask(d.StateTask())
				}
				count = len(defs)
				return nil
			})
			noteRecovery(store)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d task definitions\n", count)
			return nil
		},
	}
}
