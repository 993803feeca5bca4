package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskerdev/tasker/internal/artifact"
	"github.com/taskerdev/tasker/internal/graph"
	"github.com/taskerdev/tasker/internal/phase"
	"github.com/taskerdev/tasker/internal/task"
)

// newValidateCmd creates the validate command group.
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate artifacts, task definitions, gates, and the DAG",
	}
	cmd.AddCommand(newValidateArtifactCmd())
	cmd.AddCommand(newValidateTasksCmd())
	cmd.AddCommand(newValidateGatesCmd())
	cmd.AddCommand(newValidateDagCmd())
	return cmd
}

func newValidateArtifactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifact <schema> <file>",
		Short: "Validate a JSON file against a named schema",
		Long: `Validate a JSON file against one of the embedded schemas:
  ` + strings.Join(artifact.SchemaNames(), ", "),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := artifact.ValidateFile(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s valid against %s\n", args[1], args[0])
			return nil
		},
	}
}

func newValidateTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "Validate every task-definition file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			defs, err := task.LoadAll(cfg.Dir)
			if err != nil {
				return err
			}
			fmt.Printf("%d task definitions valid\n", len(defs))
			return nil
		},
	}
}

func newValidateGatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "planning-gates",
		Short: "Run the planning gates without advancing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runtimeConfig()
			store := newStore(cfg)
			st, err := store.Load()
			if err != nil {
				return err
			}
			noteRecovery(store)
			result := phase.PlanningGates(st, cfg.Dir, cfg.Gates)
			if jsonOut {
				return printJSON(result)
			}
			if !result.Passed {
				return result.Err()
			}
			fmt.Println("Planning gates passed")
			return nil
		},
	}
}

func newValidateDagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dag",
		Short: "Check the task graph for cycles and steel-thread closure",
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
			if err := g.Validate(); err != nil {
				return err
			}
			order, err := g.TopoSort()
			if err != nil {
				return err
			}
			fmt.Printf("DAG valid: %d tasks, order %s\n", len(order), strings.Join(order, " "))
			return nil
		},
	}
}
