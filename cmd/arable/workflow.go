package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/arable/internal/orchestrator"
	"github.com/mtzanidakis/arable/internal/workflow"
	"github.com/spf13/cobra"
)

func newWorkflowCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Run and inspect workflows",
	}
	cmd.AddCommand(
		newWorkflowRunCmd(load),
		newWorkflowValidateCmd(),
		newWorkflowStatusCmd(load),
		newWorkflowHistoryCmd(load),
	)
	return cmd
}

func newWorkflowRunCmd(load configLoader) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(load, withAgents)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if !asJSON {
				a.orch.OnStepComplete(func(runID string, sr orchestrator.StepResult) {
					progress := ""
					if p, ok := a.orch.Progress(runID); ok {
						progress = fmt.Sprintf(" [%d/%d]", p.Finished, p.Total)
					}
					printStep(out, sr, progress)
				})
			}

			res, err := a.orch.RunWorkflow(cmd.Context(), def)
			if err != nil {
				return err
			}
			if asJSON {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				printSummary(out, res)
			}
			if !res.Succeeded {
				return errors.New("workflow did not succeed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func printStep(w io.Writer, sr orchestrator.StepResult, progress string) {
	switch sr.Status {
	case orchestrator.StepSucceeded:
		fmt.Fprintf(w, "  ok    %s (%s, %d attempt(s))%s\n", sr.StepID, sr.Agent, sr.Attempts, progress)
	case orchestrator.StepFailed:
		fmt.Fprintf(w, "  FAIL  %s (%s): %s%s\n", sr.StepID, sr.Agent, sr.Error, progress)
	default:
		fmt.Fprintf(w, "  skip  %s: %s%s\n", sr.StepID, sr.Error, progress)
	}
}

func printSummary(w io.Writer, res *orchestrator.WorkflowResult) {
	c := res.Counts()
	fmt.Fprintf(w, "\nWorkflow %s run %s: %s in %s\n", res.Workflow, res.RunID,
		res.RunStatus(), res.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  %d succeeded, %d failed, %d skipped\n",
		c[orchestrator.StepSucceeded], c[orchestrator.StepFailed], c[orchestrator.StepSkipped])
	if res.FailedStep != "" {
		fmt.Fprintf(w, "  failed step: %s\n", res.FailedStep)
	}
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return err
			}
			order, err := def.Order()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %q is valid: %d steps, agents %s\n",
				def.Name, len(def.Steps), strings.Join(def.Agents(), ", "))
			fmt.Fprintf(cmd.OutOrStdout(), "Order: %s\n", strings.Join(order, " -> "))
			return nil
		},
	}
}

func newWorkflowStatusCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the persisted record of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withAgents)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.orch.Status(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func newWorkflowHistoryCmd(load configLoader) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListWorkflowRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflow runs.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATUS\tFAILED STEP\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Workflow, r.Status,
					r.FailedStep, r.StartedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	return cmd
}
