package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/router"
	"github.com/spf13/cobra"
)

func newAgentsCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and run configured agents",
	}
	cmd.AddCommand(
		newAgentsListCmd(load),
		newAgentsTypesCmd(load),
		newAgentsRouteCmd(load),
		newAgentsRunCmd(load),
	)
	return cmd
}

func newAgentsListCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withAgents)
			if err != nil {
				return err
			}
			defer a.Close()

			agents := a.reg.List()
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents configured.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCAPABILITIES")
			for _, info := range agents {
				names := make([]string, len(info.Capabilities))
				for i, c := range info.Capabilities {
					names[i] = c.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.ID, info.Type, info.Status, strings.Join(names, ", "))
			}
			return w.Flush()
		},
	}
}

func newAgentsTypesCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List registered agent types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withAgents)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tDESCRIPTION")
			for _, t := range a.reg.Types() {
				fmt.Fprintf(w, "%s\t%s\n", t.Type, t.Description)
			}
			return w.Flush()
		},
	}
}

func newAgentsRouteCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "route <capability>",
		Short: "Show which agents provide a capability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withAgents)
			if err != nil {
				return err
			}
			defer a.Close()

			rtr := router.New(a.reg, router.WithBusy(a.orch.Busy))
			providers := rtr.Providers(args[0])
			if len(providers) == 0 {
				return fmt.Errorf("%w %q", router.ErrNoProvider, args[0])
			}
			id, err := rtr.Route(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSELECTED")
			for _, p := range providers {
				selected := ""
				if p.ID == id {
					selected = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Type, p.Status, selected)
			}
			return w.Flush()
		},
	}
}

func newAgentsRunCmd(load configLoader) *cobra.Command {
	var taskJSON, taskFile string

	cmd := &cobra.Command{
		Use:   "run <agent-id|@agent-id|capability>",
		Short: "Run a single task on an agent",
		Long: `Run executes one task. The target is an agent ID, or a capability
name that is routed to an idle agent declaring it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := readTask(taskJSON, taskFile)
			if err != nil {
				return err
			}

			a, err := openApp(load, withAgents)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := router.New(a.reg, router.WithBusy(a.orch.Busy)).Route(args[0])
			if err != nil {
				return err
			}
			res, err := a.orch.RunTask(cmd.Context(), id, task)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("task failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskJSON, "task", "", "task payload as a JSON object")
	cmd.Flags().StringVarP(&taskFile, "task-file", "f", "", "read the task payload from a JSON file")
	cmd.MarkFlagsMutuallyExclusive("task", "task-file")
	return cmd
}

func readTask(raw, path string) (agent.Task, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read task file: %w", err)
		}
		raw = string(data)
	}
	task := agent.Task{}
	if strings.TrimSpace(raw) == "" {
		return task, nil
	}
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	return task, nil
}
