package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/arable/internal/schedule"
	"github.com/mtzanidakis/arable/internal/scheduler"
	"github.com/mtzanidakis/arable/internal/store"
	"github.com/spf13/cobra"
)

func newScheduleCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run workflows on a cron, interval or one-off schedule",
		Long: `Schedules accept a cron expression ("0 9 * * 1-5"), an interval
("30m", "2h") or an RFC3339 timestamp for a single run. Due schedules
are executed by "arable serve" or "arable schedule run-due".`,
	}
	cmd.AddCommand(
		newScheduleAddCmd(load),
		newScheduleListCmd(load),
		newScheduleStatusCmd(load, "pause", store.SchedulePaused),
		newScheduleStatusCmd(load, "resume", store.ScheduleActive),
		newScheduleRemoveCmd(load),
		newScheduleRunDueCmd(load),
	)
	return cmd
}

func newScheduleAddCmd(load configLoader) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <workflow-file> <schedule>",
		Short: "Schedule a workflow file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.New(a.store, nil, nil, a.cfg.Scheduler)
			sc, err := sched.Add(name, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s (%s) added: %s, next run %s\n",
				sc.ID, sc.Name, schedule.Format(sc.Spec), formatTime(sc.NextRunAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "schedule name (default: the workflow name)")
	return cmd
}

func newScheduleListCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()

			schedules, err := a.store.ListSchedules()
			if err != nil {
				return err
			}
			if len(schedules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No schedules.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tSTATUS\tNEXT RUN\tLAST STATUS")
			for _, sc := range schedules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", sc.ID, sc.Name, schedule.Format(sc.Spec),
					sc.Status, formatTime(sc.NextRunAt), sc.LastStatus)
			}
			return w.Flush()
		},
	}
}

func newScheduleStatusCmd(load configLoader, use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: "Set a schedule " + status,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()

			sc, err := a.store.GetSchedule(args[0])
			if err != nil {
				return err
			}
			if sc == nil {
				return fmt.Errorf("schedule %s not found", args[0])
			}
			if err := a.store.UpdateScheduleStatus(sc.ID, status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s is %s.\n", sc.ID, status)
			return nil
		},
	}
}

func newScheduleRemoveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <schedule-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a schedule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.DeleteSchedule(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s removed.\n", args[0])
			return nil
		},
	}
}

func newScheduleRunDueCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Execute every schedule that is due now, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withAgents)
			if err != nil {
				return err
			}
			defer a.Close()

			n := scheduler.New(a.store, a.orch, nil, a.cfg.Scheduler).RunDue(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Executed %d schedule(s).\n", n)
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
