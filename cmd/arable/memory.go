package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/arable/internal/memory"
	"github.com/spf13/cobra"
)

func newMemoryCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memory",
		Aliases: []string{"mem"},
		Short:   "Read and maintain agent memory",
	}
	cmd.AddCommand(
		newMemoryGetCmd(load),
		newMemoryPutCmd(load),
		newMemoryListCmd(load),
		newMemorySearchCmd(load),
		newMemoryDeleteCmd(load),
		newMemoryStatsCmd(load),
		newMemoryCompactCmd(load),
		newMemoryBackupCmd(load),
		newMemoryRestoreCmd(load),
	)
	return cmd
}

func newMemoryGetCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent-id> <key>",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			e, ok, err := a.memory.Lookup(args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no memory %q for agent %s", args[1], args[0])
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}

func newMemoryPutCmd(load configLoader) *cobra.Command {
	var tags []string

	cmd := &cobra.Command{
		Use:   "put <agent-id> <key> <value>",
		Short: "Store a value (JSON, or a plain string)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.memory.Put(args[0], args[1], parseJSONArg(args[2]), tags...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s/%s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag the entry (repeatable)")
	return cmd
}

func newMemoryListCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list [agent-id]",
		Short: "List agents with memory, or one agent's keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				ids, err := a.memory.Agents()
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}
			entries, err := a.memory.List(args[0])
			if err != nil {
				return err
			}
			return printEntries(cmd, entries)
		},
	}
}

func newMemorySearchCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "search <agent-id> <tag>",
		Short: "List an agent's entries carrying a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.memory.Search(args[0], args[1])
			if err != nil {
				return err
			}
			return printEntries(cmd, entries)
		},
	}
}

func printEntries(cmd *cobra.Command, entries []memory.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No entries.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTAGS\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, strings.Join(e.Tags, ","), e.Timestamp.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func newMemoryDeleteCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id> <key>",
		Short: "Delete a stored value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.memory.Delete(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newMemoryStatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize memory usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.memory.Stats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newMemoryCompactCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "compact [agent-id...]",
		Short: "Rewrite memory files without superseded records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := args
			if len(ids) == 0 {
				if ids, err = a.memory.Agents(); err != nil {
					return err
				}
			}
			for _, id := range ids {
				if err := a.memory.Compact(id); err != nil {
					return fmt.Errorf("compact %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Compacted %d agent(s)\n", len(ids))
			return nil
		},
	}
}

func newMemoryBackupCmd(load configLoader) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive all memory files to a .tar.zst",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create backup file: %w", err)
			}
			n, err := a.memory.Backup(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(output)
				return fmt.Errorf("backup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %d agent(s) to %s\n", n, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "arable-memory.tar.zst", "output file")
	return cmd
}

func newMemoryRestoreCmd(load configLoader) *cobra.Command {
	var (
		input     string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore memory files from a backup archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open backup file: %w", err)
			}
			defer f.Close()

			n, err := a.memory.Restore(f, overwrite)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d agent(s) from %s\n", n, input)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "file", "f", "", "backup file to restore")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing memory files")
	cmd.MarkFlagRequired("file")
	return cmd
}
