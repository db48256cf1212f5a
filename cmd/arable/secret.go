package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSecretCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted secrets referenced from agent config",
		Long: `Secrets are encrypted with the vault passphrase (vault.passphrase or
ARABLE_VAULT_PASSPHRASE) and referenced from agent config as "secret:<name>".`,
	}
	cmd.AddCommand(
		newSecretSetCmd(load),
		newSecretGetCmd(load),
		newSecretListCmd(load),
		newSecretDeleteCmd(load),
	)
	return cmd
}

func newSecretSetCmd(load configLoader) *cobra.Command {
	var value, file, description string

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store or replace a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read file: %w", err)
				}
				data = b
			case value != "":
				data = []byte(value)
			default:
				return errors.New("one of --value or --file is required")
			}

			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()
			secrets, err := a.requireSecrets()
			if err != nil {
				return err
			}

			if err := secrets.Set(args[0], description, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %q stored.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value")
	cmd.Flags().StringVar(&file, "file", "", "read the secret value from a file")
	cmd.Flags().StringVar(&description, "description", "", "what the secret is for")
	cmd.MarkFlagsMutuallyExclusive("value", "file")
	return cmd
}

func newSecretGetCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Decrypt and print a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()
			secrets, err := a.requireSecrets()
			if err != nil {
				return err
			}

			v, err := secrets.Get(args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(v)
			return err
		},
	}
}

func newSecretListCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets (metadata only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()

			secrets, err := a.store.ListSecrets()
			if err != nil {
				return err
			}
			if len(secrets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
			for _, s := range secrets {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newSecretDeleteCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(load, withStore)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.DeleteSecret(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %q deleted.\n", args[0])
			return nil
		},
	}
}
