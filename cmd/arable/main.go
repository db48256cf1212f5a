package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/agents"
	"github.com/mtzanidakis/arable/internal/config"
	"github.com/mtzanidakis/arable/internal/logging"
	"github.com/mtzanidakis/arable/internal/memory"
	"github.com/mtzanidakis/arable/internal/natsbus"
	"github.com/mtzanidakis/arable/internal/orchestrator"
	"github.com/mtzanidakis/arable/internal/registry"
	"github.com/mtzanidakis/arable/internal/store"
	"github.com/mtzanidakis/arable/internal/vault"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "arable",
		Short:         "Business automation agents and workflows",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $ARABLE_CONFIG or config/arable.yaml)")
	root.SetVersionTemplate("arable {{.Version}}\n")

	load := func() (*config.Config, error) {
		if cfgPath != "" {
			return config.LoadFile(cfgPath)
		}
		return config.Load()
	}

	root.AddCommand(
		newVersionCmd(),
		newAgentsCmd(load),
		newWorkflowCmd(load),
		newMemoryCmd(load),
		newSecretCmd(load),
		newScheduleCmd(load),
		newServeCmd(load),
		newEventsCmd(),
	)
	return root
}

type configLoader func() (*config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "arable %s\n", version)
		},
	}
}

// app holds the services a command needs. Only the parts requested in
// openApp are set.
type app struct {
	cfg     *config.Config
	logs    io.Closer
	store   *store.Store
	memory  *memory.Store
	secrets *vault.Secrets
	reg     *registry.Registry
	orch    *orchestrator.Orchestrator
}

type appParts int

const (
	withStore appParts = 1 << iota
	withMemory
	withAgents // implies store and memory
)

func openApp(load configLoader, parts appParts) (_ *app, err error) {
	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	_, logs := logging.Setup(cfg.Log)

	a := &app{cfg: cfg, logs: logs}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if parts&withAgents != 0 {
		parts |= withStore | withMemory
	}

	if parts&withStore != 0 {
		if a.store, err = store.New(cfg.Store); err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		if cfg.Vault.Passphrase != "" {
			v, err := vault.New(cfg.Vault.Passphrase)
			if err != nil {
				return nil, fmt.Errorf("init vault: %w", err)
			}
			a.secrets = vault.NewSecrets(v, a.store)
		}
	}

	if parts&withMemory != 0 {
		if a.memory, err = memory.New(cfg.Memory.Dir); err != nil {
			return nil, fmt.Errorf("init memory: %w", err)
		}
	}

	if parts&withAgents != 0 {
		opts := []registry.Option{registry.WithStore(a.store)}
		if a.secrets != nil {
			opts = append(opts, registry.WithSecrets(a.secrets))
		}
		a.reg = registry.New(agent.Deps{Memory: a.memory, Logger: slog.Default()}, opts...)
		if err := agents.RegisterBuiltin(a.reg); err != nil {
			return nil, err
		}
		if err := a.reg.Sync(cfg.Agents); err != nil {
			return nil, fmt.Errorf("sync agents: %w", err)
		}
		a.orch = orchestrator.New(a.reg, cfg.Orchestrator,
			orchestrator.WithStore(a.store),
			orchestrator.WithMemory(a.memory),
		)
	}
	return a, nil
}

// withEvents rebuilds the orchestrator so it publishes on p.
func (a *app) withEvents(p natsbus.Publisher) {
	a.orch = orchestrator.New(a.reg, a.cfg.Orchestrator,
		orchestrator.WithStore(a.store),
		orchestrator.WithMemory(a.memory),
		orchestrator.WithEvents(p),
	)
}

func (a *app) requireSecrets() (*vault.Secrets, error) {
	if a.secrets == nil {
		return nil, errors.New("vault passphrase not configured (set vault.passphrase or ARABLE_VAULT_PASSPHRASE)")
	}
	return a.secrets, nil
}

func (a *app) Close() error {
	var errs []error
	if a.reg != nil {
		errs = append(errs, a.reg.ShutdownAll())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseJSONArg decodes a command-line JSON value, treating anything that
// is not valid JSON as a plain string.
func parseJSONArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
