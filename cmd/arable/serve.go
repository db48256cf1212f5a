package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/arable/internal/config"
	"github.com/mtzanidakis/arable/internal/natsbus"
	"github.com/mtzanidakis/arable/internal/scheduler"
	"github.com/spf13/cobra"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and event bus until interrupted",
		Long: `Serve runs due schedules and publishes orchestrator events on the
embedded NATS server. SIGHUP reloads agents, orchestrator and scheduler
settings from the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), load)
		},
	}
}

func runServe(ctx context.Context, load configLoader) error {
	a, err := openApp(load, withAgents)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("starting arable", "version", version)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if n, err := a.store.MarkInterruptedRuns(); err != nil {
		return fmt.Errorf("mark interrupted runs: %w", err)
	} else if n > 0 {
		slog.Warn("marked interrupted workflow runs", "count", n)
	}

	var events natsbus.Publisher
	if a.cfg.NATS.Enabled {
		bus, err := natsbus.New(a.cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()

		client, err := natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer client.Close()
		if err := client.EnsureEventStream(a.cfg.NATS.EventRetention); err != nil {
			slog.Warn("event history disabled", "error", err)
		}
		events = client
		a.withEvents(client)
		slog.Info("nats started", "port", bus.Port(), "event_store", bus.StoreDir())
	}

	sched := scheduler.New(a.store, a.orch, events, a.cfg.Scheduler)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(a, sched, load)
				continue
			}
			slog.Info("shutting down", "signal", sig)
			cancel()
			<-done
			return nil
		}
	}
}

// reload applies the reloadable parts of a changed config file. Errors
// keep the running config.
func reload(a *app, sched *scheduler.Scheduler, load configLoader) {
	next, err := load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	diff := config.Diff(a.cfg, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return
	}

	if len(diff.AgentsAdded)+len(diff.AgentsRemoved)+len(diff.AgentsChanged) > 0 {
		// Sync keeps live agents of the same type, so changed ones are
		// recreated from scratch.
		for _, id := range diff.AgentsChanged {
			if err := a.reg.Shutdown(id); err != nil {
				slog.Warn("agent shutdown failed", "agent", id, "error", err)
			}
		}
		if err := a.reg.Sync(next.Agents); err != nil {
			slog.Error("agent reload failed", "error", err)
			return
		}
		slog.Info("agents reloaded",
			"added", diff.AgentsAdded,
			"removed", diff.AgentsRemoved,
			"changed", diff.AgentsChanged)
	}
	if diff.OrchestratorChanged {
		a.orch.UpdateConfig(diff.NewOrchestrator)
	}
	if diff.SchedulerChanged {
		sched.UpdateConfig(diff.NewScheduler)
	}

	// Non-reloadable sections keep their running values.
	next.Log, next.Store, next.Memory, next.NATS, next.Vault = a.cfg.Log, a.cfg.Store, a.cfg.Memory, a.cfg.NATS, a.cfg.Vault
	a.cfg = next
}
