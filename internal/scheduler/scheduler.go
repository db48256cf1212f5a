// Package scheduler runs stored workflow schedules when they come due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/arable/internal/config"
	"github.com/mtzanidakis/arable/internal/natsbus"
	"github.com/mtzanidakis/arable/internal/orchestrator"
	"github.com/mtzanidakis/arable/internal/schedule"
	"github.com/mtzanidakis/arable/internal/store"
	"github.com/mtzanidakis/arable/internal/workflow"
)

const defaultPollInterval = 30 * time.Second

// Last run outcomes recorded on a schedule.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

type Scheduler struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	events natsbus.Publisher

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
	now          func() time.Time
}

// New creates a scheduler. events may be nil.
func New(s *store.Store, orch *orchestrator.Orchestrator, events natsbus.Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		orch:         orch,
		events:       events,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return defaultPollInterval
	}
	return s.pollInterval
}

// Add validates the workflow file and the schedule, then stores it with its
// first run time.
func (s *Scheduler) Add(name, workflowPath, rawSpec string) (*store.Schedule, error) {
	abs, err := filepath.Abs(workflowPath)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow path: %w", err)
	}
	def, err := workflow.Load(abs)
	if err != nil {
		return nil, err
	}

	normalized, err := schedule.Normalize(rawSpec)
	if err != nil {
		return nil, err
	}
	spec, err := schedule.Parse(normalized)
	if err != nil {
		return nil, err
	}
	next := spec.Next(s.now())
	if next == nil {
		return nil, fmt.Errorf("schedule %s never fires", spec)
	}

	if name == "" {
		name = def.Name
	}
	sc := &store.Schedule{
		ID:        uuid.NewString(),
		Name:      name,
		Workflow:  abs,
		Spec:      normalized,
		Status:    store.ScheduleActive,
		NextRunAt: next,
	}
	if err := s.store.SaveSchedule(sc); err != nil {
		return nil, err
	}
	slog.Info("schedule added", "id", sc.ID, "name", name, "workflow", abs, "schedule", spec.String(), "next_run", next)
	return sc, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue executes every active schedule whose next run has passed, one
// after another, and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	due, err := s.store.GetDueSchedules(s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return 0
	}

	for _, sc := range due {
		if ctx.Err() != nil {
			return 0
		}
		s.execute(ctx, sc)
	}
	return len(due)
}

func (s *Scheduler) execute(ctx context.Context, sc store.Schedule) {
	log := slog.With("schedule", sc.ID, "name", sc.Name)
	log.Info("executing scheduled workflow", "workflow", sc.Workflow)

	var runID, lastStatus, lastError string
	def, err := workflow.Load(sc.Workflow)
	if err == nil {
		var res *orchestrator.WorkflowResult
		res, err = s.orch.RunWorkflow(ctx, def)
		if res != nil {
			runID = res.RunID
			lastStatus = StatusSuccess
			if !res.Succeeded {
				lastStatus = StatusFailed
				lastError = fmt.Sprintf("step %s failed", res.FailedStep)
				if res.Aborted {
					lastError = "workflow aborted"
				}
			}
		}
	}
	if err != nil {
		lastStatus = StatusError
		lastError = err.Error()
		log.Error("scheduled workflow could not run", "error", err)
	}

	var next *time.Time
	spec, perr := schedule.Parse(sc.Spec)
	if perr != nil {
		log.Error("invalid stored schedule", "error", perr)
	} else {
		next = spec.Next(s.now())
	}

	if err := s.store.UpdateScheduleRun(sc.ID, lastStatus, lastError, runID, next); err != nil {
		log.Error("failed to update schedule run", "error", err)
	}

	if s.events != nil {
		ev := natsbus.NewEvent("schedule_executed", runID, map[string]any{
			"id":     sc.ID,
			"name":   sc.Name,
			"status": lastStatus,
			"error":  lastError,
		})
		if err := s.events.PublishJSON(natsbus.TopicEventsSchedule(sc.ID), ev); err != nil {
			log.Debug("publish schedule event failed", "error", err)
		}
	}

	if next == nil {
		log.Info("no next run, marking schedule completed")
		if err := s.store.UpdateScheduleStatus(sc.ID, store.ScheduleCompleted); err != nil {
			log.Error("failed to complete schedule", "error", err)
		}
	}
}
