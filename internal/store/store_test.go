package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/arable/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{
		ID:          "extractor",
		Type:        "document_extractor",
		Description: "Reads purchase orders",
		Config:      map[string]any{"api_token": "secret:monday", "limit": float64(5)},
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("extractor")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.Type != "document_extractor" {
		t.Errorf("expected type 'document_extractor', got '%s'", got.Type)
	}
	if got.Config["api_token"] != "secret:monday" || got.Config["limit"] != float64(5) {
		t.Errorf("unexpected config %v", got.Config)
	}

	// Update
	a.Description = "Updated"
	a.Config = nil
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	got, _ = s.GetAgent("extractor")
	if got.Description != "Updated" {
		t.Errorf("expected 'Updated', got '%s'", got.Description)
	}
	if len(got.Config) != 0 {
		t.Errorf("expected empty config, got %v", got.Config)
	}

	// Not found
	got, err = s.GetAgent("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent agent")
	}

	// DeleteAgentsNotIn
	_ = s.SaveAgent(&Agent{ID: "manager", Type: "monday_manager"})
	_ = s.SaveAgent(&Agent{ID: "stale", Type: "monday_manager"})
	if err := s.DeleteAgentsNotIn([]string{"extractor", "manager"}); err != nil {
		t.Fatalf("delete agents not in: %v", err)
	}
	agents, _ := s.ListAgents()
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents after delete, got %d", len(agents))
	}
	if agents[0].ID != "extractor" || agents[1].ID != "manager" {
		t.Errorf("expected agents sorted by id, got %v", agents)
	}

	if err := s.DeleteAgentsNotIn(nil); err != nil {
		t.Fatal(err)
	}
	agents, _ = s.ListAgents()
	if len(agents) != 0 {
		t.Errorf("expected no agents, got %d", len(agents))
	}
}

func TestWorkflowRunCRUD(t *testing.T) {
	s := newTestStore(t)

	def, _ := json.Marshal(map[string]any{"name": "onboarding"})
	run := &WorkflowRun{
		ID:         "run-1",
		Workflow:   "onboarding",
		Status:     RunRunning,
		Definition: def,
	}
	if err := s.SaveWorkflowRun(run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetWorkflowRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunRunning || got.Done() {
		t.Errorf("expected running, got '%s'", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("running run should have no completion time")
	}

	results, _ := json.Marshal([]map[string]string{{"step_id": "extract", "status": "failed"}})
	if err := s.UpdateWorkflowRun("run-1", RunFailed, "extract", results); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, _ = s.GetWorkflowRun("run-1")
	if got.Status != RunFailed || got.FailedStep != "extract" {
		t.Errorf("unexpected run after update: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion time")
	}
	if string(got.Results) != string(results) {
		t.Errorf("results = %s", got.Results)
	}

	missing, err := s.GetWorkflowRun("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil; got %v, %v", missing, err)
	}
}

func TestMarkInterruptedRuns(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorkflowRun(&WorkflowRun{ID: "a", Workflow: "w", Status: RunRunning})
	_ = s.SaveWorkflowRun(&WorkflowRun{ID: "b", Workflow: "w", Status: RunSucceeded})

	n, err := s.MarkInterruptedRuns()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 interrupted run, got %d", n)
	}
	got, _ := s.GetWorkflowRun("a")
	if got.Status != RunAborted {
		t.Errorf("expected aborted, got %s", got.Status)
	}

	runs, err := s.ListWorkflowRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("expected limit to apply, got %d runs", len(runs))
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	nextRun := time.Now().Add(-1 * time.Minute)
	sc := &Schedule{
		ID:        "sched-1",
		Name:      "nightly sync",
		Workflow:  "workflows/sync.yaml",
		Spec:      `{"kind":"interval","interval_ms":60000}`,
		NextRunAt: &nextRun,
	}
	if err := s.SaveSchedule(sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	got, err := s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Name != "nightly sync" || got.Status != ScheduleActive {
		t.Errorf("unexpected schedule %+v", got)
	}

	due, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("get due schedules: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due schedule, got %d", len(due))
	}

	later := time.Now().Add(time.Hour)
	if err := s.UpdateScheduleRun("sched-1", "succeeded", "", "run-9", &later); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSchedule("sched-1")
	if got.LastRunID != "run-9" || got.LastStatus != "succeeded" || got.LastRunAt == nil {
		t.Errorf("unexpected schedule after run: %+v", got)
	}
	due, _ = s.GetDueSchedules(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due schedules, got %d", len(due))
	}

	// Pause
	_ = s.UpdateScheduleRun("sched-1", "succeeded", "", "run-9", &nextRun)
	_ = s.UpdateScheduleStatus("sched-1", SchedulePaused)
	due, _ = s.GetDueSchedules(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due schedules after pause, got %d", len(due))
	}

	if err := s.DeleteSchedule("sched-1"); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ListSchedules()
	if len(all) != 0 {
		t.Errorf("expected no schedules, got %d", len(all))
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "monday", Description: "API token", Value: []byte{1, 2, 3}, Nonce: []byte{4, 5}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}
	if sec.ID != "monday" {
		t.Errorf("expected id defaulted to name, got %q", sec.ID)
	}

	got, err := s.GetSecret("monday")
	if err != nil || got == nil {
		t.Fatalf("get secret: %v", err)
	}
	if string(got.Value) != string([]byte{1, 2, 3}) || len(got.Nonce) != 2 {
		t.Errorf("unexpected secret payload %+v", got)
	}

	list, err := s.ListSecrets()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Value != nil {
		t.Errorf("list should return metadata only: %+v", list)
	}

	if err := s.DeleteSecret("monday"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSecret("monday")
	if got != nil {
		t.Error("expected secret deleted")
	}
}
