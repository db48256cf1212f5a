package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Workflow run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunAborted   = "aborted"
)

type WorkflowRun struct {
	ID          string          `json:"id"`
	Workflow    string          `json:"workflow"`
	Status      string          `json:"status"`
	Definition  json.RawMessage `json:"definition,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	FailedStep  string          `json:"failed_step,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (r *WorkflowRun) Done() bool {
	return r.Status != RunRunning
}

const runColumns = `id, workflow, status, definition, results, failed_step, started_at, completed_at`

func scanWorkflowRun(s scanner) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var definition, results, failedStep *string
	err := s.Scan(&r.ID, &r.Workflow, &r.Status, &definition, &results, &failedStep, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if definition != nil {
		r.Definition = json.RawMessage(*definition)
	}
	if results != nil {
		r.Results = json.RawMessage(*results)
	}
	if failedStep != nil {
		r.FailedStep = *failedStep
	}
	return r, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *Store) SaveWorkflowRun(r *WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, workflow, status, definition, results, failed_step)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			results = excluded.results,
			failed_step = excluded.failed_step,
			completed_at = CASE WHEN excluded.status != 'running' THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Workflow, r.Status, nullableJSON(r.Definition), nullableJSON(r.Results), r.FailedStep)
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(id string) (*WorkflowRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	r, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	return r, nil
}

// ListWorkflowRuns returns the most recent runs first. A limit of zero
// returns every run.
func (s *Store) ListWorkflowRuns(limit int) ([]WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateWorkflowRun(id, status, failedStep string, results json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE workflow_runs
		SET status = ?, failed_step = ?, results = ?,
		    completed_at = CASE WHEN ? != 'running' THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, failedStep, nullableJSON(results), status, id)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	return nil
}

// MarkInterruptedRuns flags runs left in running state by a previous
// process as aborted.
func (s *Store) MarkInterruptedRuns() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET status = 'aborted', completed_at = CURRENT_TIMESTAMP
		WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteWorkflowRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM workflow_runs WHERE id = ?`, id)
	return err
}
