package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule statuses.
const (
	ScheduleActive    = "active"
	SchedulePaused    = "paused"
	ScheduleCompleted = "completed"
)

// Schedule runs a workflow file on a cron, interval or one-off basis.
// Spec holds the JSON schedule understood by the schedule package.
type Schedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Workflow   string     `json:"workflow"`
	Spec       string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduleColumns = `id, name, workflow, schedule, status,
	next_run_at, last_run_at, last_status, last_error, last_run_id, created_at`

func scanSchedule(s scanner) (*Schedule, error) {
	sc := &Schedule{}
	var lastStatus, lastError, lastRunID sql.NullString
	err := s.Scan(&sc.ID, &sc.Name, &sc.Workflow, &sc.Spec, &sc.Status,
		&sc.NextRunAt, &sc.LastRunAt, &lastStatus, &lastError, &lastRunID, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	sc.LastStatus = lastStatus.String
	sc.LastError = lastError.String
	sc.LastRunID = lastRunID.String
	return sc, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Store) SaveSchedule(sc *Schedule) error {
	if sc.Status == "" {
		sc.Status = ScheduleActive
	}
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, workflow, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			workflow = excluded.workflow,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sc.ID, sc.Name, sc.Workflow, sc.Spec, sc.Status, utcPtr(sc.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	out, err := s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

// GetDueSchedules returns active schedules whose next run is at or before
// now, earliest first.
func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	out, err := s.querySchedules(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateScheduleRun(id, lastStatus, lastError, runID string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, last_run_id = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, runID, utcPtr(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
