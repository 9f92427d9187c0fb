package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Trigger submits a workflow on a schedule (cron, interval or one-off).
type Trigger struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     string          `json:"status"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	LastStatus string          `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Store) SaveTrigger(t *Trigger) error {
	_, err := s.db.Exec(`
		INSERT INTO triggers (id, workflow_id, name, schedule, parameters, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			name = excluded.name,
			schedule = excluded.schedule,
			parameters = excluded.parameters,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.WorkflowID, t.Name, t.Schedule, string(t.Parameters), t.Status, t.NextRunAt)
	if err != nil {
		return fmt.Errorf("save trigger: %w", err)
	}
	return nil
}

func (s *Store) GetTrigger(id string) (*Trigger, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_id, name, schedule, parameters, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return t, nil
}

func (s *Store) ListTriggers() ([]Trigger, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, name, schedule, parameters, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM triggers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, *t)
	}
	return triggers, rows.Err()
}

func (s *Store) GetDueTriggers(now time.Time) ([]Trigger, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, name, schedule, parameters, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM triggers
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due triggers: %w", err)
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, *t)
	}
	return triggers, rows.Err()
}

func (s *Store) UpdateTriggerRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE triggers
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateTriggerStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE triggers SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteTrigger(id string) error {
	_, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	return err
}

func scanTrigger(scanner interface {
	Scan(dest ...any) error
}) (*Trigger, error) {
	t := &Trigger{}
	var parameters, lastStatus, lastError sql.NullString
	err := scanner.Scan(&t.ID, &t.WorkflowID, &t.Name, &t.Schedule, &parameters, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if parameters.Valid && parameters.String != "" {
		t.Parameters = json.RawMessage(parameters.String)
	}
	t.LastStatus = lastStatus.String
	t.LastError = lastError.String
	return t, nil
}
