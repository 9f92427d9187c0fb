package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowRun is the persisted snapshot of one workflow invocation. Steps and
// Result are opaque JSON owned by the orchestrator.
type WorkflowRun struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      string          `json:"status"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Steps       json.RawMessage `json:"steps,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (s *Store) SaveWorkflowRun(r *WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, workflow_id, status, parameters, steps)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			steps = excluded.steps`,
		r.ID, r.WorkflowID, r.Status, string(r.Parameters), string(r.Steps))
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkflowRun(id, status string, steps, result json.RawMessage, runErr string) error {
	var completedAt any
	if status == "completed" || status == "failed" || status == "cancelled" {
		completedAt = time.Now()
	}
	_, err := s.db.Exec(`
		UPDATE workflow_runs
		SET status = ?, steps = ?, result = ?, error = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		status, string(steps), string(result), runErr, completedAt, id)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(id string) (*WorkflowRun, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_id, status, parameters, steps, result, error, started_at, completed_at
		FROM workflow_runs WHERE id = ?`, id)
	r, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	return r, nil
}

func (s *Store) ListWorkflowRuns(limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, workflow_id, status, parameters, steps, result, error, started_at, completed_at
		FROM workflow_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
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

func scanWorkflowRun(scanner interface {
	Scan(dest ...any) error
}) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var parameters, steps, result, runErr sql.NullString
	err := scanner.Scan(&r.ID, &r.WorkflowID, &r.Status, &parameters, &steps, &result, &runErr, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if parameters.Valid && parameters.String != "" {
		r.Parameters = json.RawMessage(parameters.String)
	}
	if steps.Valid && steps.String != "" {
		r.Steps = json.RawMessage(steps.String)
	}
	if result.Valid && result.String != "" {
		r.Result = json.RawMessage(result.String)
	}
	r.Error = runErr.String
	return r, nil
}
