package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job priorities, lowest to highest.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
	PriorityUrgent   = "urgent"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobRequirements constrains which agents may execute a job.
type JobRequirements struct {
	AgentType    string   `json:"agent_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// JobConstraints bounds a job's execution. MaxRetries is a pointer so zero
// retries can be distinguished from "use the runtime default".
type JobConstraints struct {
	MaxExecutionTimeMs int64    `json:"max_execution_time_ms,omitempty"`
	MaxRetries         *int     `json:"max_retries,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
}

func (c JobConstraints) MaxExecutionTime() time.Duration {
	return time.Duration(c.MaxExecutionTimeMs) * time.Millisecond
}

type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     string          `json:"priority"`
	Payload      map[string]any  `json:"payload,omitempty"`
	Requirements JobRequirements `json:"requirements"`
	Constraints  JobConstraints  `json:"constraints"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (s *Store) UpsertJob(j *Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	requirements, _ := json.Marshal(j.Requirements)
	constraints, _ := json.Marshal(j.Constraints)

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, type, priority, payload, requirements, constraints, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		j.ID, j.Type, j.Priority, string(payload), string(requirements), string(constraints), j.Status)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, type, priority, payload, requirements, constraints, status, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobFilter narrows QueryJobs. Zero values are ignored.
type JobFilter struct {
	Type          string
	Status        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

func (s *Store) QueryJobs(f JobFilter) ([]Job, error) {
	query := `SELECT id, type, priority, payload, requirements, constraints, status, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.CreatedAfter.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.CreatedBefore)
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*Job, error) {
	j := &Job{}
	var payload, requirements, constraints sql.NullString
	err := scanner.Scan(&j.ID, &j.Type, &j.Priority, &payload, &requirements, &constraints, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &j.Payload)
	}
	if requirements.Valid && requirements.String != "" {
		_ = json.Unmarshal([]byte(requirements.String), &j.Requirements)
	}
	if constraints.Valid && constraints.String != "" {
		_ = json.Unmarshal([]byte(constraints.String), &j.Constraints)
	}
	return j, nil
}
