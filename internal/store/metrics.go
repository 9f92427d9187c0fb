package store

import (
	"fmt"
	"time"
)

type Metric struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) RecordMetric(agentID, name string, value float64, unit string) error {
	_, err := s.db.Exec(`
		INSERT INTO metrics (agent_id, name, value, unit)
		VALUES (?, ?, ?, ?)`,
		agentID, name, value, unit)
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

func (s *Store) QueryMetrics(agentID, name string, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT agent_id, name, value, unit, created_at FROM metrics WHERE agent_id = ?`
	args := []any{agentID}
	if name != "" {
		query += " AND name = ?"
		args = append(args, name)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.AgentID, &m.Name, &m.Value, &m.Unit, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
