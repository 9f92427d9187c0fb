package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Message types.
const (
	MessageTask      = "task"
	MessageStatus    = "status"
	MessageError     = "error"
	MessageBroadcast = "broadcast"
	MessageDirect    = "direct"
)

// Message delivery statuses.
const (
	MessageUnprocessed = "unprocessed"
	MessageProcessed   = "processed"
	MessageFailed      = "failed"
	MessageExpired     = "expired"
)

type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  string          `json:"priority"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (s *Store) InsertMessage(m *Message) error {
	// created_at is bound here rather than defaulted by SQLite: the column
	// orders delivery, and CURRENT_TIMESTAMP only has second resolution.
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, type, sender, recipient, topic, payload, priority, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Type, m.From, nullString(m.To), m.Topic, string(m.Payload), m.Priority, MessageUnprocessed, m.CreatedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// QueryUnprocessedMessages returns up to limit undelivered messages in
// creation-time order. Ordering is only guaranteed within one batch.
func (s *Store) QueryUnprocessedMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, type, sender, recipient, topic, payload, priority, status, attempts, created_at, expires_at
		FROM messages
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`, MessageUnprocessed, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, type, sender, recipient, topic, payload, priority, status, attempts, created_at, expires_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) MarkMessageProcessed(id string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, MessageProcessed, id)
	return err
}

func (s *Store) MarkMessageFailed(id string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, MessageFailed, id)
	return err
}

func (s *Store) MarkMessageExpired(id string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, MessageExpired, id)
	return err
}

// IncrementMessageAttempts bumps the delivery counter and returns the new value.
func (s *Store) IncrementMessageAttempts(id string) (int, error) {
	_, err := s.db.Exec(`UPDATE messages SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM messages WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// DeleteExpiredMessages removes terminal messages older than the retention
// window and any message past its expires_at.
func (s *Store) DeleteExpiredMessages(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.Exec(`
		DELETE FROM messages
		WHERE (status IN (?, ?, ?) AND created_at < ?)
		   OR (expires_at IS NOT NULL AND expires_at < CURRENT_TIMESTAMP)`,
		MessageProcessed, MessageFailed, MessageExpired, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMessage(scanner interface {
	Scan(dest ...any) error
}) (*Message, error) {
	m := &Message{}
	var to, payload sql.NullString
	err := scanner.Scan(&m.ID, &m.Type, &m.From, &to, &m.Topic, &payload, &m.Priority, &m.Status, &m.Attempts, &m.CreatedAt, &m.ExpiresAt)
	if err != nil {
		return nil, err
	}
	m.To = to.String
	if payload.Valid && payload.String != "" {
		m.Payload = json.RawMessage(payload.String)
	}
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
