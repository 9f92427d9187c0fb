package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Values larger than this are stored zstd-compressed. Scraped page bodies
// and extraction results routinely run to hundreds of KB.
const compressThreshold = 4 * 1024

var (
	memEncoder, _ = zstd.NewWriter(nil)
	memDecoder, _ = zstd.NewReader(nil)
)

type MemoryEntry struct {
	OwnerID      string          `json:"owner_id"`
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	Type         string          `json:"type,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	TTL          time.Duration   `json:"ttl,omitempty"` // 0 = never time-expires
	AccessCount  int64           `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExpiresAt returns the entry's expiry time, or zero if it never expires.
func (e *MemoryEntry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

func (e *MemoryEntry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

func (s *Store) UpsertMemoryEntry(e *MemoryEntry) error {
	value := []byte(e.Value)
	compressed := false
	if len(value) > compressThreshold {
		value = memEncoder.EncodeAll(value, nil)
		compressed = true
	}
	tags, _ := json.Marshal(e.Tags)

	var expiresAt *time.Time
	if exp := e.ExpiresAt(); !exp.IsZero() {
		expiresAt = &exp
	}

	_, err := s.db.Exec(`
		INSERT INTO memory_entries (owner_id, key, value, compressed, type, tags, ttl_ms, expires_at, access_count, last_accessed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(owner_id, key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			type = excluded.type,
			tags = excluded.tags,
			ttl_ms = excluded.ttl_ms,
			expires_at = excluded.expires_at,
			access_count = excluded.access_count,
			last_accessed = excluded.last_accessed,
			updated_at = CURRENT_TIMESTAMP`,
		e.OwnerID, e.Key, value, compressed, e.Type, string(tags), e.TTL.Milliseconds(), expiresAt,
		e.AccessCount, e.LastAccessed, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert memory entry: %w", err)
	}
	return nil
}

func (s *Store) GetMemoryEntry(ownerID, key string) (*MemoryEntry, error) {
	row := s.db.QueryRow(`
		SELECT owner_id, key, value, compressed, type, tags, ttl_ms, access_count, last_accessed, created_at, updated_at
		FROM memory_entries WHERE owner_id = ? AND key = ?`, ownerID, key)
	e, err := scanMemoryEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory entry: %w", err)
	}
	return e, nil
}

// MemoryFilter narrows QueryMemoryEntries. Zero values are ignored; any
// combination of fields may be set.
type MemoryFilter struct {
	Keys          []string
	Tags          []string
	Type          string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Offset        int
	Limit         int
}

func (s *Store) QueryMemoryEntries(ownerID string, f MemoryFilter) ([]MemoryEntry, error) {
	query := `SELECT owner_id, key, value, compressed, type, tags, ttl_ms, access_count, last_accessed, created_at, updated_at
		FROM memory_entries WHERE owner_id = ?`
	args := []any{ownerID}

	if len(f.Keys) > 0 {
		query += " AND key IN ("
		for i, k := range f.Keys {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, k)
		}
		query += ")"
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
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

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		e, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		// Tag filtering is done in Go: tags are a JSON array column.
		if len(f.Tags) > 0 && !hasAnyTag(e.Tags, f.Tags) {
			continue
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteMemoryEntry(ownerID, key string) error {
	_, err := s.db.Exec(`DELETE FROM memory_entries WHERE owner_id = ? AND key = ?`, ownerID, key)
	return err
}

func (s *Store) ClearMemoryEntries(ownerID string) error {
	_, err := s.db.Exec(`DELETE FROM memory_entries WHERE owner_id = ?`, ownerID)
	return err
}

func (s *Store) DeleteExpiredMemoryEntries() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at < CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, fmt.Errorf("delete expired memory entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMemoryEntry(scanner interface {
	Scan(dest ...any) error
}) (*MemoryEntry, error) {
	e := &MemoryEntry{}
	var value []byte
	var compressed bool
	var entryType, tags sql.NullString
	var ttlMs int64
	var lastAccessed sql.NullTime
	err := scanner.Scan(&e.OwnerID, &e.Key, &value, &compressed, &entryType, &tags, &ttlMs,
		&e.AccessCount, &lastAccessed, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if compressed {
		value, err = memDecoder.DecodeAll(value, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress value: %w", err)
		}
	}
	e.Value = json.RawMessage(value)
	e.Type = entryType.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &e.Tags)
	}
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	e.LastAccessed = lastAccessed.Time
	return e, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
