package client

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueuedMutation is one pending request persisted for replay. Entries survive
// process restarts; only a successful (or permanently rejected) replay removes
// them.
type QueuedMutation struct {
	ID         int64
	DedupeKey  string
	URL        string
	Method     string
	Fields     map[string]string
	EnqueuedAt time.Time
}

// Enqueue persists a mutation for later replay. A second mutation with the
// same dedupe key merges its fields into the existing entry instead of
// appending, so a document edited five times offline replays as one request
// holding the final field-map.
func (s *Store) Enqueue(dedupeKey, url, method string, fields map[string]string) error {
	existing, err := s.queuedFields(dedupeKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil {
		merged, mErr := json.Marshal(mergeFields(existing, fields))
		if mErr != nil {
			return fmt.Errorf("client: marshal queue body: %w", mErr)
		}
		if _, err := s.db.Exec(`UPDATE queue SET body = ? WHERE dedupe_key = ?`, string(merged), dedupeKey); err != nil {
			return fmt.Errorf("client: merge queue entry: %w", err)
		}
		return nil
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("client: marshal queue body: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO queue (dedupe_key, url, method, body, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		dedupeKey, url, method, string(body), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("client: enqueue: %w", err)
	}
	return nil
}

func (s *Store) queuedFields(dedupeKey string) (map[string]string, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM queue WHERE dedupe_key = ?`, dedupeKey).Scan(&body)
	if err != nil {
		return nil, err
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("client: decode queue body: %w", err)
	}
	return fields, nil
}

// Pending returns the queued mutations in enqueue order.
func (s *Store) Pending() ([]QueuedMutation, error) {
	rows, err := s.db.Query(`
SELECT id, dedupe_key, url, method, body, enqueued_at FROM queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("client: list queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedMutation
	for rows.Next() {
		var (
			m          QueuedMutation
			body       string
			enqueuedAt string
		)
		if err := rows.Scan(&m.ID, &m.DedupeKey, &m.URL, &m.Method, &body, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("client: scan queue entry: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &m.Fields); err != nil {
			return nil, fmt.Errorf("client: decode queue body: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, enqueuedAt); err == nil {
			m.EnqueuedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteQueued removes a replayed entry.
func (s *Store) DeleteQueued(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("client: delete queue entry: %w", err)
	}
	return nil
}

// PendingKeys returns the dedupe keys of all queued entries. The cache
// refresh skips documents with pending local edits.
func (s *Store) PendingKeys() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT dedupe_key FROM queue`)
	if err != nil {
		return nil, fmt.Errorf("client: pending keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("client: scan pending key: %w", err)
		}
		keys[key] = true
	}
	return keys, rows.Err()
}
