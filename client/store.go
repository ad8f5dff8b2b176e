package client

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrOfflineUnavailable is returned when a document was never cached and the
// network is unreachable: the data genuinely does not exist on this device.
var ErrOfflineUnavailable = errors.New("client: document not cached")

// Document kinds stored in the local cache.
const (
	KindFei      = "fei"
	KindCarcasse = "carcasse"
	KindEntity   = "entity"
	KindUser     = "user"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS documents (
    kind       TEXT NOT NULL,
    key        TEXT NOT NULL,
    payload    TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (kind, key)
);

CREATE TABLE IF NOT EXISTS queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    dedupe_key  TEXT NOT NULL UNIQUE,
    url         TEXT NOT NULL,
    method      TEXT NOT NULL,
    body        TEXT NOT NULL,
    enqueued_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    action     TEXT NOT NULL,
    doc_key    TEXT NOT NULL,
    diff       TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`

// Store is the device-local cache backing offline reads. Documents are flat
// string field-maps, the same shape the server speaks, so merging a queued
// mutation into a cached document is a plain key-wise overlay.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed initializes) the sqlite database at path.
// Use ":memory:" for throwaway stores in tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("client: open store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutDocument caches a document, replacing any previous version.
func (s *Store) PutDocument(kind, key string, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("client: marshal document: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO documents (kind, key, payload, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (kind, key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		kind, key, string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("client: put document: %w", err)
	}
	return nil
}

// GetDocument returns the cached document. Reads never touch the network.
func (s *Store) GetDocument(kind, key string) (map[string]string, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM documents WHERE kind = ? AND key = ?`, kind, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrOfflineUnavailable, kind, key)
	}
	if err != nil {
		return nil, fmt.Errorf("client: get document: %w", err)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("client: decode document: %w", err)
	}
	return fields, nil
}

// ListDocuments returns every cached document of one kind, insertion order.
func (s *Store) ListDocuments(kind string) ([]map[string]string, error) {
	rows, err := s.db.Query(`SELECT payload FROM documents WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, fmt.Errorf("client: list documents: %w", err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("client: scan document: %w", err)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return nil, fmt.Errorf("client: decode document: %w", err)
		}
		out = append(out, fields)
	}
	return out, rows.Err()
}

// DeleteDocument drops one cached document.
func (s *Store) DeleteDocument(kind, key string) error {
	if _, err := s.db.Exec(`DELETE FROM documents WHERE kind = ? AND key = ?`, kind, key); err != nil {
		return fmt.Errorf("client: delete document: %w", err)
	}
	return nil
}

// ClearDocuments wipes the cached documents. The queue survives: an enqueued
// mutation always eventually replays, so only the sync engine may remove
// entries. The audit log survives too: it is the only record of what this
// device did.
func (s *Store) ClearDocuments() error {
	if _, err := s.db.Exec(`DELETE FROM documents`); err != nil {
		return fmt.Errorf("client: clear documents: %w", err)
	}
	return nil
}

// mergeFields overlays patch onto base without mutating either.
func mergeFields(base, patch map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
