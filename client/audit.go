package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry records one local mutation: the field-level before/after diff of
// what this device changed, whether the write went through live or was
// queued. The log is append-only and survives cache clears.
type AuditEntry struct {
	ID        int64
	Action    string
	DocKey    string
	Diff      map[string][2]string
	CreatedAt time.Time
}

// Audit appends a diff entry. Unchanged fields are dropped; an entry with an
// empty diff is still written so the action itself is on record.
func (s *Store) Audit(action, docKey string, before, after map[string]string) error {
	diff := make(map[string][2]string)
	for key, afterVal := range after {
		if beforeVal := before[key]; beforeVal != afterVal {
			diff[key] = [2]string{beforeVal, afterVal}
		}
	}
	for key, beforeVal := range before {
		if _, stillThere := after[key]; !stillThere {
			diff[key] = [2]string{beforeVal, ""}
		}
	}

	payload, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("client: marshal audit diff: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO audit_log (action, doc_key, diff, created_at) VALUES (?, ?, ?, ?)`,
		action, docKey, string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("client: append audit: %w", err)
	}
	return nil
}

// AuditTrail returns the entries for one document, oldest first.
func (s *Store) AuditTrail(docKey string) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
SELECT id, action, doc_key, diff, created_at FROM audit_log WHERE doc_key = ? ORDER BY id ASC`, docKey)
	if err != nil {
		return nil, fmt.Errorf("client: audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			diff      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.DocKey, &diff, &createdAt); err != nil {
			return nil, fmt.Errorf("client: scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(diff), &e.Diff); err != nil {
			return nil, fmt.Errorf("client: decode audit diff: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
