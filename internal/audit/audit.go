// Package audit appends one record per state-changing operation (spec C11):
// (timestamp, actor, event-kind, payload summary). Entries are written
// inside the same transaction as the mutation they describe, so audit
// order matches commit order under the store's single-writer lock.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/coordd/internal/clock"
	"github.com/basket/coordd/internal/shared"
)

// Log appends audit records, both to the `audit` table (for programmatic
// consumers) and a JSONL sidecar file (for operator tailing).
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if needed) the JSONL sidecar under dataDir/logs.
func Open(dataDir string) (*Log, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Kind      string `json:"kind"`
	Summary   string `json:"summary"`
}

// RecordTx writes one audit record within tx, the caller's in-flight
// mutating transaction, so a rollback also discards the audit entry.
func (l *Log) RecordTx(ctx context.Context, tx *sql.Tx, actor, kind, summary string) error {
	now := clock.Now()
	actor = shared.Redact(actor)
	summary = shared.Redact(summary)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit (actor, kind, summary, created_at) VALUES (?, ?, ?, ?);
	`, actor, kind, summary, now); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}

	l.writeJSONL(entry{
		Timestamp: clock.Format(now),
		Actor:     actor,
		Kind:      kind,
		Summary:   summary,
	})
	return nil
}

func (l *Log) writeJSONL(e entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = l.file.Write(append(b, '\n'))
}

// Event mirrors one row of the audit table, for read-side consumers.
type Event struct {
	AuditID   int64
	Actor     string
	Kind      string
	Summary   string
	CreatedAt string
}

// Recent returns the most recent audit events, newest first, bounded by
// limit. Consumers must treat this as eventually-append-only: no row is
// ever updated or deleted once written.
func Recent(ctx context.Context, db *sql.DB, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT audit_id, actor, kind, summary, created_at
		FROM audit ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.AuditID, &e.Actor, &e.Kind, &e.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.CreatedAt = created
		out = append(out, e)
	}
	return out, rows.Err()
}
