// Package store is the embedded relational persistence layer (spec C1):
// single database file, WAL journaling, one writer serialized through a
// single *sql.DB connection, bounded-retry immediate transactions, and the
// schema shared by the broker, job board, voting engine, and registry.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/coordd/internal/coordderr"
)

const (
	schemaVersion = 1

	// busyTimeoutMS matches the driver-level busy timeout floor the spec
	// requires (>= 5s) before the engine surfaces SQLITE_BUSY.
	busyTimeoutMS = 5000

	maxRetryAttempts = 5
	retryBaseDelay   = 50 * time.Millisecond
)

// Store owns the single SQLite connection for the whole process.
type Store struct {
	db *sql.DB
}

// ArtifactsDir is the name of the artifacts subdirectory inside the data
// directory, for large out-of-band payloads referenced via artifact_path.
const ArtifactsDir = "artifacts"

// ProtocolVersion is written to a sidecar file in the data directory on
// first open, per spec §6 "Persisted state layout".
const ProtocolVersion = "1.0"

// Open creates (if needed) the data directory layout and opens the store's
// single connection, configuring WAL + synchronous=NORMAL + busy timeout as
// required by spec §4.1.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, ArtifactsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	if err := writeProtocolVersion(dataDir); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "coordd.db")
	// _txlock=immediate makes every BeginTx a BEGIN IMMEDIATE, reserving the
	// writer lock upfront so "check then write" transactions cannot race.
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=off&_txlock=immediate", dbPath, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One physical connection: the writer lock is ours to serialize: every
	// mutating transaction is BEGIN IMMEDIATE, so readers never block behind
	// it thanks to WAL, and writers queue naturally behind this one handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func writeProtocolVersion(dataDir string) error {
	path := filepath.Join(dataDir, "protocol-version")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(ProtocolVersion), 0o644)
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// BeginImmediate opens a transaction in the engine's reserve-writer-upfront
// mode so a later "check then write" sequence inside the transaction cannot
// race another writer (spec §4.1).
func (s *Store) BeginImmediate(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// WithImmediateTx runs fn inside a BEGIN IMMEDIATE transaction, retrying on
// transient SQLITE_BUSY/LOCKED with bounded exponential backoff and jitter
// (<=5 attempts, base 50ms, +-50%), committing on success and rolling back
// otherwise. A persistent error surfaces as StoreUnavailable.
func (s *Store) WithImmediateTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetryAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		if attempt == maxRetryAttempts {
			break
		}
		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return coordderr.Wrap(coordderr.KindStoreUnavailable, ctx.Err(), "context canceled during retry")
		case <-time.After(delay):
		}
	}
	return coordderr.Wrap(coordderr.KindStoreUnavailable, lastErr, "store unavailable after %d attempts", maxRetryAttempts+1)
}

func (s *Store) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	// The _txlock=immediate DSN option makes this a BEGIN IMMEDIATE.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt)
	if delay > 500*time.Millisecond {
		delay = 500 * time.Millisecond
	}
	jitter := time.Duration(rand.Int64N(int64(delay))) - delay/2
	d := delay + jitter
	if d < 0 {
		d = delay
	}
	return d
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
