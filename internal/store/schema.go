package store

import (
	"context"
	"fmt"
)

// initSchema creates every table and index spec §4.1 requires. Migration
// bookkeeping uses a single schema version with a stored checksum, since
// this schema has not yet shipped a prior release to migrate from.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			protocol_version TEXT NOT NULL DEFAULT '1.0',
			correlation_id TEXT,
			from_agent TEXT NOT NULL,
			to_agent TEXT,
			channel TEXT NOT NULL DEFAULT 'general',
			priority INTEGER NOT NULL DEFAULT 5 CHECK(priority BETWEEN 1 AND 10),
			payload TEXT NOT NULL,
			artifact_path TEXT,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','done','failed')),
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			last_delivered_at DATETIME,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pending
			ON messages(channel, priority DESC, created_at ASC) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS idx_messages_correlation
			ON messages(correlation_id) WHERE correlation_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_messages_expires
			ON messages(expires_at) WHERE expires_at IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to_agent ON messages(to_agent, status);`,

		`CREATE TABLE IF NOT EXISTS broadcast_deliveries (
			message_id TEXT NOT NULL REFERENCES messages(id),
			recipient TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'delivered' CHECK(status IN ('delivered','acknowledged','skipped')),
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (message_id, recipient)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_broadcast_recipient ON broadcast_deliveries(recipient, status);`,

		`CREATE TABLE IF NOT EXISTS channel_subscriptions (
			channel TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			subscribed_at DATETIME NOT NULL,
			PRIMARY KEY (channel, agent_id)
		);`,

		`CREATE TABLE IF NOT EXISTS agent_status (
			agent_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			current_task TEXT,
			last_heartbeat DATETIME NOT NULL,
			heartbeat_count INTEGER NOT NULL DEFAULT 0
		);`,

		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 5,
			status TEXT NOT NULL CHECK(status IN ('open','assigned','in-progress','blocked','done','failed')),
			assignee TEXT,
			dependencies TEXT NOT NULL DEFAULT '[]',
			history TEXT NOT NULL DEFAULT '[]',
			result TEXT,
			error TEXT,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(lease_expires_at) WHERE lease_expires_at IS NOT NULL;`,

		`CREATE TABLE IF NOT EXISTS votes (
			vote_id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			options TEXT NOT NULL,
			mechanism TEXT NOT NULL CHECK(mechanism IN ('simple_majority','weighted','consensus')),
			proposer TEXT NOT NULL,
			eligible_voters TEXT NOT NULL,
			weights TEXT,
			deadline DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','closed','cancelled')),
			recurrence TEXT,
			votes_cast TEXT NOT NULL DEFAULT '{}',
			result TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_votes_status ON votes(status, deadline);`,

		`CREATE TABLE IF NOT EXISTS dead_letter (
			message_id TEXT PRIMARY KEY,
			envelope TEXT NOT NULL,
			error TEXT,
			retry_count INTEGER NOT NULL,
			archived_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS audit (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			kind TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit(created_at);`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?);`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
