// Package registry implements the agent registry (spec C9): heartbeats,
// liveness classification, and channel subscription management.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/clock"
	"github.com/basket/coordd/internal/coordderr"
	"github.com/basket/coordd/internal/store"
)

// Liveness classifications.
const (
	LivenessActive   = "active"
	LivenessDegraded = "degraded"
	LivenessStale    = "stale"
)

const (
	activeThreshold   = 60 * time.Second
	degradedThreshold = 300 * time.Second
)

// Status mirrors one row of agent_status, augmented with derived liveness.
type Status struct {
	AgentID        string
	AgentStatus    string
	CurrentTask    string
	LastHeartbeat  string
	HeartbeatCount int
	Liveness       string
}

// Registry implements the agent registry.
type Registry struct {
	store    *store.Store
	auditLog *audit.Log
	events   *bus.Bus
}

// New wires a Registry to its dependencies.
func New(st *store.Store, auditLog *audit.Log, events *bus.Bus) *Registry {
	return &Registry{store: st, auditLog: auditLog, events: events}
}

// Heartbeat upserts agent's status. Idempotent: repeated calls leave the
// registry observable only via the last timestamp and counters. First
// heartbeat from an agent also subscribes it to the implicit "general"
// channel.
func (r *Registry) Heartbeat(ctx context.Context, agentID, agentStatus, currentTask string) error {
	now := clock.Format(clock.Now())
	return r.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var existingCount int
		err := tx.QueryRowContext(ctx, `SELECT heartbeat_count FROM agent_status WHERE agent_id = ?;`, agentID).Scan(&existingCount)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read agent status: %w", err)
		}
		firstHeartbeat := err == sql.ErrNoRows

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_status (agent_id, status, current_task, last_heartbeat, heartbeat_count)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status,
				current_task = excluded.current_task,
				last_heartbeat = excluded.last_heartbeat,
				heartbeat_count = agent_status.heartbeat_count + 1;
		`, agentID, agentStatus, nullableString(currentTask), now); err != nil {
			return fmt.Errorf("upsert agent status: %w", err)
		}

		if firstHeartbeat {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO channel_subscriptions (channel, agent_id, subscribed_at) VALUES ('general', ?, ?)
				ON CONFLICT(channel, agent_id) DO NOTHING;
			`, agentID, now); err != nil {
				return fmt.Errorf("implicit general subscription: %w", err)
			}
		}

		if err := r.auditLog.RecordTx(ctx, tx, agentID, "agent.heartbeat", fmt.Sprintf("status=%s", agentStatus)); err != nil {
			return err
		}
		r.events.Publish(bus.TopicAgentHeartbeat, agentID)
		return nil
	})
}

// Health returns agent's status row augmented with derived liveness.
func (r *Registry) Health(ctx context.Context, agentID string) (Status, error) {
	var s Status
	var currentTask sql.NullString
	err := r.store.DB().QueryRowContext(ctx, `
		SELECT agent_id, status, current_task, last_heartbeat, heartbeat_count FROM agent_status WHERE agent_id = ?;
	`, agentID).Scan(&s.AgentID, &s.AgentStatus, &currentTask, &s.LastHeartbeat, &s.HeartbeatCount)
	if err == sql.ErrNoRows {
		return Status{}, coordderr.New(coordderr.KindNotFound, "agent %s not registered", agentID)
	}
	if err != nil {
		return Status{}, fmt.Errorf("read agent status: %w", err)
	}
	s.CurrentTask = currentTask.String

	last, err := clock.Parse(s.LastHeartbeat)
	if err != nil {
		return Status{}, fmt.Errorf("parse last heartbeat: %w", err)
	}
	age := clock.Now().Sub(last)
	switch {
	case age <= activeThreshold:
		s.Liveness = LivenessActive
	case age <= degradedThreshold:
		s.Liveness = LivenessDegraded
	default:
		s.Liveness = LivenessStale
		r.events.Publish(bus.TopicAgentStale, agentID)
	}
	return s, nil
}

// Subscribe inserts a channel_subscriptions row. Idempotent.
func (r *Registry) Subscribe(ctx context.Context, agentID, channel string) error {
	now := clock.Format(clock.Now())
	return r.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_subscriptions (channel, agent_id, subscribed_at) VALUES (?, ?, ?)
			ON CONFLICT(channel, agent_id) DO NOTHING;
		`, channel, agentID, now); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return r.auditLog.RecordTx(ctx, tx, agentID, "agent.subscribe", fmt.Sprintf("channel=%s", channel))
	})
}

// Unsubscribe deletes a channel_subscriptions row. Idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, agentID, channel string) error {
	return r.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_subscriptions WHERE channel = ? AND agent_id = ?;`, channel, agentID); err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return r.auditLog.RecordTx(ctx, tx, agentID, "agent.unsubscribe", fmt.Sprintf("channel=%s", channel))
	})
}

// Channels returns the channels agentID is currently subscribed to.
func (r *Registry) Channels(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.store.DB().QueryContext(ctx, `SELECT channel FROM channel_subscriptions WHERE agent_id = ? ORDER BY channel;`, agentID)
	if err != nil {
		return nil, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "channels query failed")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
