package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/breaker"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/clock"
	"github.com/basket/coordd/internal/coordderr"
	"github.com/basket/coordd/internal/otelmetrics"
	"github.com/basket/coordd/internal/ratelimit"
	"github.com/basket/coordd/internal/store"
)

// breakerOp names the circuit-breaker key for the store operations the
// broker guards. Submit is the only path charged against the rate limiter
// and is also the one most exposed to pile-up under store contention.
const breakerOp = "broker.store"

// Broker implements the message broker (C5) and broadcast tracker (C6).
type Broker struct {
	store    *store.Store
	limiter  *ratelimit.Limiter
	cb       *breaker.Breaker
	auditLog *audit.Log
	events   *bus.Bus
	metrics  *otelmetrics.Recorder
}

// New wires a Broker to its dependencies. Every mutating call goes through
// store's immediate-transaction retry loop, is guarded by the rate limiter
// and circuit breaker, and writes an audit record in the same transaction.
func New(st *store.Store, limiter *ratelimit.Limiter, cb *breaker.Breaker, auditLog *audit.Log, events *bus.Bus) *Broker {
	return &Broker{store: st, limiter: limiter, cb: cb, auditLog: auditLog, events: events}
}

// SetMetrics attaches an OTel recorder. Optional: a Broker with no recorder
// attached simply skips instrumentation, so tests and callers that don't
// care about metrics can leave this unset.
func (b *Broker) SetMetrics(r *otelmetrics.Recorder) {
	b.metrics = r
}

// Submit validates and inserts a new message, fanning broadcasts out to one
// broadcast_deliveries row per current channel subscriber.
func (b *Broker) Submit(ctx context.Context, in SubmitInput) (string, error) {
	if in.Channel == "" {
		in.Channel = "general"
	}
	if in.Priority == 0 {
		in.Priority = 5
	}
	if err := validateSubmit(in); err != nil {
		return "", err
	}
	if !b.limiter.Allow(in.Sender, 1) {
		if b.metrics != nil {
			b.metrics.RecordRateLimitRejection(ctx, in.Sender)
		}
		return "", coordderr.New(coordderr.KindRateLimited, "agent %s exceeded submit rate", in.Sender)
	}
	if !b.cb.Allow(breakerOp) {
		return "", coordderr.New(coordderr.KindCircuitOpen, "store circuit open for %s", breakerOp)
	}

	id := clock.NewID()
	now := clock.Format(clock.Now())
	var expiresAt any
	if in.TTLSeconds > 0 {
		expiresAt = clock.Format(clock.ExpiresAt(time.Duration(in.TTLSeconds) * time.Second))
	}

	err := b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, type, protocol_version, correlation_id, from_agent, to_agent,
				channel, priority, payload, status, created_at, expires_at, delivery_count)
			VALUES (?, ?, '1.0', ?, ?, ?, ?, ?, ?, 'pending', ?, ?, 0);
		`, id, in.Type, nullableString(in.CorrelationID), in.Sender, nullableString(in.Recipient),
			in.Channel, in.Priority, in.Payload, now, expiresAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if in.Recipient == "" {
			rows, err := tx.QueryContext(ctx, `SELECT agent_id FROM channel_subscriptions WHERE channel = ?;`, in.Channel)
			if err != nil {
				return fmt.Errorf("query subscribers: %w", err)
			}
			var recipients []string
			for rows.Next() {
				var agentID string
				if err := rows.Scan(&agentID); err != nil {
					rows.Close()
					return fmt.Errorf("scan subscriber: %w", err)
				}
				recipients = append(recipients, agentID)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()

			for _, agentID := range recipients {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO broadcast_deliveries (message_id, recipient, status, updated_at)
					VALUES (?, ?, 'delivered', ?);
				`, id, agentID, now); err != nil {
					return fmt.Errorf("insert broadcast delivery: %w", err)
				}
			}
		}

		return b.auditLog.RecordTx(ctx, tx, in.Sender, "message.submit", fmt.Sprintf("type=%s channel=%s recipient=%s", in.Type, in.Channel, in.Recipient))
	})
	if err != nil {
		b.cb.Failure(breakerOp)
		if b.cb.State(breakerOp) == breaker.StateOpen && b.metrics != nil {
			b.metrics.RecordBreakerTrip(ctx, breakerOp)
		}
		return "", coordderr.Wrap(coordderr.KindStoreUnavailable, err, "submit failed")
	}
	b.cb.Success(breakerOp)

	if b.metrics != nil {
		b.metrics.RecordSubmit(ctx, in.Channel)
	}
	b.events.Publish(bus.TopicMessageSubmitted, bus.MessageSubmittedEvent{MessageID: id, Channel: in.Channel, ToAgent: in.Recipient})
	return id, nil
}

func validateSubmit(in SubmitInput) error {
	if in.Priority < 1 || in.Priority > 10 {
		return coordderr.New(coordderr.KindInvalidMessage, "priority %d out of range [1,10]", in.Priority)
	}
	if in.Type == "" {
		return coordderr.New(coordderr.KindInvalidMessage, "type is required")
	}
	if in.Sender == "" {
		return coordderr.New(coordderr.KindInvalidMessage, "sender is required")
	}
	if in.Payload == "" {
		return coordderr.New(coordderr.KindInvalidMessage, "payload is required")
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(in.Payload), &probe); err != nil {
		return coordderr.Wrap(coordderr.KindInvalidMessage, err, "payload must be a JSON object")
	}
	return nil
}

// Peek returns pending messages visible to agent across channels, ordered
// by (priority DESC, created_at ASC), without mutating any row.
func (b *Broker) Peek(ctx context.Context, agent string, channels []string, limit int) ([]Message, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	placeholders := make([]any, 0, len(channels)+2)
	query := `
		SELECT DISTINCT m.id, m.type, m.protocol_version, COALESCE(m.correlation_id,''),
			m.from_agent, COALESCE(m.to_agent,''), m.channel, m.priority, m.payload,
			COALESCE(m.artifact_path,''), m.status, m.created_at, COALESCE(m.expires_at,''),
			m.delivery_count, COALESCE(m.last_delivered_at,''), COALESCE(m.error,'')
		FROM messages m
		LEFT JOIN broadcast_deliveries bd ON bd.message_id = m.id AND bd.recipient = ?
		WHERE m.status = 'pending' AND m.channel IN (` + inClause(len(channels)) + `)
		AND (m.to_agent = ? OR (m.to_agent IS NULL AND bd.status = 'delivered'))
		ORDER BY m.priority DESC, m.created_at ASC
		LIMIT ?;
	`
	placeholders = append(placeholders, agent)
	for _, c := range channels {
		placeholders = append(placeholders, c)
	}
	placeholders = append(placeholders, agent, limit)

	rows, err := b.store.DB().QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "peek query failed")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Type, &m.ProtocolVersion, &m.CorrelationID, &m.FromAgent,
			&m.ToAgent, &m.Channel, &m.Priority, &m.Payload, &m.ArtifactPath, &m.Status,
			&m.CreatedAt, &m.ExpiresAt, &m.DeliveryCount, &m.LastDeliveredAt, &m.Error); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Claim atomically transitions a pending message for agent. For direct
// messages this moves the message row to processing; for broadcasts it
// acknowledges only the caller's delivery row. Returns true iff this call
// won the race.
func (b *Broker) Claim(ctx context.Context, agent, messageID string) (bool, error) {
	var won bool
	now := clock.Format(clock.Now())

	err := b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var toAgent sql.NullString
		var status string
		err := tx.QueryRowContext(ctx, `SELECT to_agent, status FROM messages WHERE id = ?;`, messageID).
			Scan(&toAgent, &status)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "message %s not found", messageID)
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		if !toAgent.Valid {
			// Broadcast: claim means acknowledge this recipient's row only.
			res, err := tx.ExecContext(ctx, `
				UPDATE broadcast_deliveries SET status = 'acknowledged', updated_at = ?
				WHERE message_id = ? AND recipient = ? AND status = 'delivered';
			`, now, messageID, agent)
			if err != nil {
				return fmt.Errorf("update broadcast delivery: %w", err)
			}
			n, _ := res.RowsAffected()
			won = n > 0
		} else {
			if status != StatusPending {
				won = false
				return nil
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE messages SET status = 'processing', delivery_count = delivery_count + 1,
					last_delivered_at = ? WHERE id = ? AND status = 'pending';
			`, now, messageID)
			if err != nil {
				return fmt.Errorf("update message: %w", err)
			}
			n, _ := res.RowsAffected()
			won = n > 0
		}

		if won {
			return b.auditLog.RecordTx(ctx, tx, agent, "message.claim", fmt.Sprintf("message=%s", messageID))
		}
		return nil
	})
	if err != nil {
		if coordderr.OfKind(err, coordderr.KindNotFound) {
			return false, err
		}
		return false, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "claim failed")
	}
	if won {
		if b.metrics != nil {
			b.metrics.RecordClaim(ctx, agent)
		}
		b.events.Publish(bus.TopicMessageClaimed, bus.MessageClaimedEvent{MessageID: messageID, Agent: agent})
	}
	return won, nil
}

// Complete finalizes a direct message's status. On failure with
// delivery_count >= DeadLetterThreshold the envelope is archived to
// dead_letter and removed from messages. Broadcasts are not transitioned
// here; their lifetime ends at TTL.
func (b *Broker) Complete(ctx context.Context, messageID, completionError string) error {
	return b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var deliveryCount int
		var toAgent sql.NullString
		var envelopeJSON []byte
		err := tx.QueryRowContext(ctx, `SELECT delivery_count, to_agent FROM messages WHERE id = ?;`, messageID).
			Scan(&deliveryCount, &toAgent)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "message %s not found", messageID)
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		newStatus := StatusDone
		if completionError != "" {
			newStatus = StatusFailed
		}

		if newStatus == StatusFailed && deliveryCount >= DeadLetterThreshold {
			row := tx.QueryRowContext(ctx, `SELECT json_object(
				'id', id, 'type', type, 'from_agent', from_agent, 'to_agent', to_agent,
				'channel', channel, 'priority', priority, 'payload', payload,
				'created_at', created_at) FROM messages WHERE id = ?;`, messageID)
			if err := row.Scan(&envelopeJSON); err != nil {
				return fmt.Errorf("build envelope: %w", err)
			}
			now := clock.Format(clock.Now())
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dead_letter (message_id, envelope, error, retry_count, archived_at)
				VALUES (?, ?, ?, ?, ?);
			`, messageID, string(envelopeJSON), completionError, deliveryCount, now); err != nil {
				return fmt.Errorf("insert dead letter: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM broadcast_deliveries WHERE message_id = ?;`, messageID); err != nil {
				return fmt.Errorf("delete deliveries: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, messageID); err != nil {
				return fmt.Errorf("delete message: %w", err)
			}
			if err := b.auditLog.RecordTx(ctx, tx, "system", "message.dead_letter", fmt.Sprintf("message=%s", messageID)); err != nil {
				return err
			}
			if b.metrics != nil {
				b.metrics.RecordComplete(ctx, "dead_letter")
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, error = ? WHERE id = ?;
		`, newStatus, nullableString(completionError), messageID); err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		if err := b.auditLog.RecordTx(ctx, tx, "system", "message.complete", fmt.Sprintf("message=%s status=%s", messageID, newStatus)); err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.RecordComplete(ctx, newStatus)
		}
		b.events.Publish(bus.TopicMessageCompleted, bus.MessageClaimedEvent{MessageID: messageID})
		return nil
	})
}

// Reply submits a correlated response to inbound and marks inbound done.
func (b *Broker) Reply(ctx context.Context, inbound Message, payload string) (string, error) {
	replyType := inbound.Type + ".response"
	id, err := b.Submit(ctx, SubmitInput{
		Sender:        inbound.ToAgent,
		Type:          replyType,
		Payload:       payload,
		Recipient:     inbound.FromAgent,
		Channel:       inbound.Channel,
		Priority:      inbound.Priority,
		CorrelationID: inbound.CorrelationID,
	})
	if err != nil {
		return "", err
	}
	if err := b.Complete(ctx, inbound.ID, ""); err != nil {
		return "", err
	}
	return id, nil
}

// Ask submits a request and polls for its correlated response with
// exponential backoff (50ms..500ms) until timeout.
func (b *Broker) Ask(ctx context.Context, sender, recipient, msgType, payload string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	correlationID := clock.NewID()

	var endSpan func(string)
	if b.metrics != nil {
		ctx, endSpan = b.metrics.StartAsk(ctx, correlationID)
		defer func() {
			if endSpan != nil {
				endSpan("timeout")
			}
		}()
	}

	_, err := b.Submit(ctx, SubmitInput{
		Sender:        sender,
		Type:          msgType,
		Payload:       payload,
		Recipient:     recipient,
		CorrelationID: correlationID,
	})
	if err != nil {
		if endSpan != nil {
			endSpan("error")
			endSpan = nil
		}
		return "", err
	}

	deadline := time.Now().Add(timeout)
	delay := 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	for {
		msgs, err := b.peekByCorrelation(ctx, sender, correlationID)
		if err != nil {
			if endSpan != nil {
				endSpan("error")
				endSpan = nil
			}
			return "", err
		}
		if len(msgs) > 0 {
			resp := msgs[0]
			if _, err := b.Claim(ctx, sender, resp.ID); err == nil {
				_ = b.Complete(ctx, resp.ID, "")
				if endSpan != nil {
					endSpan("ok")
					endSpan = nil
				}
				return resp.Payload, nil
			}
		}

		if time.Now().After(deadline) {
			return "", coordderr.New(coordderr.KindTimeout, "ask timed out waiting for correlation %s", correlationID)
		}

		select {
		case <-ctx.Done():
			if endSpan != nil {
				endSpan("canceled")
				endSpan = nil
			}
			return "", coordderr.Wrap(coordderr.KindTimeout, ctx.Err(), "ask canceled")
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (b *Broker) peekByCorrelation(ctx context.Context, agent, correlationID string) ([]Message, error) {
	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT id, type, protocol_version, COALESCE(correlation_id,''), from_agent, COALESCE(to_agent,''),
			channel, priority, payload, COALESCE(artifact_path,''), status, created_at,
			COALESCE(expires_at,''), delivery_count, COALESCE(last_delivered_at,''), COALESCE(error,'')
		FROM messages
		WHERE status = 'pending' AND correlation_id = ? AND to_agent = ?
		ORDER BY priority DESC, created_at ASC LIMIT 1;
	`, correlationID, agent)
	if err != nil {
		return nil, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "correlation peek failed")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Type, &m.ProtocolVersion, &m.CorrelationID, &m.FromAgent,
			&m.ToAgent, &m.Channel, &m.Priority, &m.Payload, &m.ArtifactPath, &m.Status,
			&m.CreatedAt, &m.ExpiresAt, &m.DeliveryCount, &m.LastDeliveredAt, &m.Error); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BroadcastStatus reports per-recipient delivery counts for a broadcast.
func (b *Broker) BroadcastStatus(ctx context.Context, messageID string) (BroadcastStatus, error) {
	var s BroadcastStatus
	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT status, COUNT(*) FROM broadcast_deliveries WHERE message_id = ? GROUP BY status;
	`, messageID)
	if err != nil {
		return s, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "broadcast status query failed")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return s, fmt.Errorf("scan delivery count: %w", err)
		}
		switch status {
		case DeliveryDelivered:
			s.Delivered = count
		case DeliveryAcknowledged:
			s.Acknowledged = count
		case DeliverySkipped:
			s.Skipped = count
		}
	}
	return s, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func inClause(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}
