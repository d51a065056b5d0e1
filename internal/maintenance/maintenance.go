// Package maintenance implements the background sweep loop (spec C10):
// message expiry and broadcast cascade delete, failed-message dead-letter
// archival, and the supplemented lease-expiry task recovery, task priority
// aging, and recurring-vote re-initiation passes.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/clock"
	"github.com/basket/coordd/internal/jobs"
	"github.com/basket/coordd/internal/store"
	"github.com/basket/coordd/internal/voting"
	"github.com/robfig/cron/v3"
)

// DefaultInterval is how often a tick runs when Config.Interval is unset.
const DefaultInterval = time.Minute

// DefaultPriorityAgingThreshold is how long an open task sits unclaimed
// before priority aging (if enabled) bumps its priority.
const DefaultPriorityAgingThreshold = time.Hour

// MaxPriority caps the priority aging bump; the tasks table's own CHECK
// constraint stops at 10, but capping here avoids a wasted write once a
// task is already at the ceiling.
const MaxPriority = 10

// VacuumEveryTicks is how many ticks elapse between incremental
// checkpoint/vacuum passes.
const VacuumEveryTicks = 60

// Config controls which sweeps run and on what cadence.
type Config struct {
	// Interval is the tick period. Empty means DefaultInterval.
	Interval time.Duration

	// PriorityAgingEnabled opts into bumping the priority of long-queued
	// open tasks. Disabled by default since aging changes scheduling
	// order a caller may not expect.
	PriorityAgingEnabled   bool
	PriorityAgingThreshold time.Duration

	// RecurringVotesEnabled opts into re-initiating a vote once its
	// recurrence cron expression's next occurrence has passed.
	RecurringVotesEnabled bool
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return DefaultInterval
}

func (c Config) priorityAgingThreshold() time.Duration {
	if c.PriorityAgingThreshold > 0 {
		return c.PriorityAgingThreshold
	}
	return DefaultPriorityAgingThreshold
}

// Loop runs the periodic sweeps against the shared store.
type Loop struct {
	store    *store.Store
	board    *jobs.Board
	votes    *voting.Engine
	auditLog *audit.Log
	events   *bus.Bus
	logger   *slog.Logger

	cfgMu sync.Mutex
	cfg   Config

	recurSchedules map[string]cron.Schedule
	recurNextRun   map[string]time.Time

	ticks int
	stop  chan struct{}
	done  chan struct{}
}

// New wires a Loop to its dependencies. votes may be nil when recurring-vote
// re-initiation is not wanted (RecurringVotesEnabled is then ignored).
func New(st *store.Store, board *jobs.Board, votes *voting.Engine, auditLog *audit.Log, events *bus.Bus, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:          st,
		board:          board,
		votes:          votes,
		auditLog:       auditLog,
		events:         events,
		cfg:            cfg,
		logger:         logger,
		recurSchedules: map[string]cron.Schedule{},
		recurNextRun:   map[string]time.Time{},
	}
}

// Config returns the Loop's currently active configuration.
func (l *Loop) Config() Config {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	return l.cfg
}

// SetConfig replaces the Loop's active configuration, for hot-reloading
// config without restarting the daemon. A changed Interval takes effect
// after the tick in flight (or the next one, if none is), since Start's
// ticker is re-armed right after each tick.
func (l *Loop) SetConfig(cfg Config) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	l.cfg = cfg
}

// Start launches the sweep loop in a background goroutine. Stop or ctx
// cancellation ends it.
func (l *Loop) Start(ctx context.Context) {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	interval := l.Config().interval()
	ticker := time.NewTicker(interval)

	go func() {
		defer close(l.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.tick(ctx)
				if next := l.Config().interval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}()
}

// Stop ends the loop and waits for the in-flight tick, if any, to finish.
func (l *Loop) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
}

func (l *Loop) tick(ctx context.Context) {
	l.ticks++
	cfg := l.Config()

	if n, err := l.sweepExpiredMessages(ctx); err != nil {
		l.logger.Error("maintenance: expired message sweep failed", "error", err)
	} else if n > 0 {
		l.logger.Info("maintenance: expired messages removed", "count", n)
	}

	if n, err := l.sweepDeadLetters(ctx); err != nil {
		l.logger.Error("maintenance: dead-letter sweep failed", "error", err)
	} else if n > 0 {
		l.logger.Info("maintenance: messages archived to dead letter", "count", n)
	}

	if n, err := l.sweepExpiredLeases(ctx); err != nil {
		l.logger.Error("maintenance: lease recovery sweep failed", "error", err)
	} else if n > 0 {
		l.logger.Info("maintenance: stale leases reclaimed", "count", n)
	}

	if cfg.PriorityAgingEnabled {
		if n, err := l.ageTaskPriorities(ctx); err != nil {
			l.logger.Error("maintenance: priority aging failed", "error", err)
		} else if n > 0 {
			l.logger.Info("maintenance: task priorities aged", "count", n)
		}
	}

	if cfg.RecurringVotesEnabled && l.votes != nil {
		if n, err := l.reinitiateRecurringVotes(ctx); err != nil {
			l.logger.Error("maintenance: recurring vote re-initiation failed", "error", err)
		} else if n > 0 {
			l.logger.Info("maintenance: recurring votes re-initiated", "count", n)
		}
	}

	if l.ticks%VacuumEveryTicks == 0 {
		if err := l.checkpoint(ctx); err != nil {
			l.logger.Error("maintenance: checkpoint failed", "error", err)
		}
	}
}

// sweepExpiredMessages deletes messages past their expires_at, cascading
// the delete to their broadcast_deliveries rows first since SQLite foreign
// keys are not enforced by default in this schema.
func (l *Loop) sweepExpiredMessages(ctx context.Context) (int64, error) {
	var total int64
	err := l.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		now := clock.Format(clock.Now())
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM broadcast_deliveries WHERE message_id IN (
				SELECT id FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?
			);
		`, now); err != nil {
			return fmt.Errorf("delete expired broadcast deliveries: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?;`, now)
		if err != nil {
			return fmt.Errorf("delete expired messages: %w", err)
		}
		total, _ = res.RowsAffected()
		if total > 0 {
			return l.auditLog.RecordTx(ctx, tx, "system", "maintenance.expire_messages", fmt.Sprintf("count=%d", total))
		}
		return nil
	})
	if total > 0 {
		l.events.Publish(bus.TopicMessageExpired, total)
	}
	return total, err
}

// sweepDeadLetters archives messages that failed delivery_count times or
// more into dead_letter. Complete() already does this at the moment a
// message's delivery_count crosses the threshold; this sweep catches any
// failed message that reached the threshold through a path other than
// Complete (e.g. a future bulk-import or manual status edit).
func (l *Loop) sweepDeadLetters(ctx context.Context) (int64, error) {
	var total int64
	err := l.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM messages WHERE status = 'failed' AND delivery_count >= ?;
		`, 3)
		if err != nil {
			return fmt.Errorf("query failed messages: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan message id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := clock.Format(clock.Now())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dead_letter (message_id, envelope, error, retry_count, archived_at)
				SELECT id, json_object('id', id, 'type', type, 'from_agent', from_agent, 'to_agent', to_agent,
					'channel', channel, 'payload', payload, 'created_at', created_at), error, delivery_count, ?
				FROM messages WHERE id = ?
				ON CONFLICT(message_id) DO NOTHING;
			`, now, id); err != nil {
				return fmt.Errorf("archive message %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM broadcast_deliveries WHERE message_id = ?;`, id); err != nil {
				return fmt.Errorf("delete deliveries for %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id); err != nil {
				return fmt.Errorf("delete message %s: %w", id, err)
			}
		}
		total = int64(len(ids))
		if total > 0 {
			return l.auditLog.RecordTx(ctx, tx, "system", "maintenance.dead_letter_sweep", fmt.Sprintf("count=%d", total))
		}
		return nil
	})
	return total, err
}

// sweepExpiredLeases reassigns any task whose claim lease has expired,
// returning it to the open pool for another agent to claim.
func (l *Loop) sweepExpiredLeases(ctx context.Context) (int, error) {
	ids, err := l.board.ExpiredLeaseTaskIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}
	for _, id := range ids {
		if err := l.board.ReassignStaleTask(ctx, "system", id, "lease expired"); err != nil {
			return 0, fmt.Errorf("reassign %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// ageTaskPriorities bumps the priority of open tasks that have sat unclaimed
// past the aging threshold, capped at MaxPriority. Opt-in: enabling this
// changes claim ordering for tasks a caller may be deliberately deprioritizing.
func (l *Loop) ageTaskPriorities(ctx context.Context) (int64, error) {
	var total int64
	err := l.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		cutoff := clock.Format(clock.Now().Add(-l.Config().priorityAgingThreshold()))
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET priority = MIN(priority + 1, ?)
			WHERE status = 'open' AND created_at < ? AND priority < ?;
		`, MaxPriority, cutoff, MaxPriority)
		if err != nil {
			return fmt.Errorf("age priorities: %w", err)
		}
		total, _ = res.RowsAffected()
		if total > 0 {
			return l.auditLog.RecordTx(ctx, tx, "system", "maintenance.age_priorities", fmt.Sprintf("count=%d", total))
		}
		return nil
	})
	return total, err
}

// reinitiateRecurringVotes re-initiates every recurring vote whose cron
// schedule's next occurrence, anchored off its latest closed occurrence,
// has passed. Schedules are tracked in memory and reset on process
// restart — a restart at worst re-anchors off the last closed occurrence
// again rather than skipping or double-firing within a tick.
func (l *Loop) reinitiateRecurringVotes(ctx context.Context) (int, error) {
	due, err := l.votes.LatestRecurring(ctx)
	if err != nil {
		return 0, err
	}
	now := clock.Now()
	count := 0
	for _, rv := range due {
		sched, ok := l.recurSchedules[rv.Topic]
		if !ok {
			sched, err = cron.ParseStandard(rv.Recurrence)
			if err != nil {
				l.logger.Error("maintenance: invalid recurrence expression", "topic", rv.Topic, "recurrence", rv.Recurrence, "error", err)
				continue
			}
			l.recurSchedules[rv.Topic] = sched
			l.recurNextRun[rv.Topic] = sched.Next(rv.CreatedAt)
		}
		next := l.recurNextRun[rv.Topic]
		if now.Before(next) {
			continue
		}
		_, err := l.votes.Initiate(ctx, voting.InitiateInput{
			Proposer: rv.Proposer, Topic: rv.Topic, Options: rv.Options, Mechanism: rv.Mechanism,
			EligibleVoters: rv.EligibleVoters, Deadline: now.Add(l.Config().interval() * VacuumEveryTicks),
			Weights: rv.Weights, Recurrence: rv.Recurrence,
		})
		if err != nil {
			l.logger.Error("maintenance: recurring vote re-initiate failed", "topic", rv.Topic, "error", err)
			continue
		}
		l.recurNextRun[rv.Topic] = sched.Next(now)
		count++
	}
	return count, nil
}

// checkpoint runs an incremental WAL checkpoint, keeping the WAL file from
// growing unbounded between full vacuums.
func (l *Loop) checkpoint(ctx context.Context) error {
	_, err := l.store.DB().ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE);`)
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}
