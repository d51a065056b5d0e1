// Package jobs implements the transactional job board (spec C7): task
// creation, availability queries gated on dependency completion, atomic
// claim, permitted status transitions, completion, and stale-task scans.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/clock"
	"github.com/basket/coordd/internal/coordderr"
	"github.com/basket/coordd/internal/store"
)

// Task statuses.
const (
	StatusOpen       = "open"
	StatusAssigned   = "assigned"
	StatusInProgress = "in-progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// DefaultStaleThreshold is the age past which an assigned/in-progress task
// is eligible for reassignment.
const DefaultStaleThreshold = 24 * time.Hour

// DefaultLeaseDuration bounds how long a claim holds a task before the
// maintenance loop's lease sweep may requeue it, a supplemented recovery
// path alongside the operator-invoked stale-task reassignment above.
const DefaultLeaseDuration = 24 * time.Hour

// Task mirrors one row of the tasks table, with JSON columns decoded.
type Task struct {
	TaskID       string
	Title        string
	Description  string
	Priority     int
	Status       string
	Assignee     string
	Dependencies []string
	History      []HistoryEntry
	Result       string
	Error        string
	CreatedAt    string
	StartedAt    string
	CompletedAt  string
}

// HistoryEntry records one lifecycle event for a task.
type HistoryEntry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Actor     string `json:"actor,omitempty"`
	Note      string `json:"note,omitempty"`
}

// CreateInput carries the fields for CreateTask.
type CreateInput struct {
	Title        string
	Description  string
	Priority     int
	Dependencies []string
}

// Board implements the job board.
type Board struct {
	store    *store.Store
	auditLog *audit.Log
	events   *bus.Bus
}

// New wires a Board to its dependencies.
func New(st *store.Store, auditLog *audit.Log, events *bus.Bus) *Board {
	return &Board{store: st, auditLog: auditLog, events: events}
}

// allowedTransitions enumerates the permitted status→status edges for
// Update, per spec §4.7. Claim and Complete perform their own transitions.
var allowedTransitions = map[string]map[string]bool{
	StatusAssigned:   {StatusInProgress: true},
	StatusInProgress: {StatusBlocked: true},
	StatusBlocked:    {StatusInProgress: true},
}

// CreateTask inserts a new open task.
func (b *Board) CreateTask(ctx context.Context, actor string, in CreateInput) (string, error) {
	if in.Title == "" {
		return "", coordderr.New(coordderr.KindInvalidTask, "title is required")
	}
	if in.Priority == 0 {
		in.Priority = 5
	}
	id := clock.NewID()
	now := clock.Format(clock.Now())

	depsJSON, err := json.Marshal(in.Dependencies)
	if err != nil {
		return "", fmt.Errorf("marshal dependencies: %w", err)
	}
	history, err := json.Marshal([]HistoryEntry{{Timestamp: now, Event: "created", Actor: actor}})
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}

	err = b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, title, description, priority, status, dependencies, history, created_at)
			VALUES (?, ?, ?, ?, 'open', ?, ?, ?);
		`, id, in.Title, in.Description, in.Priority, string(depsJSON), string(history), now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return b.auditLog.RecordTx(ctx, tx, actor, "task.create", fmt.Sprintf("task=%s title=%s", id, in.Title))
	})
	if err != nil {
		return "", coordderr.Wrap(coordderr.KindStoreUnavailable, err, "create task failed")
	}
	b.events.Publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{TaskID: id, NewStatus: StatusOpen})
	return id, nil
}

// AvailableTasks returns open tasks whose dependencies are all done,
// ordered by priority descending, creation ascending. An empty agent filter
// returns all such tasks; a non-empty one excludes tasks assigned to
// another agent (which, for open tasks, never applies since assignee is
// null, but is honored for forward compatibility with future filters).
func (b *Board) AvailableTasks(ctx context.Context, agent string) ([]Task, error) {
	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT task_id, title, description, priority, status, COALESCE(assignee,''),
			dependencies, history, COALESCE(result,''), COALESCE(error,''),
			created_at, COALESCE(started_at,''), COALESCE(completed_at,'')
		FROM tasks WHERE status = 'open' ORDER BY priority DESC, created_at ASC;
	`)
	if err != nil {
		return nil, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "available tasks query failed")
	}
	defer rows.Close()

	var all []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Task
	for _, t := range all {
		ok, err := b.dependenciesSatisfied(ctx, t.Dependencies)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if agent != "" && t.Assignee != "" && t.Assignee != agent {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Board) dependenciesSatisfied(ctx context.Context, deps []string) (bool, error) {
	for _, dep := range deps {
		var status string
		err := b.store.DB().QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, dep).Scan(&status)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check dependency %s: %w", dep, err)
		}
		if status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// ClaimTask atomically assigns an open task with satisfied dependencies to
// agent.
func (b *Board) ClaimTask(ctx context.Context, agent, taskID string) error {
	return b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var status, depsJSON, historyJSON string
		err := tx.QueryRowContext(ctx, `SELECT status, dependencies, history FROM tasks WHERE task_id = ?;`, taskID).
			Scan(&status, &depsJSON, &historyJSON)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "task %s not found", taskID)
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if status != StatusOpen {
			return coordderr.New(coordderr.KindAlreadyClaimed, "task %s is not open (status=%s)", taskID, status)
		}

		var deps []string
		if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
			return fmt.Errorf("unmarshal dependencies: %w", err)
		}
		var unmet []string
		for _, dep := range deps {
			var depStatus string
			derr := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, dep).Scan(&depStatus)
			if derr != nil || depStatus != StatusDone {
				unmet = append(unmet, dep)
			}
		}
		if len(unmet) > 0 {
			return coordderr.New(coordderr.KindDependenciesUnmet, "task %s has unmet dependencies", taskID).WithDeps(unmet)
		}

		now := clock.Format(clock.Now())
		leaseExpiry := clock.Format(clock.Now().Add(DefaultLeaseDuration))
		history := appendHistory(historyJSON, HistoryEntry{Timestamp: now, Event: "claimed", Actor: agent})

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'assigned', assignee = ?, started_at = ?, history = ?,
				lease_owner = ?, lease_expires_at = ?
			WHERE task_id = ? AND status = 'open';
		`, agent, now, history, agent, leaseExpiry, taskID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return coordderr.New(coordderr.KindAlreadyClaimed, "task %s was claimed concurrently", taskID)
		}

		if err := b.auditLog.RecordTx(ctx, tx, agent, "task.claim", fmt.Sprintf("task=%s", taskID)); err != nil {
			return err
		}
		b.events.Publish(bus.TopicTaskClaimed, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: StatusOpen, NewStatus: StatusAssigned})
		return nil
	})
}

// UpdateTask applies one of the permitted status transitions.
func (b *Board) UpdateTask(ctx context.Context, actor, taskID, newStatus string) error {
	return b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var status, historyJSON string
		err := tx.QueryRowContext(ctx, `SELECT status, history FROM tasks WHERE task_id = ?;`, taskID).Scan(&status, &historyJSON)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "task %s not found", taskID)
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if !allowedTransitions[status][newStatus] {
			return coordderr.New(coordderr.KindInvalidTransition, "cannot transition task %s from %s to %s", taskID, status, newStatus)
		}

		now := clock.Format(clock.Now())
		history := appendHistory(historyJSON, HistoryEntry{Timestamp: now, Event: "status_changed", Actor: actor, Note: status + "->" + newStatus})

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, history = ? WHERE task_id = ?;`, newStatus, history, taskID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := b.auditLog.RecordTx(ctx, tx, actor, "task.update", fmt.Sprintf("task=%s status=%s", taskID, newStatus)); err != nil {
			return err
		}
		b.events.Publish(bus.TopicTaskUpdated, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: status, NewStatus: newStatus})
		return nil
	})
}

// CompleteTask transitions an in-progress task to done (with result) or
// failed (with error).
func (b *Board) CompleteTask(ctx context.Context, actor, taskID, result, taskError string) error {
	return b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var status, historyJSON string
		err := tx.QueryRowContext(ctx, `SELECT status, history FROM tasks WHERE task_id = ?;`, taskID).Scan(&status, &historyJSON)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "task %s not found", taskID)
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if status != StatusInProgress {
			return coordderr.New(coordderr.KindInvalidTransition, "task %s must be in-progress to complete (status=%s)", taskID, status)
		}

		newStatus := StatusDone
		if taskError != "" {
			newStatus = StatusFailed
		}
		now := clock.Format(clock.Now())
		history := appendHistory(historyJSON, HistoryEntry{Timestamp: now, Event: "completed", Actor: actor, Note: newStatus})

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, error = ?, completed_at = ?, history = ?
			WHERE task_id = ?;
		`, newStatus, nullableString(result), nullableString(taskError), now, history, taskID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := b.auditLog.RecordTx(ctx, tx, actor, "task.complete", fmt.Sprintf("task=%s status=%s", taskID, newStatus)); err != nil {
			return err
		}
		b.events.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: StatusInProgress, NewStatus: newStatus})
		return nil
	})
}

// StaleTasks scans assigned/in-progress tasks whose started_at predates
// now-staleThreshold.
func (b *Board) StaleTasks(ctx context.Context, staleThreshold time.Duration) ([]Task, error) {
	cutoff := clock.Format(clock.Now().Add(-staleThreshold))
	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT task_id, title, description, priority, status, COALESCE(assignee,''),
			dependencies, history, COALESCE(result,''), COALESCE(error,''),
			created_at, COALESCE(started_at,''), COALESCE(completed_at,'')
		FROM tasks WHERE status IN ('assigned','in-progress') AND started_at < ?;
	`, cutoff)
	if err != nil {
		return nil, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "stale task query failed")
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExpiredLeaseTaskIDs returns task IDs whose lease has passed, for the
// maintenance loop's automatic lease-based recovery sweep.
func (b *Board) ExpiredLeaseTaskIDs(ctx context.Context) ([]string, error) {
	now := clock.Format(clock.Now())
	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT task_id FROM tasks
		WHERE status IN ('assigned','in-progress') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;
	`, now)
	if err != nil {
		return nil, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "expired lease query failed")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired lease task id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReassignStaleTask resets a stale or lease-expired task to open, clearing
// its assignee and lease, for both the operator-invoked recovery pass and
// the maintenance loop's automatic lease-expiry sweep.
func (b *Board) ReassignStaleTask(ctx context.Context, actor, taskID, note string) error {
	return b.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var historyJSON string
		err := tx.QueryRowContext(ctx, `SELECT history FROM tasks WHERE task_id = ?;`, taskID).Scan(&historyJSON)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "task %s not found", taskID)
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		now := clock.Format(clock.Now())
		history := appendHistory(historyJSON, HistoryEntry{Timestamp: now, Event: "reassigned", Actor: actor, Note: note})

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'open', assignee = NULL, started_at = NULL,
				lease_owner = NULL, lease_expires_at = NULL, history = ? WHERE task_id = ?;
		`, history, taskID); err != nil {
			return fmt.Errorf("reset task: %w", err)
		}
		return b.auditLog.RecordTx(ctx, tx, actor, "task.reassign", fmt.Sprintf("task=%s note=%s", taskID, note))
	})
}

func appendHistory(historyJSON string, entry HistoryEntry) string {
	var history []HistoryEntry
	_ = json.Unmarshal([]byte(historyJSON), &history)
	history = append(history, entry)
	b, err := json.Marshal(history)
	if err != nil {
		return historyJSON
	}
	return string(b)
}

func scanTask(rows *sql.Rows) (Task, error) {
	var t Task
	var depsJSON, historyJSON string
	if err := rows.Scan(&t.TaskID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.Assignee,
		&depsJSON, &historyJSON, &t.Result, &t.Error, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
	_ = json.Unmarshal([]byte(historyJSON), &t.History)
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
