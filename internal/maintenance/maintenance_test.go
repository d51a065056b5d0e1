package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/breaker"
	"github.com/basket/coordd/internal/broker"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/clock"
	"github.com/basket/coordd/internal/jobs"
	"github.com/basket/coordd/internal/ratelimit"
	"github.com/basket/coordd/internal/store"
	"github.com/basket/coordd/internal/voting"
)

type fixture struct {
	store *store.Store
	board *jobs.Board
	votes *voting.Engine
	br    *broker.Broker
	audit *audit.Log
	bus   *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	auditLog, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	events := bus.New()
	br := broker.New(st, ratelimit.New(1000, 1000), breaker.New(5, 60*time.Second), auditLog, events)
	board := jobs.New(st, auditLog, events)
	votes := voting.New(st, auditLog, events, br)

	return &fixture{store: st, board: board, votes: votes, br: br, audit: auditLog, bus: events}
}

func TestSweepExpiredMessages_RemovesPastTTLMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.br.Submit(ctx, broker.SubmitInput{Sender: "a", Type: "note", Payload: "{}", Recipient: "b", TTLSeconds: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.store.DB().ExecContext(ctx, `UPDATE messages SET expires_at = ? WHERE id = ?;`,
		clock.Format(clock.Now().Add(-time.Hour)), id); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	l := New(f.store, f.board, f.votes, f.audit, f.bus, Config{}, nil)
	n, err := l.sweepExpiredMessages(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired message removed, got %d", n)
	}

	var count int
	if err := f.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?;`, id).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected message deleted, still present")
	}
}

func TestSweepDeadLetters_ArchivesFailedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.br.Submit(ctx, broker.SubmitInput{Sender: "a", Type: "note", Payload: "{}", Recipient: "b"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.store.DB().ExecContext(ctx, `UPDATE messages SET status = 'failed', delivery_count = 3, error = 'boom' WHERE id = ?;`, id); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	l := New(f.store, f.board, f.votes, f.audit, f.bus, Config{}, nil)
	n, err := l.sweepDeadLetters(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message archived, got %d", n)
	}

	var archived int
	if err := f.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter WHERE message_id = ?;`, id).Scan(&archived); err != nil {
		t.Fatalf("count dead letter: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected dead_letter row, got %d", archived)
	}
}

func TestSweepExpiredLeases_ReclaimsStaleClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taskID, err := f.board.CreateTask(ctx, "owner", jobs.CreateInput{Title: "do it"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.board.ClaimTask(ctx, "agent-1", taskID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.store.DB().ExecContext(ctx, `UPDATE tasks SET lease_expires_at = ? WHERE task_id = ?;`,
		clock.Format(clock.Now().Add(-time.Hour)), taskID); err != nil {
		t.Fatalf("backdate lease: %v", err)
	}

	l := New(f.store, f.board, f.votes, f.audit, f.bus, Config{}, nil)
	n, err := l.sweepExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task reclaimed, got %d", n)
	}

	var status string
	if err := f.store.DB().QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != jobs.StatusOpen {
		t.Fatalf("expected task reopened, got status=%s", status)
	}
}

func TestAgeTaskPriorities_BumpsOldQueuedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taskID, err := f.board.CreateTask(ctx, "owner", jobs.CreateInput{Title: "aging candidate", Priority: 3})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.store.DB().ExecContext(ctx, `UPDATE tasks SET created_at = ? WHERE task_id = ?;`,
		clock.Format(clock.Now().Add(-2*time.Hour)), taskID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	l := New(f.store, f.board, f.votes, f.audit, f.bus, Config{PriorityAgingEnabled: true}, nil)
	n, err := l.ageTaskPriorities(ctx)
	if err != nil {
		t.Fatalf("age: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task aged, got %d", n)
	}

	var priority int
	if err := f.store.DB().QueryRowContext(ctx, `SELECT priority FROM tasks WHERE task_id = ?;`, taskID).Scan(&priority); err != nil {
		t.Fatalf("read priority: %v", err)
	}
	if priority != 4 {
		t.Fatalf("expected priority bumped to 4, got %d", priority)
	}
}

func TestReinitiateRecurringVotes_FiresOncePastSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	voteID, err := f.votes.Initiate(ctx, voting.InitiateInput{
		Proposer: "p", Topic: "daily-standup", Options: []string{"yes", "no"},
		Mechanism: voting.MechanismSimpleMajority, EligibleVoters: []string{"a", "b", "c"},
		Deadline: clock.Now().Add(-time.Hour), Recurrence: "@every 1m",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := f.votes.Tally(ctx, voteID); err != nil {
		t.Fatalf("tally: %v", err)
	}
	if _, err := f.store.DB().ExecContext(ctx, `UPDATE votes SET created_at = ? WHERE vote_id = ?;`,
		clock.Format(clock.Now().Add(-2*time.Minute)), voteID); err != nil {
		t.Fatalf("backdate created_at: %v", err)
	}

	l := New(f.store, f.board, f.votes, f.audit, f.bus, Config{RecurringVotesEnabled: true}, nil)
	n, err := l.reinitiateRecurringVotes(ctx)
	if err != nil {
		t.Fatalf("reinitiate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 vote re-initiated, got %d", n)
	}

	var count int
	if err := f.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE topic = ?;`, "daily-standup").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 vote rows for topic (original + re-initiated), got %d", count)
	}
}

func TestSetConfig_AppliesToSubsequentTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taskID, err := f.board.CreateTask(ctx, "owner", jobs.CreateInput{Title: "aging candidate", Priority: 3})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.store.DB().ExecContext(ctx, `UPDATE tasks SET created_at = ? WHERE task_id = ?;`,
		clock.Format(clock.Now().Add(-2*time.Hour)), taskID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	l := New(f.store, f.board, f.votes, f.audit, f.bus, Config{}, nil)
	if got := l.Config().PriorityAgingEnabled; got {
		t.Fatal("expected priority aging disabled by default")
	}

	l.SetConfig(Config{PriorityAgingEnabled: true})
	l.tick(ctx)

	var priority int
	if err := f.store.DB().QueryRowContext(ctx, `SELECT priority FROM tasks WHERE task_id = ?;`, taskID).Scan(&priority); err != nil {
		t.Fatalf("read priority: %v", err)
	}
	if priority != 4 {
		t.Fatalf("expected SetConfig to enable priority aging for the next tick, got priority=%d", priority)
	}
}

func TestStartStop_RunsWithoutPanic(t *testing.T) {
	f := newFixture(t)
	l := New(f.store, f.board, f.votes, f.audit, f.bus, Config{Interval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	l.Stop()
}
