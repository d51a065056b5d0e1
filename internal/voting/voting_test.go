package voting

import (
	"context"
	"testing"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/breaker"
	"github.com/basket/coordd/internal/broker"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/coordderr"
	"github.com/basket/coordd/internal/ratelimit"
	"github.com/basket/coordd/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
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
	return New(st, auditLog, events, br)
}

func TestInitiate_InsufficientVoters(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Initiate(context.Background(), InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismSimpleMajority, EligibleVoters: []string{"a", "b"}, Deadline: time.Now().Add(time.Hour),
	})
	if !coordderr.OfKind(err, coordderr.KindInsufficientVoters) {
		t.Fatalf("expected InsufficientVoters, got %v", err)
	}
}

func TestInitiate_SucceedsAndNoQuorumOnTally(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismSimpleMajority, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := e.Cast(ctx, "a", voteID, "yes", "", ""); err != nil {
		t.Fatalf("cast: %v", err)
	}

	result, err := e.Tally(ctx, voteID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if result.Outcome != "no_quorum" {
		t.Fatalf("expected no_quorum with 1 of 3 cast, got %s", result.Outcome)
	}
}

func TestVoteUniqueness_SecondCastFromSameVoterRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismSimpleMajority, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := e.Cast(ctx, "a", voteID, "yes", "", ""); err != nil {
		t.Fatalf("first cast: %v", err)
	}
	err = e.Cast(ctx, "a", voteID, "no", "", "")
	if !coordderr.OfKind(err, coordderr.KindAlreadyVoted) {
		t.Fatalf("expected AlreadyVoted, got %v", err)
	}
}

func TestCast_RejectsIneligibleVoter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismSimpleMajority, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	err = e.Cast(ctx, "z", voteID, "yes", "", "")
	if !coordderr.OfKind(err, coordderr.KindNotEligible) {
		t.Fatalf("expected NotEligible, got %v", err)
	}
}

func TestCast_RejectsUnknownStance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismConsensus, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	err = e.Cast(ctx, "a", voteID, "yes", "maybe", "")
	if !coordderr.OfKind(err, coordderr.KindInvalidVote) {
		t.Fatalf("expected InvalidVote for an unrecognized stance, got %v", err)
	}
}

func TestTally_SimpleMajorityWinner(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismSimpleMajority, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	e.Cast(ctx, "a", voteID, "yes", "", "")
	e.Cast(ctx, "b", voteID, "yes", "", "")
	e.Cast(ctx, "c", voteID, "no", "", "")

	result, err := e.Tally(ctx, voteID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if result.Outcome != "yes" {
		t.Fatalf("expected yes to win 2-1, got %s tally=%+v", result.Outcome, result.Tally)
	}
}

func TestTally_IdempotentAfterClose(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismSimpleMajority, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	e.Cast(ctx, "a", voteID, "yes", "", "")
	e.Cast(ctx, "b", voteID, "yes", "", "")

	first, err := e.Tally(ctx, voteID)
	if err != nil {
		t.Fatalf("first tally: %v", err)
	}
	second, err := e.Tally(ctx, voteID)
	if err != nil {
		t.Fatalf("second tally: %v", err)
	}
	if first.Outcome != second.Outcome || first.CastCount != second.CastCount {
		t.Fatalf("expected idempotent tally results: %+v vs %+v", first, second)
	}
}

func TestCast_RejectsAfterDeadline(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismSimpleMajority, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	err = e.Cast(ctx, "a", voteID, "yes", "", "")
	if !coordderr.OfKind(err, coordderr.KindVoteClosed) {
		t.Fatalf("expected VoteClosed for a past-deadline cast, got %v", err)
	}
}

func TestTally_ConsensusBlockedByOneBlocker(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"proceed", "hold"},
		Mechanism: MechanismConsensus, EligibleVoters: []string{"a", "b", "c"}, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	e.Cast(ctx, "a", voteID, "proceed", StanceSupport, "")
	e.Cast(ctx, "b", voteID, "proceed", StanceSupport, "")
	e.Cast(ctx, "c", voteID, "proceed", StanceBlock, "concerned about rollout")

	result, err := e.Tally(ctx, voteID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if result.Outcome != "blocked" {
		t.Fatalf("expected blocked outcome with one blocker, got %s", result.Outcome)
	}
	if len(result.Blockers) != 1 || result.Blockers[0] != "c" {
		t.Fatalf("expected c listed as blocker, got %+v", result.Blockers)
	}
}

func TestTally_WeightedSumsWeights(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	voteID, err := e.Initiate(ctx, InitiateInput{
		Proposer: "p", Topic: "X", Options: []string{"yes", "no"},
		Mechanism: MechanismWeighted, EligibleVoters: []string{"a", "b", "c"},
		Deadline: time.Now().Add(time.Hour),
		Weights:  map[string]int{"a": 3, "b": 1, "c": 1},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	e.Cast(ctx, "a", voteID, "no", "", "")
	e.Cast(ctx, "b", voteID, "yes", "", "")
	e.Cast(ctx, "c", voteID, "yes", "", "")

	result, err := e.Tally(ctx, voteID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if result.Outcome != "no" {
		t.Fatalf("expected 'no' to win on weight (3 vs 2), got %s tally=%+v", result.Outcome, result.Tally)
	}
}
