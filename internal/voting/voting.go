// Package voting implements the voting engine (spec C8): vote lifecycle,
// eligibility and deadline enforcement, and the three tally mechanisms.
package voting

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/broker"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/clock"
	"github.com/basket/coordd/internal/coordderr"
	"github.com/basket/coordd/internal/otelmetrics"
	"github.com/basket/coordd/internal/store"
)

// Mechanisms.
const (
	MechanismSimpleMajority = "simple_majority"
	MechanismWeighted       = "weighted"
	MechanismConsensus      = "consensus"
)

// Vote statuses.
const (
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// Stances used by the consensus mechanism.
const (
	StanceSupport    = "support"
	StanceAcceptable = "acceptable"
	StanceBlock      = "block"
)

// MinEligibleVoters is the minimum eligible-voter set size spec §4.8 requires.
const MinEligibleVoters = 3

// MaxWeight caps a single voter's weight in the weighted mechanism.
const MaxWeight = 3

// CastEntry is one recorded vote within a vote's votes-cast map.
type CastEntry struct {
	Choice    string `json:"choice"`
	Stance    string `json:"stance,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Result is the tally outcome, serialized into the votes row on close.
type Result struct {
	Outcome   string         `json:"outcome"`
	Tally     map[string]int `json:"tally,omitempty"`
	Blockers  []string       `json:"blockers,omitempty"`
	CastCount int            `json:"cast_count"`
}

// InitiateInput carries the arguments to Initiate.
type InitiateInput struct {
	Proposer       string
	Topic          string
	Options        []string
	Mechanism      string
	EligibleVoters []string
	Deadline       time.Time
	Weights        map[string]int // only used for weighted mechanism
	Recurrence     string         // optional cron expression; re-initiated by the maintenance loop
}

// Engine implements the voting subsystem.
type Engine struct {
	store    *store.Store
	auditLog *audit.Log
	events   *bus.Bus
	br       *broker.Broker
	metrics  *otelmetrics.Recorder
}

// New wires an Engine to its dependencies. br is used to broadcast
// vote.initiate and vote.result notifications to eligible voters.
func New(st *store.Store, auditLog *audit.Log, events *bus.Bus, br *broker.Broker) *Engine {
	return &Engine{store: st, auditLog: auditLog, events: events, br: br}
}

// SetMetrics attaches an OTel recorder. Optional, same contract as
// internal/broker's SetMetrics.
func (e *Engine) SetMetrics(r *otelmetrics.Recorder) {
	e.metrics = r
}

// Initiate creates an open vote and notifies every eligible voter.
func (e *Engine) Initiate(ctx context.Context, in InitiateInput) (string, error) {
	if len(in.EligibleVoters) < MinEligibleVoters {
		return "", coordderr.New(coordderr.KindInsufficientVoters, "need at least %d eligible voters, got %d", MinEligibleVoters, len(in.EligibleVoters))
	}
	if len(in.Options) < 2 {
		return "", coordderr.New(coordderr.KindInvalidVote, "need at least 2 options")
	}
	if dup := firstDuplicate(in.Options); dup != "" {
		return "", coordderr.New(coordderr.KindInvalidVote, "duplicate option %q", dup)
	}
	if in.Mechanism != MechanismSimpleMajority && in.Mechanism != MechanismWeighted && in.Mechanism != MechanismConsensus {
		return "", coordderr.New(coordderr.KindInvalidVote, "unknown mechanism %q", in.Mechanism)
	}
	if in.Mechanism == MechanismWeighted {
		for voter, w := range in.Weights {
			if w <= 0 || w > MaxWeight {
				return "", coordderr.New(coordderr.KindInvalidVote, "weight for %s must be in [1,%d], got %d", voter, MaxWeight, w)
			}
		}
	}

	id := clock.NewID()
	now := clock.Now()
	optionsJSON, _ := json.Marshal(in.Options)
	votersJSON, _ := json.Marshal(in.EligibleVoters)
	var weightsJSON any
	if len(in.Weights) > 0 {
		b, _ := json.Marshal(in.Weights)
		weightsJSON = string(b)
	}

	err := e.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO votes (vote_id, topic, options, mechanism, proposer, eligible_voters,
				weights, deadline, status, recurrence, votes_cast, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open', ?, '{}', ?);
		`, id, in.Topic, string(optionsJSON), in.Mechanism, in.Proposer, string(votersJSON),
			weightsJSON, clock.Format(in.Deadline), nullableString(in.Recurrence), clock.Format(now)); err != nil {
			return fmt.Errorf("insert vote: %w", err)
		}
		return e.auditLog.RecordTx(ctx, tx, in.Proposer, "vote.initiate", fmt.Sprintf("vote=%s topic=%s", id, in.Topic))
	})
	if err != nil {
		return "", coordderr.Wrap(coordderr.KindStoreUnavailable, err, "initiate vote failed")
	}

	payload, _ := json.Marshal(map[string]any{"vote_id": id, "topic": in.Topic, "options": in.Options, "deadline": clock.Format(in.Deadline)})
	for _, voter := range in.EligibleVoters {
		_, _ = e.br.Submit(ctx, broker.SubmitInput{
			Sender: in.Proposer, Type: "vote.initiate", Payload: string(payload),
			Recipient: voter, Channel: "urgent", Priority: 9,
		})
	}
	e.events.Publish(bus.TopicVoteInitiated, id)
	return id, nil
}

// Cast records a voter's choice, enforcing open status, deadline,
// eligibility, valid option, and at-most-once participation.
func (e *Engine) Cast(ctx context.Context, voter, voteID, choice, stance, reasoning string) error {
	return e.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var status, optionsJSON, votersJSON, castJSON, deadline string
		err := tx.QueryRowContext(ctx, `
			SELECT status, options, eligible_voters, votes_cast, deadline FROM votes WHERE vote_id = ?;
		`, voteID).Scan(&status, &optionsJSON, &votersJSON, &castJSON, &deadline)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "vote %s not found", voteID)
		}
		if err != nil {
			return fmt.Errorf("read vote: %w", err)
		}
		if status != StatusOpen {
			return coordderr.New(coordderr.KindVoteClosed, "vote %s is %s", voteID, status)
		}
		deadlineT, err := clock.Parse(deadline)
		if err != nil {
			return fmt.Errorf("parse deadline: %w", err)
		}
		if !clock.Now().Before(deadlineT) {
			return coordderr.New(coordderr.KindVoteClosed, "vote %s deadline has passed", voteID)
		}

		var options, voters []string
		_ = json.Unmarshal([]byte(optionsJSON), &options)
		_ = json.Unmarshal([]byte(votersJSON), &voters)
		if !contains(voters, voter) {
			return coordderr.New(coordderr.KindNotEligible, "%s is not an eligible voter for %s", voter, voteID)
		}
		if !contains(options, choice) {
			return coordderr.New(coordderr.KindInvalidVote, "choice %q is not one of the vote's options", choice)
		}
		if stance != "" && !contains([]string{StanceSupport, StanceAcceptable, StanceBlock}, stance) {
			return coordderr.New(coordderr.KindInvalidVote, "stance %q is not support, acceptable, or block", stance)
		}

		cast := map[string]CastEntry{}
		_ = json.Unmarshal([]byte(castJSON), &cast)
		if _, already := cast[voter]; already {
			return coordderr.New(coordderr.KindAlreadyVoted, "%s has already voted in %s", voter, voteID)
		}

		cast[voter] = CastEntry{Choice: choice, Stance: stance, Reasoning: reasoning, Timestamp: clock.Format(clock.Now())}
		newCastJSON, err := json.Marshal(cast)
		if err != nil {
			return fmt.Errorf("marshal votes cast: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE votes SET votes_cast = ? WHERE vote_id = ?;`, string(newCastJSON), voteID); err != nil {
			return fmt.Errorf("update votes cast: %w", err)
		}
		if err := e.auditLog.RecordTx(ctx, tx, voter, "vote.cast", fmt.Sprintf("vote=%s choice=%s", voteID, choice)); err != nil {
			return err
		}
		e.events.Publish(bus.TopicVoteCast, voteID)
		return nil
	})
}

// Tally closes the vote (if still open) and computes its result. Repeated
// calls on an already-closed vote return the stored result unchanged.
func (e *Engine) Tally(ctx context.Context, voteID string) (Result, error) {
	var result Result

	err := e.store.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var status, optionsJSON, votersJSON, weightsJSON, castJSON, mechanism, resultJSON string
		var weightsNull, resultNull sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT status, options, eligible_voters, weights, votes_cast, mechanism, result FROM votes WHERE vote_id = ?;
		`, voteID).Scan(&status, &optionsJSON, &votersJSON, &weightsNull, &castJSON, &mechanism, &resultNull)
		if err == sql.ErrNoRows {
			return coordderr.New(coordderr.KindNotFound, "vote %s not found", voteID)
		}
		if err != nil {
			return fmt.Errorf("read vote: %w", err)
		}
		weightsJSON = weightsNull.String
		resultJSON = resultNull.String

		if status == StatusClosed {
			if resultJSON != "" {
				return json.Unmarshal([]byte(resultJSON), &result)
			}
			return nil
		}

		var options, voters []string
		_ = json.Unmarshal([]byte(optionsJSON), &options)
		_ = json.Unmarshal([]byte(votersJSON), &voters)
		weights := map[string]int{}
		if weightsJSON != "" {
			_ = json.Unmarshal([]byte(weightsJSON), &weights)
		}
		cast := map[string]CastEntry{}
		_ = json.Unmarshal([]byte(castJSON), &cast)

		result = computeResult(mechanism, options, voters, weights, cast)

		newResultJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE votes SET status = 'closed', result = ? WHERE vote_id = ?;`, string(newResultJSON), voteID); err != nil {
			return fmt.Errorf("close vote: %w", err)
		}
		if err := e.auditLog.RecordTx(ctx, tx, "system", "vote.tally", fmt.Sprintf("vote=%s outcome=%s", voteID, result.Outcome)); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]any{"vote_id": voteID, "result": result})
		for _, voter := range voters {
			_, _ = e.br.Submit(ctx, broker.SubmitInput{
				Sender: "system", Type: "vote.result", Payload: string(payload), Recipient: voter, Channel: "urgent", Priority: 9,
			})
		}
		if e.metrics != nil {
			e.metrics.RecordVoteTally(ctx, result.Outcome)
		}
		e.events.Publish(bus.TopicVoteTallied, bus.VoteTalliedEvent{VoteID: voteID, Outcome: result.Outcome})
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func computeResult(mechanism string, options, voters []string, weights map[string]int, cast map[string]CastEntry) Result {
	castCount := len(cast)
	if castCount*2 < len(voters) {
		// fewer than half the eligible voters cast
		return Result{Outcome: "no_quorum", CastCount: castCount}
	}

	switch mechanism {
	case MechanismSimpleMajority:
		return tallyCounts(options, cast, nil, castCount)
	case MechanismWeighted:
		return tallyCounts(options, cast, weights, castCount)
	case MechanismConsensus:
		return tallyConsensus(cast, castCount, len(voters))
	}
	return Result{Outcome: "no_quorum", CastCount: castCount}
}

func tallyCounts(options []string, cast map[string]CastEntry, weights map[string]int, castCount int) Result {
	tally := make(map[string]int, len(options))
	for _, opt := range options {
		tally[opt] = 0
	}
	for voter, entry := range cast {
		w := 1
		if weights != nil {
			if ww, ok := weights[voter]; ok {
				w = ww
			}
		}
		tally[entry.Choice] += w
	}

	best := ""
	bestCount := -1
	tie := false
	for _, opt := range options {
		c := tally[opt]
		if c > bestCount {
			bestCount = c
			best = opt
			tie = false
		} else if c == bestCount {
			tie = true
		}
	}
	if tie {
		return Result{Outcome: "tie", Tally: tally, CastCount: castCount}
	}
	return Result{Outcome: best, Tally: tally, CastCount: castCount}
}

func tallyConsensus(cast map[string]CastEntry, castCount, eligibleCount int) Result {
	support := 0
	var blockers []string
	for voter, entry := range cast {
		switch entry.Stance {
		case StanceBlock:
			blockers = append(blockers, voter)
		case StanceSupport:
			support++
		}
	}
	required := int(math.Ceil(float64(castCount) / 2))
	if len(blockers) == 0 && support >= required {
		return Result{Outcome: "passed", CastCount: castCount}
	}
	return Result{Outcome: "blocked", Blockers: blockers, CastCount: castCount}
}

func firstDuplicate(options []string) string {
	seen := map[string]bool{}
	for _, o := range options {
		if seen[o] {
			return o
		}
		seen[o] = true
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RecurringVote is the latest occurrence of a topic carrying a recurrence
// expression, returned by LatestRecurring for the maintenance loop to
// schedule the next occurrence from.
type RecurringVote struct {
	Topic          string
	Options        []string
	Mechanism      string
	Proposer       string
	EligibleVoters []string
	Weights        map[string]int
	Recurrence     string
	CreatedAt      time.Time
}

// LatestRecurring returns the most recently created closed vote for every
// topic that carries a recurrence expression. The maintenance loop anchors
// each topic's cron schedule off CreatedAt and re-Initiates a fresh vote
// (new vote_id; votes are append-only) once the schedule's next occurrence
// has passed.
func (e *Engine) LatestRecurring(ctx context.Context) ([]RecurringVote, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT v.topic, v.options, v.mechanism, v.proposer, v.eligible_voters, v.weights, v.recurrence, v.created_at
		FROM votes v
		WHERE v.status = 'closed' AND v.recurrence IS NOT NULL
		  AND v.created_at = (
			SELECT MAX(v2.created_at) FROM votes v2 WHERE v2.topic = v.topic AND v2.recurrence IS NOT NULL
		  );
	`)
	if err != nil {
		return nil, coordderr.Wrap(coordderr.KindStoreUnavailable, err, "recurring votes query failed")
	}
	defer rows.Close()

	var out []RecurringVote
	for rows.Next() {
		var rv RecurringVote
		var optionsJSON, votersJSON, createdAt string
		var weightsJSON sql.NullString
		if err := rows.Scan(&rv.Topic, &optionsJSON, &rv.Mechanism, &rv.Proposer, &votersJSON, &weightsJSON, &rv.Recurrence, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recurring vote: %w", err)
		}
		if err := json.Unmarshal([]byte(optionsJSON), &rv.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
		if err := json.Unmarshal([]byte(votersJSON), &rv.EligibleVoters); err != nil {
			return nil, fmt.Errorf("decode voters: %w", err)
		}
		if weightsJSON.Valid {
			if err := json.Unmarshal([]byte(weightsJSON.String), &rv.Weights); err != nil {
				return nil, fmt.Errorf("decode weights: %w", err)
			}
		}
		rv.CreatedAt, err = clock.Parse(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}
