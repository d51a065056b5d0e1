package bus

// Message broker topics.
const (
	TopicMessageSubmitted = "message.submitted"
	TopicMessageClaimed   = "message.claimed"
	TopicMessageCompleted = "message.completed"
	TopicMessageExpired   = "message.expired"
)

// Voting engine topics.
const (
	TopicVoteInitiated = "vote.initiated"
	TopicVoteCast      = "vote.cast"
	TopicVoteTallied   = "vote.tallied"
)

// Agent registry topics.
const (
	TopicAgentHeartbeat = "agent.heartbeat"
	TopicAgentStale     = "agent.stale"
)

// MessageSubmittedEvent is published when submit() accepts a message.
type MessageSubmittedEvent struct {
	MessageID string
	Channel   string
	ToAgent   string // empty for broadcast
}

// MessageClaimedEvent is published on a winning claim() call.
type MessageClaimedEvent struct {
	MessageID string
	Agent     string
}

// VoteTalliedEvent is published once a vote closes and its result is computed.
type VoteTalliedEvent struct {
	VoteID  string
	Outcome string
}

// TaskStateChangedEvent is published whenever a task transitions status.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}
