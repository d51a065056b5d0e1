// Package broker implements the message broker and broadcast tracker
// (spec C5 + C6): submit, peek, claim, complete, reply, ask, and
// per-recipient broadcast delivery status.
package broker

// Message mirrors one row of the messages table.
type Message struct {
	ID               string
	Type             string
	ProtocolVersion  string
	CorrelationID    string
	FromAgent        string
	ToAgent          string // empty means broadcast
	Channel          string
	Priority         int
	Payload          string // JSON
	ArtifactPath     string
	Status           string
	CreatedAt        string
	ExpiresAt        string
	DeliveryCount    int
	LastDeliveredAt  string
	Error            string
}

// Message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Broadcast delivery statuses.
const (
	DeliveryDelivered    = "delivered"
	DeliveryAcknowledged = "acknowledged"
	DeliverySkipped      = "skipped"
)

// DeadLetterThreshold is the delivery count at which a failed direct
// message is archived rather than retried.
const DeadLetterThreshold = 3

// BroadcastStatus summarizes per-recipient delivery counts for one message.
type BroadcastStatus struct {
	Delivered    int
	Acknowledged int
	Skipped      int
}

// SubmitInput carries the arguments to Submit.
type SubmitInput struct {
	Sender        string
	Type          string
	Payload       string // JSON object
	Recipient     string // empty => broadcast
	Channel       string // defaults to "general"
	Priority      int    // defaults to 5
	CorrelationID string
	TTLSeconds    int // 0 => no expiry
}
