package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	if TopicMessageSubmitted == "" {
		t.Fatal("TopicMessageSubmitted is empty")
	}
	if TopicMessageClaimed == "" {
		t.Fatal("TopicMessageClaimed is empty")
	}
	if TopicMessageCompleted == "" {
		t.Fatal("TopicMessageCompleted is empty")
	}
	if TopicMessageExpired == "" {
		t.Fatal("TopicMessageExpired is empty")
	}
	if TopicVoteInitiated == "" {
		t.Fatal("TopicVoteInitiated is empty")
	}
	if TopicVoteCast == "" {
		t.Fatal("TopicVoteCast is empty")
	}
	if TopicVoteTallied == "" {
		t.Fatal("TopicVoteTallied is empty")
	}
	if TopicAgentHeartbeat == "" {
		t.Fatal("TopicAgentHeartbeat is empty")
	}
	if TopicAgentStale == "" {
		t.Fatal("TopicAgentStale is empty")
	}

	topics := map[string]bool{
		TopicMessageSubmitted: true,
		TopicMessageClaimed:   true,
		TopicMessageCompleted: true,
		TopicMessageExpired:   true,
		TopicVoteInitiated:    true,
		TopicVoteCast:         true,
		TopicVoteTallied:      true,
		TopicAgentHeartbeat:   true,
		TopicAgentStale:       true,
	}
	if len(topics) != 9 {
		t.Fatalf("expected 9 unique topics, got %d", len(topics))
	}
}

func TestTaskTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicTaskCreated:   true,
		TopicTaskClaimed:   true,
		TopicTaskUpdated:   true,
		TopicTaskCompleted: true,
		TopicTaskFailed:    true,
	}
	if len(topics) != 5 {
		t.Fatalf("expected 5 unique task topics, got %d", len(topics))
	}
}

func TestMessageSubmittedEvent_Fields(t *testing.T) {
	ev := MessageSubmittedEvent{
		MessageID: "msg-1",
		Channel:   "general",
		ToAgent:   "agent-b",
	}
	if ev.MessageID == "" {
		t.Fatal("MessageID must not be empty")
	}
	if ev.Channel == "" {
		t.Fatal("Channel must not be empty")
	}

	broadcast := MessageSubmittedEvent{MessageID: "msg-2", Channel: "general"}
	if broadcast.ToAgent != "" {
		t.Fatalf("expected empty ToAgent for broadcast, got %q", broadcast.ToAgent)
	}
}

func TestMessageClaimedEvent_Fields(t *testing.T) {
	ev := MessageClaimedEvent{MessageID: "msg-1", Agent: "agent-a"}
	if ev.MessageID == "" {
		t.Fatal("MessageID must not be empty")
	}
	if ev.Agent == "" {
		t.Fatal("Agent must not be empty")
	}
}

func TestVoteTalliedEvent_Fields(t *testing.T) {
	ev := VoteTalliedEvent{VoteID: "vote-1", Outcome: "option-a"}
	if ev.VoteID == "" {
		t.Fatal("VoteID must not be empty")
	}
	if ev.Outcome == "" {
		t.Fatal("Outcome must not be empty")
	}
}

func TestTaskStateChangedEvent_Fields(t *testing.T) {
	ev := TaskStateChangedEvent{TaskID: "task-1", OldStatus: "open", NewStatus: "assigned"}
	if ev.OldStatus == ev.NewStatus {
		t.Fatal("expected OldStatus and NewStatus to differ in this scenario")
	}
}

func TestBus_PublishVoteTallied(t *testing.T) {
	b := New()
	sub := b.Subscribe("vote.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicVoteTallied, VoteTalliedEvent{VoteID: "v1", Outcome: "yes"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(VoteTalliedEvent)
		if !ok {
			t.Fatalf("expected VoteTalliedEvent payload, got %T", ev.Payload)
		}
		if payload.VoteID != "v1" {
			t.Fatalf("VoteID mismatch: got %s, want v1", payload.VoteID)
		}
	default:
		t.Fatal("expected event on matching prefix subscription")
	}
}
