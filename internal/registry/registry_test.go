package registry

import (
	"context"
	"testing"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/coordderr"
	"github.com/basket/coordd/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
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

	return New(st, auditLog, bus.New())
}

func TestHeartbeat_IdempotentAcrossRepeats(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Heartbeat(ctx, "a1", "active", "task-1"); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	status, err := r.Health(ctx, "a1")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if status.HeartbeatCount != 3 {
		t.Fatalf("expected heartbeat count 3, got %d", status.HeartbeatCount)
	}
	if status.Liveness != LivenessActive {
		t.Fatalf("expected active liveness, got %s", status.Liveness)
	}
}

func TestHeartbeat_ImplicitGeneralSubscription(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.Heartbeat(ctx, "a1", "active", ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	channels, err := r.Channels(ctx, "a1")
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	if len(channels) != 1 || channels[0] != "general" {
		t.Fatalf("expected implicit general subscription, got %+v", channels)
	}
}

func TestHealth_UnregisteredAgentNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Health(context.Background(), "ghost")
	if !coordderr.OfKind(err, coordderr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHealth_ClassifiesStaleAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.Heartbeat(ctx, "a1", "active", ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if _, err := r.store.DB().ExecContext(ctx, `UPDATE agent_status SET last_heartbeat = ? WHERE agent_id = ?;`,
		"2000-01-01T00:00:00.000Z", "a1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	status, err := r.Health(ctx, "a1")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if status.Liveness != LivenessStale {
		t.Fatalf("expected stale liveness, got %s", status.Liveness)
	}
}

func TestSubscribeUnsubscribe_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Subscribe(ctx, "a1", "ops"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe(ctx, "a1", "ops"); err != nil {
		t.Fatalf("second subscribe should be a no-op: %v", err)
	}
	channels, err := r.Channels(ctx, "a1")
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected exactly one subscription row, got %+v", channels)
	}

	if err := r.Unsubscribe(ctx, "a1", "ops"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	channels, err = r.Channels(ctx, "a1")
	if err != nil {
		t.Fatalf("channels after unsubscribe: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("expected no subscriptions left, got %+v", channels)
	}
}
