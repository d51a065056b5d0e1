package otelmetrics

import (
	"bytes"
	"context"
	"testing"
)

func TestNew_RegistersInstrumentsWithoutError(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(context.Background(), &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = r.Shutdown(context.Background()) }()

	ctx := context.Background()
	r.RecordSubmit(ctx, "general")
	r.RecordClaim(ctx, "agent-1")
	r.RecordComplete(ctx, "done")
	r.RecordBreakerTrip(ctx, "broker.store")
	r.RecordRateLimitRejection(ctx, "agent-1")
	r.RecordVoteTally(ctx, "yes")
}

func TestStartAsk_EndFuncRecordsLatencyWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(context.Background(), &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = r.Shutdown(context.Background()) }()

	ctx, end := r.StartAsk(context.Background(), "corr-1")
	if ctx == nil {
		t.Fatalf("expected non-nil context")
	}
	end("ok")
}
