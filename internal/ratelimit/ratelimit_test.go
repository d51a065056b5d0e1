package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_AllowsWithinCapacity(t *testing.T) {
	l := New(100, 10)
	for i := 0; i < 100; i++ {
		if !l.Allow("agent-a", 1) {
			t.Fatalf("expected token %d to be allowed", i)
		}
	}
	if l.Allow("agent-a", 1) {
		t.Fatal("expected bucket to be exhausted after 100 withdrawals")
	}
}

func TestLimiter_PerAgentIsolation(t *testing.T) {
	l := New(5, 1)
	for i := 0; i < 5; i++ {
		if !l.Allow("agent-a", 1) {
			t.Fatalf("agent-a token %d should be allowed", i)
		}
	}
	if l.Allow("agent-a", 1) {
		t.Fatal("agent-a bucket should be exhausted")
	}
	if !l.Allow("agent-b", 1) {
		t.Fatal("agent-b has its own bucket and should be allowed")
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(10, 10)
	fakeNow := time.Now()
	l.now = func() time.Time { return fakeNow }

	for i := 0; i < 10; i++ {
		l.Allow("agent-a", 1)
	}
	if l.Allow("agent-a", 1) {
		t.Fatal("expected exhausted bucket")
	}

	fakeNow = fakeNow.Add(500 * time.Millisecond)
	if !l.Allow("agent-a", 1) {
		t.Fatal("expected refill of ~5 tokens after 500ms at 10/s to allow a withdrawal")
	}
}

func TestLimiter_RemainingReflectsRefill(t *testing.T) {
	l := New(100, 10)
	fakeNow := time.Now()
	l.now = func() time.Time { return fakeNow }

	l.Allow("agent-a", 50)
	if got := l.Remaining("agent-a"); got != 50 {
		t.Fatalf("expected 50 remaining, got %v", got)
	}

	fakeNow = fakeNow.Add(1 * time.Second)
	if got := l.Remaining("agent-a"); got != 60 {
		t.Fatalf("expected 60 remaining after 1s refill, got %v", got)
	}
}

func TestLimiter_CostGreaterThanOne(t *testing.T) {
	l := New(10, 10)
	if !l.Allow("agent-a", 10) {
		t.Fatal("expected full-capacity withdrawal to succeed")
	}
	if l.Allow("agent-a", 1) {
		t.Fatal("expected bucket to be empty after full withdrawal")
	}
}

func TestLimiter_WaitSucceedsOnceTokensRefill(t *testing.T) {
	l := New(1, 10)
	l.Allow("agent-a", 1)

	start := time.Now()
	ok := l.Wait(context.Background(), "agent-a", 1, 500*time.Millisecond)
	if !ok {
		t.Fatal("expected Wait to succeed once the bucket refills")
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("expected Wait to return promptly after refill, took %v", elapsed)
	}
}

func TestLimiter_WaitTimesOutWhenStarved(t *testing.T) {
	l := New(1, 0)
	l.Allow("agent-a", 1)

	ok := l.Wait(context.Background(), "agent-a", 1, 50*time.Millisecond)
	if ok {
		t.Fatal("expected Wait to time out with zero refill rate")
	}
}

func TestLimiter_WaitReturnsFalseOnContextCancel(t *testing.T) {
	l := New(1, 0)
	l.Allow("agent-a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ok := l.Wait(ctx, "agent-a", 1, time.Second)
	if ok {
		t.Fatal("expected Wait to return false when context is cancelled")
	}
}

func TestLimiter_SetLimitsAppliesToFutureCalls(t *testing.T) {
	l := New(1, 0)
	if !l.Allow("agent-a", 1) {
		t.Fatal("expected the initial capacity-1 withdrawal to succeed")
	}
	if l.Allow("agent-a", 1) {
		t.Fatal("expected bucket exhausted before reconfiguring")
	}

	l.SetLimits(10, 0)
	if !l.Allow("agent-b", 10) {
		t.Fatal("expected a fresh bucket to observe the reconfigured capacity")
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := New(10, 10)
	l.Allow("agent-a", 10)
	l.Reset()
	if !l.Allow("agent-a", 10) {
		t.Fatal("expected reset to restore full capacity")
	}
}
