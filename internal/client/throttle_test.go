package client

import (
	"context"
	"testing"
	"time"
)

func TestThrottle_Disabled(t *testing.T) {
	th := newThrottle(1, 0, nil)
	if th != nil {
		t.Fatal("zero rate should disable the throttle")
	}
	for range 100 {
		if err := th.wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestThrottle_BurstThenWait(t *testing.T) {
	th := newThrottle(3, 600, nil) // 10 per second after the burst
	ctx := context.Background()
	for i := range 3 {
		if err := th.wait(ctx); err != nil {
			t.Fatalf("burst call %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := th.wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected to wait for a token, waited %v", elapsed)
	}
}

func TestThrottle_RefillIsCapped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	th := newThrottle(2, 60, func() time.Time { return now })
	ctx := context.Background()
	th.wait(ctx)
	th.wait(ctx)

	// An hour of idling still only refills the burst.
	now = now.Add(time.Hour)
	th.wait(ctx)
	th.wait(ctx)
	if th.tokens >= 1 {
		t.Fatalf("expected bucket drained after burst, have %.2f tokens", th.tokens)
	}
}

func TestThrottle_CancelledContext(t *testing.T) {
	th := newThrottle(1, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := th.wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := th.wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
