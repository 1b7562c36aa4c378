package client

import (
	"context"
	"sync"
	"time"
)

// throttle is a token bucket pacing outgoing RPCs. A nil throttle never
// waits.
type throttle struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

// newThrottle allows burst calls at once and perMinute calls per minute
// after that. perMinute <= 0 disables throttling.
func newThrottle(burst int, perMinute float64, now func() time.Time) *throttle {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &throttle{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   perMinute / 60.0,
		last:   now(),
		now:    now,
	}
}

// wait takes one token, sleeping until one is available or ctx ends.
func (t *throttle) wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	for {
		t.mu.Lock()
		now := t.now()
		t.tokens = min(t.burst, t.tokens+now.Sub(t.last).Seconds()*t.rate)
		t.last = now
		if t.tokens >= 1 {
			t.tokens--
			t.mu.Unlock()
			return nil
		}
		delay := time.Duration((1 - t.tokens) / t.rate * float64(time.Second))
		t.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
