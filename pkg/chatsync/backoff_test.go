package chatsync

import (
	"testing"
	"time"
)

func TestBackoffDelays(t *testing.T) {
	b := DefaultBackoff()

	if d := b.NextDelay(1); d != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", d)
	}
	if d := b.NextDelay(2); d != time.Second {
		t.Errorf("expected 1s, got %v", d)
	}
	if d := b.NextDelay(4); d != 4*time.Second {
		t.Errorf("expected 4s, got %v", d)
	}
	if d := b.NextDelay(0); d != 500*time.Millisecond {
		t.Errorf("expected attempt 0 to use the initial delay, got %v", d)
	}
}

func TestBackoffCapped(t *testing.T) {
	b := DefaultBackoff()
	for _, attempt := range []int{7, 20, 5000} {
		if d := b.NextDelay(attempt); d != 30*time.Second {
			t.Errorf("attempt %d: expected 30s cap, got %v", attempt, d)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := DefaultBackoff()
	if b.Exhausted(1_000_000) {
		t.Error("default backoff should retry forever")
	}
	b.MaxAttempts = 3
	if b.Exhausted(3) {
		t.Error("attempt 3 of 3 should still run")
	}
	if !b.Exhausted(4) {
		t.Error("attempt 4 of 3 should be exhausted")
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := Backoff{MaxAttempts: 2}.withDefaults()
	if b.InitialDelay != 500*time.Millisecond || b.Multiplier != 2 || b.MaxDelay != 30*time.Second {
		t.Errorf("unexpected defaults: %+v", b)
	}
	if b.MaxAttempts != 2 {
		t.Errorf("MaxAttempts was overwritten: %d", b.MaxAttempts)
	}

	b = Backoff{InitialDelay: time.Minute, MaxDelay: time.Second}.withDefaults()
	if b.MaxDelay != time.Minute {
		t.Errorf("expected cap raised to the initial delay, got %v", b.MaxDelay)
	}
}
