package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(max int, window, cooldown time.Duration, clock *time.Time) *MessageRateLimiter {
	rl := NewMessageRateLimiter(max, window, cooldown)
	rl.now = func() time.Time { return *clock }
	return rl
}

func TestAllowWithinWindow(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	rl := newTestLimiter(3, 5*time.Second, 15*time.Second, &clock)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("send %d rejected, want allowed", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Fatal("fourth send allowed, want rejected")
	}
	if got := rl.CooldownSeconds("u1"); got != 16 {
		t.Fatalf("CooldownSeconds = %d, want 16", got)
	}

	// Other users are unaffected.
	if !rl.Allow("u2") {
		t.Fatal("u2 rejected")
	}
}

func TestCooldownExpires(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	rl := newTestLimiter(1, 5*time.Second, 10*time.Second, &clock)
	defer rl.Stop()

	rl.Allow("u1")
	if rl.Allow("u1") {
		t.Fatal("second send allowed, want cooldown")
	}

	clock = clock.Add(9 * time.Second)
	if rl.Allow("u1") {
		t.Fatal("send during cooldown allowed")
	}

	clock = clock.Add(2 * time.Second)
	if !rl.Allow("u1") {
		t.Fatal("send after cooldown rejected")
	}
	if got := rl.CooldownSeconds("u1"); got != 0 {
		t.Fatalf("CooldownSeconds = %d, want 0", got)
	}
}

func TestWindowResets(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	rl := newTestLimiter(2, 5*time.Second, 10*time.Second, &clock)
	defer rl.Stop()

	rl.Allow("u1")
	rl.Allow("u1")
	clock = clock.Add(6 * time.Second)
	if !rl.Allow("u1") {
		t.Fatal("send in new window rejected")
	}
}

func TestCleanupDropsExpiredBuckets(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	rl := newTestLimiter(2, time.Second, time.Second, &clock)
	defer rl.Stop()

	rl.Allow("u1")
	clock = clock.Add(3 * time.Second)
	rl.cleanup()

	rl.mu.RLock()
	n := len(rl.buckets)
	rl.mu.RUnlock()
	if n != 0 {
		t.Fatalf("buckets after cleanup = %d, want 0", n)
	}
}
