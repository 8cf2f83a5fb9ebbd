// MessageRateLimiter: per-user protection against chat spam.
//
// It differs from LoginRateLimiter in two ways:
//   - The key is the authenticated user id, not the IP.
//   - Exceeding the limit starts a cooldown that is separate from, and
//     usually longer than, the window.
//
// With the defaults (5 messages, 5s window, 15s cooldown):
//   - Up to 5 sends within 5 seconds are allowed.
//   - The 6th send is rejected and every send for the next 15 seconds too.
//   - After the cooldown the window restarts from the next send.
//
// CooldownSeconds feeds the retry_after field of message_failed, so a
// client can tell the user how long to wait.
package ratelimit

import (
	"sync"
	"time"
)

// messageBucket tracks one user. It is in one of two modes:
//  1. Counting: count grows inside the window that began at windowStart.
//  2. Cooldown: cooldownUntil is in the future and every send is refused.
//
// A zero cooldownUntil means counting mode.
type messageBucket struct {
	count         int
	windowStart   time.Time
	cooldownUntil time.Time
}

// MessageRateLimiter is a per-user send limiter with a cooldown penalty.
//
// maxMessages: sends allowed in one window.
// window: length of the counting window, e.g. 5 seconds.
// cooldown: penalty once the limit is exceeded, e.g. 15 seconds.
//
//	limiter := NewMessageRateLimiter(5, 5*time.Second, 15*time.Second)
//	if !limiter.Allow(userID) { ... }
type MessageRateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*messageBucket
	maxMessages int
	window      time.Duration
	cooldown    time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once

	// now is swapped in tests.
	now func() time.Time
}

// NewMessageRateLimiter creates a limiter and starts its cleanup goroutine.
func NewMessageRateLimiter(maxMessages int, window, cooldown time.Duration) *MessageRateLimiter {
	rl := &MessageRateLimiter{
		buckets:     make(map[string]*messageBucket),
		maxMessages: maxMessages,
		window:      window,
		cooldown:    cooldown,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether userID may send now and records the attempt.
func (rl *MessageRateLimiter) Allow(userID string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[userID]
	if !exists {
		rl.buckets[userID] = &messageBucket{count: 1, windowStart: now}
		return true
	}

	if !b.cooldownUntil.IsZero() && now.Before(b.cooldownUntil) {
		return false
	}

	// Cooldown over: start a fresh window.
	if !b.cooldownUntil.IsZero() {
		b.count = 1
		b.windowStart = now
		b.cooldownUntil = time.Time{}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	if b.count > rl.maxMessages {
		b.cooldownUntil = now.Add(rl.cooldown)
		return false
	}

	return true
}

// CooldownSeconds returns the remaining cooldown for userID, rounded up.
// Zero means the user is not in cooldown.
func (rl *MessageRateLimiter) CooldownSeconds(userID string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	b, exists := rl.buckets[userID]
	if !exists || b.cooldownUntil.IsZero() {
		return 0
	}

	remaining := b.cooldownUntil.Sub(rl.now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *MessageRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *MessageRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets whose window and cooldown have both expired.
func (rl *MessageRateLimiter) cleanup() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for userID, b := range rl.buckets {
		windowExpired := now.Sub(b.windowStart) > rl.window
		cooldownExpired := b.cooldownUntil.IsZero() || now.After(b.cooldownUntil)

		if windowExpired && cooldownExpired {
			delete(rl.buckets, userID)
		}
	}
}
