package security

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.001, Burst: 3}, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("Allow() call %d = false, want true", i+1)
		}
	}
	if rl.Allow("client-a") {
		t.Error("Allow() after burst = true, want false")
	}
	if !rl.Allow("client-b") {
		t.Error("Allow() for a different key = false, want true")
	}
}

func TestRateLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, MaxKeys: 2}, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")

	if got := rl.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := rl.Evictions(); got != 1 {
		t.Errorf("Evictions() = %d, want 1", got)
	}
	rl.mu.Lock()
	_, hasA := rl.entries["a"]
	rl.mu.Unlock()
	if hasA {
		t.Error("oldest key was not evicted")
	}
}

func TestRateLimiter_CleanupIdle(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, IdleTimeout: time.Minute}, nil)
	defer rl.Stop()

	rl.Allow("idle")
	rl.Allow("active")

	rl.mu.Lock()
	rl.entries["idle"].Value.(*limiterEntry).lastAccess = time.Now().Add(-2 * time.Minute)
	rl.lru.MoveToBack(rl.entries["idle"])
	rl.mu.Unlock()

	if removed := rl.cleanupIdle(time.Now()); removed != 1 {
		t.Errorf("cleanupIdle() removed %d, want 1", removed)
	}
	if got := rl.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1}, nil)
	rl.Stop()
	rl.Stop()
}
