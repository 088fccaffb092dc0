package security

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)

	if !limiter.Allow("client1") {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow("client1") {
		t.Error("second request should be allowed")
	}
	if limiter.Allow("client1") {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiter_OwnersAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)

	if !limiter.Allow("alice") {
		t.Error("alice's first request should be allowed")
	}
	if limiter.Allow("alice") {
		t.Error("alice's second request should be limited")
	}
	if !limiter.Allow("bob") {
		t.Error("bob should not be limited by alice's usage")
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	limiter := NewRateLimiter(100.0, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx, "client1"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	limiter.Allow("client1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx, "client1"); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(time.Hour)
	limiter.Allow("fresh")

	if removed := limiter.Cleanup(30 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if limiter.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", limiter.Clients())
	}
}
