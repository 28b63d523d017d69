package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	const key = "198.51.100.7"

	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("request %d within burst should be allowed", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("request past the burst should be denied")
	}

	// 60/min replenishes one token per second.
	time.Sleep(time.Second)

	if !limiter.Allow(key) {
		t.Error("request after replenishment should be allowed")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	// A marketplace backend hammering the open-escrow endpoint drains
	// only its own bucket.
	for i := 0; i < 3; i++ {
		limiter.Allow("marketplace-a")
	}
	if limiter.Allow("marketplace-a") {
		t.Error("drained client should be limited")
	}

	if !limiter.Allow("marketplace-b") {
		t.Error("other clients should be unaffected")
	}
}

func TestReplenishmentRate(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 600, // 10 per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	const key = "198.51.100.8"

	if !limiter.Allow(key) {
		t.Error("first request should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("immediate second request should be denied")
	}

	time.Sleep(110 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("request after one replenishment period should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
}
