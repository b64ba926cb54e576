package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_BurstThenRefill(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBucket(5, now)

	for i := 0; i < 5; i++ {
		if !b.Allow(now) {
			t.Fatalf("burst message %d: got denied, want allowed", i+1)
		}
	}
	if b.Allow(now) {
		t.Fatalf("message beyond burst: got allowed, want denied")
	}

	// 200ms at 5 tokens/sec refills exactly one token.
	now = now.Add(200 * time.Millisecond)
	if !b.Allow(now) {
		t.Fatalf("after refill: got denied, want allowed")
	}
	if b.Allow(now) {
		t.Fatalf("second message after single refill: got allowed, want denied")
	}
}

func TestBucket_CapsAtCapacity(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBucket(2, now)

	// A long idle period must not bank more than the capacity.
	now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if b.Allow(now) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed after long idle: got %d, want 2", allowed)
	}
}
