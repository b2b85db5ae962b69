package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerSource(t *testing.T) {
	l := NewLimiter(0, 2, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Errorf("Expected connection %d to be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("Expected connection to be denied due to per-source limit")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("Expected a different source to have its own bucket")
	}
}

func TestLimiterGlobal(t *testing.T) {
	l := NewLimiter(2, 0, 2)

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("Expected initial global burst to be allowed")
	}
	if l.Allow("c") {
		t.Error("Expected connection to be denied due to global limit")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0, 5)
	if l.Enabled() {
		t.Error("Expected limiter with zero rates to be disabled")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("Expected connection %d to be allowed when limits disabled", i)
		}
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("x") || nilLimiter.Enabled() {
		t.Error("nil limiter must allow everything")
	}
}

func TestLimiterZeroBurstStillAdmits(t *testing.T) {
	l := NewLimiter(5, 5, 0)
	if !l.Allow("10.0.0.1") {
		t.Error("Expected first connection to be allowed with zero burst")
	}
}

func TestLimiterSweep(t *testing.T) {
	l := NewLimiter(0, 1, 1)
	l.Allow("old")
	time.Sleep(20 * time.Millisecond)
	l.Allow("fresh")

	if removed := l.Sweep(10 * time.Millisecond); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if n := l.sources(); n != 1 {
		t.Errorf("Expected 1 source bucket after sweep, got %d", n)
	}
	if _, ok := l.perSource["fresh"]; !ok {
		t.Error("Expected fresh bucket to remain")
	}
}

func (l *Limiter) sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perSource)
}
