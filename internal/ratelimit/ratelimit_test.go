package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAllowRespectsBurstThenThrottles(t *testing.T) {
	l := New(rate.Limit(1), 2)

	if !l.Allow("eth_usd", "alice") {
		t.Fatal("expected first event to be allowed")
	}
	if !l.Allow("eth_usd", "alice") {
		t.Fatal("expected second event (within burst) to be allowed")
	}
	if l.Allow("eth_usd", "alice") {
		t.Fatal("expected third immediate event to be throttled")
	}
}

func TestAllowIsPerBucketAndUser(t *testing.T) {
	l := New(rate.Limit(1), 1)

	if !l.Allow("eth_usd", "alice") {
		t.Fatal("expected alice's first event on eth_usd to be allowed")
	}
	if !l.Allow("eth_usd", "bob") {
		t.Fatal("expected bob's first event on eth_usd to be allowed independently of alice")
	}
	if !l.Allow("usdc_transfers", "alice") {
		t.Fatal("expected alice's first event on a different bucket to be allowed independently")
	}
}

func TestCleanupEvictsStaleEntries(t *testing.T) {
	l := New(rate.Limit(1), 1)
	l.Allow("eth_usd", "alice")

	l.cleanup(-time.Second) // everything is "stale" relative to a negative window

	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected cleanup to evict all entries, got %d remaining", n)
	}
}

func TestStartCleanupStopsOnContextCancel(t *testing.T) {
	l := New(rate.Limit(1), 1)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	l.StartCleanup(ctx, &wg, time.Millisecond, time.Hour)

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected cleanup goroutine to exit after context cancellation")
	}
}
