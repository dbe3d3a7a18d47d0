// Package ratelimit implements the token-bucket limiter backing the
// coordination-store "<NS>:limiter:<bucket>:<user>" namespace (spec.md
// §6), used by the forwarder boundary to throttle per-subscriber topic
// fan-out.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry tracks one bucket/user pair's limiter and last-seen time, for
// staleness-based eviction.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per (bucket, user) key.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
}

// New returns a Limiter granting r events/sec with burst capacity
// burst, per distinct (bucket, user) key.
func New(r rate.Limit, burst int) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		rate:    r,
		burst:   burst,
	}
}

func key(bucket, user string) string {
	return fmt.Sprintf("%s\x00%s", bucket, user)
}

// Allow reports whether one event for (bucket, user) may proceed now,
// creating that key's limiter on first use.
func (l *Limiter) Allow(bucket, user string) bool {
	return l.get(bucket, user).Allow()
}

func (l *Limiter) get(bucket, user string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(bucket, user)
	e, ok := l.entries[k]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[k] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// cleanup removes entries not seen within staleAfter.
func (l *Limiter) cleanup(staleAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// StartCleanup launches a background goroutine that periodically evicts
// stale entries until ctx is cancelled. The caller's WaitGroup tracks
// its exit.
func (l *Limiter) StartCleanup(ctx context.Context, wg *sync.WaitGroup, interval, staleAfter time.Duration) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup(staleAfter)
			}
		}
	}()
}
