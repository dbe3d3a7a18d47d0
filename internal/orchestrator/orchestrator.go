// Package orchestrator drives the ingestion fleet's scheduling and
// per-ingester tick pipeline. It owns no collection, transformation, or
// storage logic itself — it claims an ingester's slot for this worker,
// calls out to a Collector, runs the transform engine, and writes the
// result to the cache and TSDB, in that order, once per scheduled tick.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chomp/internal/cache"
	"chomp/internal/claim"
	"chomp/internal/interval"
	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/transform"
	"chomp/internal/tsdb"
)

var (
	// ErrAlreadyRunning is returned when Start is called on a running orchestrator.
	ErrAlreadyRunning = errors.New("orchestrator already running")
	// ErrNotRunning is returned when Stop is called on a stopped orchestrator.
	ErrNotRunning = errors.New("orchestrator not running")
	// ErrDuplicateIngester is returned by Register when id is already registered.
	ErrDuplicateIngester = errors.New("orchestrator: duplicate ingester id")
	// ErrUnknownIngesterType is returned when no factory is registered for
	// an ingester's type — spec.md's resolved Open Question: unknown
	// ingester_type tags are rejected rather than silently ignored.
	ErrUnknownIngesterType = errors.New("orchestrator: unknown ingester type")
)

// entry bundles one registered ingester with the collector that serves
// it and the claim TTL derived from its interval.
type entry struct {
	ingester  model.Ingester
	collector Collector
	claimTTL  time.Duration
}

// Orchestrator coordinates the ingestion fleet's scheduled ticks.
//
// Concurrency model:
//   - Register/Unregister are expected to run at startup only, before
//     Start(). After Start(), the registry is read by the scheduler's
//     goroutines under mu's read lock.
//   - Each ingester's tick runs on the shared Scheduler's worker pool;
//     the single-owner invariant (only the process holding the claim
//     mutates an ingester's fields) is enforced by the claim manager,
//     not by this type.
//   - A tick that fails rolls the ingester back to Idle without
//     releasing its claim (spec.md §4.9) — another worker can take over
//     only once the TTL lapses.
type Orchestrator struct {
	mu sync.RWMutex

	entries map[string]*entry

	claims *claim.Manager
	cache  *cache.Cache
	tsdb   tsdb.Adapter
	engine *transform.Engine

	scheduler *Scheduler
	running   bool
	cancel    context.CancelFunc

	now    func() time.Time
	logger *slog.Logger
}

// Config configures an Orchestrator.
type Config struct {
	// MaxConcurrentTicks limits how many ingester ticks run in parallel
	// across the whole fleet. Defaults to 4.
	MaxConcurrentTicks int

	Claims *claim.Manager
	Cache  *cache.Cache
	TSDB   tsdb.Adapter
	Engine *transform.Engine

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// New creates an Orchestrator with an empty registry.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "orchestrator")

	sched, err := newScheduler(logger, cfg.MaxConcurrentTicks, cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	return &Orchestrator{
		entries:   make(map[string]*entry),
		claims:    cfg.Claims,
		cache:     cfg.Cache,
		tsdb:      cfg.TSDB,
		engine:    cfg.Engine,
		scheduler: sched,
		now:       cfg.Now,
		logger:    logger,
	}, nil
}

// Logger returns the orchestrator's scoped logger.
func (o *Orchestrator) Logger() *slog.Logger {
	return o.logger
}

// Scheduler returns the shared cron scheduler, for status polling.
func (o *Orchestrator) Scheduler() *Scheduler {
	return o.scheduler
}

// Register adds ing to the registry with the collector that will serve
// its ticks. Must be called before Start().
func (o *Orchestrator) Register(ing model.Ingester, collector Collector) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := ing.ID()
	if _, exists := o.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIngester, id)
	}

	secs, err := interval.ToSeconds(ing.Interval)
	if err != nil {
		return fmt.Errorf("orchestrator: register %s: %w", ing.Name, err)
	}
	// TTL = 1.2x the interval: long enough to survive one tick's jitter,
	// short enough that a crashed owner hands off within roughly one
	// missed cycle (spec.md §4.4's claim-handoff invariant).
	ttl := time.Duration(float64(secs) * 1.2 * float64(time.Second))

	o.entries[id] = &entry{ingester: ing, collector: collector, claimTTL: ttl}
	return nil
}

// Unregister removes an ingester from the registry and its scheduled job,
// closing its collector. Safe to call before Start() or after Stop().
func (o *Orchestrator) Unregister(id string) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if ok {
		delete(o.entries, id)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	o.scheduler.RemoveJob(id)
	if err := e.collector.Close(); err != nil {
		o.logger.Warn("error closing collector", "ingester_id", id, "error", err)
	}
}

// IDs returns every registered ingester id.
func (o *Orchestrator) IDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	return ids
}

// Running reports whether Start has been called without a matching Stop.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}
