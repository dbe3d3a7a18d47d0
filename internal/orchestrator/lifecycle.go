package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"chomp/internal/interval"
	"chomp/internal/model"
	"chomp/internal/tsdb"
)

// Start registers one scheduler job per ingester (cron expression derived
// from its interval symbol) and starts the shared scheduler. Start
// returns immediately; ticks fire asynchronously as their crons match.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	entries := make(map[string]*entry, len(o.entries))
	for id, e := range o.entries {
		entries[id] = e
	}
	o.mu.Unlock()

	o.logger.Info("starting orchestrator", "ingesters", len(entries))
	o.scheduler.Start()

	for id, e := range entries {
		id, e := id, e
		cronExpr, err := interval.ToCron(e.ingester.Interval)
		if err != nil {
			o.logger.Error("skipping ingester with invalid interval", "ingester_id", id, "error", err)
			continue
		}
		withSeconds := interval.HasSeconds(e.ingester.Interval)
		taskFn := func() { o.tick(ctx, id, e) }
		if err := o.scheduler.AddJob(id, cronExpr, withSeconds, taskFn); err != nil {
			o.logger.Error("failed to schedule ingester", "ingester_id", id, "error", err)
			continue
		}
		o.scheduler.Describe(id, fmt.Sprintf("%s (%s, %s)", e.ingester.Name, e.ingester.IngesterType, e.ingester.Interval))
	}

	return nil
}

// Stop cancels every in-flight tick context and shuts down the shared
// scheduler, waiting for running ticks to finish.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	err := o.scheduler.Stop()

	o.mu.Lock()
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	return err
}

// tick runs one ingester's collect -> transform -> store pipeline,
// gated by the claim manager's task-claim protocol. Per spec.md §4.9:
// Idle -> Claimed -> Collecting -> Transforming -> Storing -> Published
// -> Idle, with any failure rolling back to Idle without releasing the
// claim (the TTL alone governs hand-off to another worker).
func (o *Orchestrator) tick(ctx context.Context, id string, e *entry) {
	logger := o.logger.With("ingester_id", id, "ingester", e.ingester.Name)

	ok, err := o.claims.Claim(ctx, id, e.claimTTL)
	if err != nil {
		logger.Error("claim failed", "error", err)
		return
	}
	if !ok {
		// Another worker owns this ingester's slot; nothing to do this
		// tick.
		return
	}

	o.mu.RLock()
	ing := e.ingester
	ing.Fields = append([]model.Field(nil), e.ingester.Fields...)
	o.mu.RUnlock()

	if err := e.collector.Collect(ctx, &ing); err != nil {
		logger.Error("collect failed", "error", err)
		return
	}

	now := o.now()
	floored, err := interval.Floor(ing.Interval, now)
	if err != nil {
		logger.Error("floor interval failed", "error", err)
		return
	}
	ing.IngestionTime = floored

	succeeded := o.transformIngester(ctx, &ing)
	if succeeded == 0 {
		logger.Debug("no fields transformed, skipping store")
		return
	}

	if err := o.store(ctx, &ing); err != nil {
		logger.Error("store failed", "error", err)
		return
	}

	o.mu.Lock()
	e.ingester = ing
	o.mu.Unlock()
	logger.Debug("tick published", "fields_succeeded", succeeded, "fields_total", len(ing.Fields))
}

// transformIngester runs ing's configured transformer chains. When no
// transform engine is configured (an ingester whose fields declare no
// transformers at all) every field trivially succeeds.
func (o *Orchestrator) transformIngester(ctx context.Context, ing *model.Ingester) int {
	if o.engine == nil {
		return len(ing.Fields)
	}
	return o.engine.RunIngester(ctx, ing.Name, ing.Fields)
}

// snapshot builds the cache payload for ing: one entry per persisted
// field plus the tick's ingestion time.
func snapshot(ing *model.Ingester) map[string]any {
	m := make(map[string]any, len(ing.Fields)+1)
	for _, f := range ing.PersistedFields() {
		m[f.Name] = f.Value
	}
	m["ingestion_time"] = ing.IngestionTime
	return m
}

// store writes ing's current snapshot to the cache (always, and
// published to subscribers) and, for resource_type != value, appends a
// row to the TSDB — spec.md §4.8's "value vs series/timeseries"
// invariant. A missing table is created once and the insert retried.
func (o *Orchestrator) store(ctx context.Context, ing *model.Ingester) error {
	if o.cache != nil {
		if err := o.cache.SetAndPublish(ctx, ing.Name, snapshot(ing), 0); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	if ing.ResourceType == model.ResourceValue || o.tsdb == nil {
		return nil
	}

	if err := o.tsdb.Insert(ctx, *ing, ing.Name); err != nil {
		if !errors.Is(err, tsdb.ErrTableNotFound) {
			return fmt.Errorf("tsdb insert: %w", err)
		}
		if cerr := o.tsdb.CreateTable(ctx, *ing, ing.Name); cerr != nil {
			return fmt.Errorf("tsdb create table: %w", cerr)
		}
		if err := o.tsdb.Insert(ctx, *ing, ing.Name); err != nil {
			return fmt.Errorf("tsdb insert after create: %w", err)
		}
	}
	return nil
}
