package orchestrator

import (
	"context"
	"log/slog"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/rpcpool"
	"chomp/internal/transform"
	"chomp/internal/workpool"
)

// Collector is a source of field values for one Ingester family
// (spec.md §4.6's static scraper, HTTP API, WebSocket API, EVM caller,
// and EVM logger). A Collector owns whatever per-source connections or
// subscriptions its family needs; the orchestrator only calls Collect
// once per scheduled tick.
//
// Implementations must respect context cancellation and must not retain
// ing beyond the call — the orchestrator hands each tick its own copy and
// keeps it only when the tick completes.
type Collector interface {
	// Collect populates ing.Fields[i].Value for every field this
	// collector is responsible for, or returns an error. A partial
	// failure (some fields populated, one field's fetch failed) should
	// be logged by the collector and should not fail the whole Collect
	// call — the transform stage already tolerates fields left at their
	// zero value by treating only transformer failures as fatal to a
	// field.
	Collect(ctx context.Context, ing *model.Ingester) error

	// Close releases any long-lived resources (WebSocket subscriptions,
	// cached HTTP state) the collector opened in its factory.
	Close() error
}

// Deps bundles the shared infrastructure every Collector factory may
// draw on. Not every family uses every field — evm_caller and
// evm_logger use RPCPool, scrapper and http_api use Cache for per-tick
// response memoization, all families may use Pool to parallelize
// per-field work.
type Deps struct {
	Cache   *cache.Cache
	Pool    *workpool.Pool
	RPCPool *rpcpool.Pool
	Engine  *transform.Engine
	Logger  *slog.Logger
}

// CollectorFactory builds a Collector for one Ingester definition. A
// factory validates the ingester's fields for its family (e.g. http_api
// requires every field to declare a target once defaults are applied)
// and returns a fully constructed Collector. The ws_api factory also
// starts its long-lived subscription goroutines here; the other families
// perform no I/O beyond validation.
type CollectorFactory func(ing model.Ingester, deps Deps) (Collector, error)

// Factories maps each supported model.IngesterType to the constructor
// for its family. Concrete factories live in their own ingester
// sub-packages (internal/ingester/scrapper.NewFactory, etc.); this
// package only dispatches to them.
type Factories struct {
	Collectors map[model.IngesterType]CollectorFactory
}
