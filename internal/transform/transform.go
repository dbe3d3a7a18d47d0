package transform

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/transform/expr"
)

// fieldDeadline is the hard per-field execution budget from spec.md
// §4.5: a field whose transformer chain exceeds this is logged, left at
// its value from before the chain, and counted as failed.
const fieldDeadline = 2 * time.Second

// SeriesFetcher resolves a windowed-series placeholder's numeric result:
// fetch column's series from table (the persisting ingester's name) in
// TSDB over [now-lookback, now] and reduce with op.
type SeriesFetcher func(ctx context.Context, table, column, op, lookback string) (float64, error)

// Engine runs each Field's transformer chain over an Ingester's fields.
type Engine struct {
	fetchSeries SeriesFetcher
	logger      *slog.Logger
}

// New returns an Engine. fetchSeries may be nil if no field in the
// config uses a windowed-series placeholder; any attempt to resolve one
// without a fetcher fails that field's transform (logged, value
// unchanged).
func New(fetchSeries SeriesFetcher, logger *slog.Logger) *Engine {
	return &Engine{
		fetchSeries: fetchSeries,
		logger:      logging.Default(logger).With("component", "transform"),
	}
}

// fieldResolver resolves {self}/{name} and windowed placeholders against
// one ingester's current field values.
type fieldResolver struct {
	ctx     context.Context
	table   string
	self    *model.Field
	fields  map[string]*model.Field
	fetcher SeriesFetcher
}

func (r *fieldResolver) Resolve(ctx context.Context, p *expr.Placeholder) (expr.Value, error) {
	target := r.self
	if p.Ident != "self" {
		f, ok := r.fields[p.Ident]
		if !ok {
			return expr.Value{}, expr.ErrUnresolvedPlaceholder
		}
		target = f
	}

	if p.Op == "" {
		return valueOf(target.Value)
	}

	if r.fetcher == nil {
		return expr.Value{}, expr.ErrUnresolvedPlaceholder
	}
	name := p.Ident
	if name == "self" {
		name = r.self.Name
	}
	result, err := r.fetcher(ctx, r.table, name, p.Op, p.Lookback)
	if err != nil {
		return expr.Value{}, err
	}
	return expr.Number(result), nil
}

func valueOf(v any) (expr.Value, error) {
	switch t := v.(type) {
	case float64:
		return expr.Number(t), nil
	case int64:
		return expr.Number(float64(t)), nil
	case bool:
		return expr.Bool(t), nil
	case string:
		return expr.String(t), nil
	case nil:
		return expr.String(""), nil
	default:
		return expr.Value{}, expr.ErrTypeMismatch
	}
}

func toFieldValue(v expr.Value) any {
	switch v.Kind {
	case expr.KindNumber:
		return v.Num
	case expr.KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

// isExpression reports whether a transformer name is a template
// (contains a placeholder) rather than an atomic transformer identifier.
func isExpression(name string) bool {
	return strings.Contains(name, "{")
}

// RunField runs f's transformer chain in order, threading its value
// through each step, against the sibling fields in all (for placeholder
// resolution) and table (the persisting ingester's name, for windowed-
// series placeholders). Returns true if every transformer in the chain
// succeeded; on the first failure the field's value is restored to what
// it was before the chain ran and false is returned. The whole chain
// shares one fieldDeadline.
func (e *Engine) RunField(ctx context.Context, table string, f *model.Field, all map[string]*model.Field) bool {
	orig := f.Value
	ctx, cancel := context.WithTimeout(ctx, fieldDeadline)
	defer cancel()
	for _, name := range f.Transformers {
		if !e.runOne(ctx, table, f, all, name) {
			f.Value = orig
			return false
		}
	}
	return true
}

func (e *Engine) runOne(ctx context.Context, table string, f *model.Field, all map[string]*model.Field, name string) bool {
	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)

	go func() {
		if isExpression(name) {
			node, err := expr.Parse(name)
			if err != nil {
				done <- result{err: err}
				return
			}
			resolver := &fieldResolver{ctx: ctx, table: table, self: f, fields: all, fetcher: e.fetchSeries}
			v, err := expr.Eval(ctx, node, resolver)
			if err != nil {
				done <- result{err: err}
				return
			}
			done <- result{val: toFieldValue(v)}
			return
		}

		fn, err := Atomic(name)
		if err != nil {
			done <- result{err: err}
			return
		}
		v, err := fn(f.Value)
		done <- result{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		e.logger.Error("transformer timed out", "field", f.Name, "transformer", name)
		return false
	case r := <-done:
		if r.err != nil {
			e.logger.Error("transformer failed", "field", f.Name, "transformer", name, "error", r.err)
			return false
		}
		f.Value = r.val
		return true
	}
}

// RunIngester runs every field's transformer chain and returns the count
// of fields that transformed successfully (including fields with no
// transformers, which trivially "succeed"). table names the persisting
// ingester, threaded down to windowed-series placeholders so they know
// which TSDB table to query. Per spec.md §4.5, when the count is zero
// the caller should skip the store step.
func (e *Engine) RunIngester(ctx context.Context, table string, fields []model.Field) int {
	byName := make(map[string]*model.Field, len(fields))
	for i := range fields {
		byName[fields[i].Name] = &fields[i]
	}

	succeeded := 0
	for i := range fields {
		f := &fields[i]
		if len(f.Transformers) == 0 {
			succeeded++
			continue
		}
		if e.RunField(ctx, table, f, byName) {
			succeeded++
		}
	}
	return succeeded
}
