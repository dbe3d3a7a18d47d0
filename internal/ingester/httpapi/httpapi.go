// Package httpapi implements spec.md §4.6's HTTP API family: fields
// whose target is a URL (after substituting any already-resolved
// sibling field values) returning JSON, selected with a JSONPath
// expression.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chomp/internal/cache"
	"chomp/internal/interval"
	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/orchestrator"
	"chomp/internal/selector"
)

// Collector fetches and extracts fields for one http_api Ingester.
type Collector struct {
	httpClient *http.Client
	cache      *cache.Cache
	ttl        time.Duration
	logger     *slog.Logger
}

// NewFactory returns an orchestrator.CollectorFactory for the http_api
// family.
func NewFactory(httpClient *http.Client) orchestrator.CollectorFactory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ing model.Ingester, deps orchestrator.Deps) (orchestrator.Collector, error) {
		secs, err := interval.ToSeconds(ing.Interval)
		if err != nil {
			return nil, fmt.Errorf("httpapi: %s: %w", ing.Name, err)
		}
		return &Collector{
			httpClient: httpClient,
			cache:      deps.Cache,
			ttl:        time.Duration(secs) * time.Second,
			logger:     logging.Default(deps.Logger).With("component", "ingester", "type", "http_api", "ingester", ing.Name),
		}, nil
	}
}

// Collect resolves each field's target (substituting any "{sibling}"
// placeholders against already-populated sibling field values),
// fetches the JSON body (memoized fleet-wide for the ingester's
// interval, shared across fields resolving to the same URL), and
// applies the field's JSONPath selector. Fields are processed in
// declaration order since later fields' targets may reference earlier
// fields' resolved values (e.g. a paging cursor).
func (c *Collector) Collect(ctx context.Context, ing *model.Ingester) error {
	fetched := make(map[string]json.RawMessage)

	for i := range ing.Fields {
		f := &ing.Fields[i]
		target := substitute(f.ResolvedTarget(ing.DefaultTarget), ing)
		if target == "" {
			c.logger.Warn("field has no target", "field", f.Name)
			continue
		}

		body, ok := fetched[target]
		if !ok {
			raw, err := c.fetch(ctx, target)
			if err != nil {
				c.logger.Warn("fetch failed", "target", target, "error", err)
				continue
			}
			body = raw
			fetched[target] = raw
		}

		selector := f.Selector
		if selector == "" {
			selector = ing.DefaultSelector
		}
		val, err := extract(body, selector)
		if err != nil {
			c.logger.Warn("selector failed", "field", f.Name, "selector", selector, "error", err)
			continue
		}
		f.Value = val
	}
	return nil
}

// substitute replaces every "{name}" occurrence in target with the
// string form of the sibling field named name's current value, for
// every field of ing that already has a non-nil value.
func substitute(target string, ing *model.Ingester) string {
	for _, f := range ing.Fields {
		if f.Value == nil {
			continue
		}
		ph := "{" + f.Name + "}"
		if strings.Contains(target, ph) {
			target = strings.ReplaceAll(target, ph, fmt.Sprint(f.Value))
		}
	}
	return target
}

func (c *Collector) fetch(ctx context.Context, target string) (json.RawMessage, error) {
	if c.cache == nil {
		return c.fetchLive(ctx, target)
	}
	var raw json.RawMessage
	_, err := c.cache.GetOrSet(ctx, "httpapi:"+target, c.ttl, func(ctx context.Context) (any, error) {
		return c.fetchLive(ctx, target)
	}, &raw)
	return raw, err
}

func (c *Collector) fetchLive(ctx context.Context, target string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("httpapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpapi: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("httpapi: %s returned status %d", target, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpapi: read body %s: %w", target, err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("httpapi: %s: invalid json", target)
	}
	return json.RawMessage(b), nil
}

// extract applies sel to body: the spec's dotted/bracketed path fast
// path (dots, integer-index brackets, leading "root" or "." as
// identity), or a full RFC 9535 query when sel starts with "$". An
// empty selector returns the decoded root value. A selector matching
// nothing returns nil without error (the field is left at its zero
// value, and the transform stage's deadline/failure handling takes it
// from there).
func extract(body json.RawMessage, sel string) (any, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return selector.Select(root, sel)
}

// Close releases no resources; the underlying HTTP client is shared.
func (c *Collector) Close() error { return nil }
