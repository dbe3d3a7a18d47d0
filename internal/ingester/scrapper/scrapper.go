// Package scrapper implements spec.md §4.6's static scraper family: one
// or more Fields per Ingester, each naming a page to fetch and a
// selector to extract. Pages shared by several fields are fetched once
// per tick and memoized across the fleet via the cache layer so two
// workers covering the same page within the same interval don't double
// the request volume.
package scrapper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chomp/internal/cache"
	"chomp/internal/interval"
	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/orchestrator"
	"chomp/internal/workpool"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
)

// Collector fetches and extracts fields for one scrapper Ingester.
type Collector struct {
	httpClient *http.Client
	pool       *workpool.Pool
	cache      *cache.Cache
	ttl        time.Duration
	logger     *slog.Logger
}

// NewFactory returns an orchestrator.CollectorFactory for the scrapper
// family.
func NewFactory(httpClient *http.Client) orchestrator.CollectorFactory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ing model.Ingester, deps orchestrator.Deps) (orchestrator.Collector, error) {
		pool := deps.Pool
		if pool == nil {
			pool = workpool.New(0)
		}
		secs, err := interval.ToSeconds(ing.Interval)
		if err != nil {
			return nil, fmt.Errorf("scrapper: %s: %w", ing.Name, err)
		}
		return &Collector{
			httpClient: httpClient,
			pool:       pool,
			cache:      deps.Cache,
			ttl:        time.Duration(secs) * time.Second,
			logger:     logging.Default(deps.Logger).With("component", "ingester", "type", "scrapper", "ingester", ing.Name),
		}, nil
	}
}

// fetchResult memoizes one target's page body for the duration of a
// single Collect call.
type fetchResult struct {
	once sync.Once
	body string
	err  error
}

// Collect fetches every distinct target named by ing's fields at most
// once (memoized locally for this tick, and across the fleet via the
// cache layer keyed by target and interval), then applies each field's
// selector to the matching body. A field whose fetch or selector fails
// is logged and left at its zero value; Collect itself never fails for
// that reason — only transformer chains enforce per-field success.
func (c *Collector) Collect(ctx context.Context, ing *model.Ingester) error {
	var mu sync.Mutex
	local := make(map[string]*fetchResult)

	tasks := make([]func(context.Context) error, len(ing.Fields))
	for i := range ing.Fields {
		i := i
		tasks[i] = func(ctx context.Context) error {
			f := &ing.Fields[i]
			target := f.ResolvedTarget(ing.DefaultTarget)
			if target == "" {
				c.logger.Warn("field has no target", "field", f.Name)
				return nil
			}

			mu.Lock()
			cached, ok := local[target]
			if !ok {
				cached = &fetchResult{}
				local[target] = cached
			}
			mu.Unlock()

			cached.once.Do(func() {
				cached.body, cached.err = c.fetch(ctx, target)
			})
			if cached.err != nil {
				c.logger.Warn("fetch failed", "target", target, "error", cached.err)
				return nil
			}

			selector := f.Selector
			if selector == "" {
				selector = ing.DefaultSelector
			}
			val, err := extract(cached.body, selector)
			if err != nil {
				c.logger.Warn("selector failed", "field", f.Name, "selector", selector, "error", err)
				return nil
			}
			f.Value = val
			return nil
		}
	}

	return c.pool.Batch(ctx, tasks...)
}

// fetch retrieves target's body, memoized fleet-wide for the ingester's
// interval so concurrent workers scraping the same page within one tick
// window share a single HTTP request.
func (c *Collector) fetch(ctx context.Context, target string) (string, error) {
	if c.cache == nil {
		return c.fetchLive(ctx, target)
	}

	var body string
	key := fmt.Sprintf("scrapper:%s:%d", target, int64(c.ttl/time.Second))
	_, err := c.cache.GetOrSet(ctx, key, c.ttl, func(ctx context.Context) (any, error) {
		return c.fetchLive(ctx, target)
	}, &body)
	return body, err
}

func (c *Collector) fetchLive(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("scrapper: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrapper: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("scrapper: %s returned status %d", target, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("scrapper: read body %s: %w", target, err)
	}
	return string(b), nil
}

// extract applies selector to body: an XPath expression (selectors
// starting with "//" or "./") via htmlquery, a CSS selector via
// goquery, or the whole page's text when selector is empty. Multiple
// matches are joined with newlines.
func extract(body, selector string) (string, error) {
	if selector == "" {
		return body, nil
	}
	if strings.HasPrefix(selector, "//") || strings.HasPrefix(selector, "./") {
		return extractXPath(body, selector)
	}
	return extractCSS(body, selector)
}

func extractXPath(body, selector string) (string, error) {
	doc, err := htmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	nodes, err := htmlquery.QueryAll(doc, selector)
	if err != nil {
		return "", fmt.Errorf("xpath %q: %w", selector, err)
	}
	texts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		texts = append(texts, strings.TrimSpace(htmlquery.InnerText(n)))
	}
	return strings.Join(texts, "\n"), nil
}

func extractCSS(body, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var texts []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, strings.TrimSpace(s.Text()))
	})
	return strings.Join(texts, "\n"), nil
}

// Close releases no resources; the underlying HTTP client is shared.
func (c *Collector) Close() error { return nil }
