package scrapper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chomp/internal/cache"
	"chomp/internal/coordination/memory"
	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/orchestrator"
	"chomp/internal/workpool"
)

const samplePage = `<html><body>
<div class="price">42.50</div>
<h1 id="title">Widget</h1>
</body></html>`

func newCollector(t *testing.T, ing model.Ingester, srv *httptest.Server) *Collector {
	t.Helper()
	factory := NewFactory(srv.Client())
	coll, err := factory(ing, orchestrator.Deps{Logger: logging.Default(nil)})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return coll.(*Collector)
}

func pageIngester(target string) model.Ingester {
	return model.Ingester{
		Name:     "product_page",
		Interval: "m1",
		Fields: []model.Field{
			{Name: "price", Type: model.TypeFloat64, Target: target, Selector: ".price"},
			{Name: "title", Type: model.TypeString, Target: target, Selector: "#title"},
		},
	}
}

func TestCollectExtractsEachFieldWithCSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	ing := pageIngester(srv.URL)
	coll := newCollector(t, ing, srv)

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if ing.Fields[0].Value != "42.50" {
		t.Fatalf("expected price 42.50, got %v", ing.Fields[0].Value)
	}
	if ing.Fields[1].Value != "Widget" {
		t.Fatalf("expected title Widget, got %v", ing.Fields[1].Value)
	}
}

func TestCollectFetchesSharedTargetOnce(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	ing := pageIngester(srv.URL)
	store := memory.New()
	c := cache.New(store, "chomp", nil)
	coll := &Collector{httpClient: srv.Client(), pool: workpool.New(2), cache: c, ttl: time.Minute, logger: logging.Default(nil)}

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected both fields sharing one target to fetch once, got %d hits", hits)
	}
}

func TestCollectLeavesFieldAtZeroValueOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ing := pageIngester(srv.URL)
	coll := newCollector(t, ing, srv)

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect should not fail for a fetch error: %v", err)
	}
	if ing.Fields[0].Value != nil {
		t.Fatalf("expected field to stay nil after fetch failure, got %v", ing.Fields[0].Value)
	}
}

func TestExtractEmptySelectorReturnsWholeBody(t *testing.T) {
	got, err := extract(samplePage, "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != samplePage {
		t.Fatalf("expected the whole body back, got %q", got)
	}
}

func TestExtractXPathSelector(t *testing.T) {
	got, err := extract(samplePage, `//div[@class="price"]`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "42.50" {
		t.Fatalf("expected 42.50, got %q", got)
	}
}

func TestExtractCSSJoinsMultipleMatchesWithNewlines(t *testing.T) {
	body := `<ul><li>a</li><li>b</li></ul>`
	got, err := extract(body, "li")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "a\nb" {
		t.Fatalf("expected joined matches, got %q", got)
	}
}

func TestExtractCSSInvalidHTMLSelectorMismatchReturnsEmpty(t *testing.T) {
	got, err := extract(samplePage, ".does-not-exist")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty string for no matches, got %q", got)
	}
}
