package httpapi

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
)

func newCollector(t *testing.T, srv *httptest.Server) *Collector {
	t.Helper()
	factory := NewFactory(srv.Client())
	ing := model.Ingester{Name: "api", Interval: "m1"}
	coll, err := factory(ing, orchestrator.Deps{Logger: logging.Default(nil)})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return coll.(*Collector)
}

// TestCollectExtractsFieldWithDottedSelector mirrors spec.md's S2
// scenario, which uses the spec's literal dotted selector syntax
// (".data.price") rather than an RFC 9535 "$"-rooted query.
func TestCollectExtractsFieldWithDottedSelector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"price":"64321.4973","pair":"0xabcdefabcdefabcdefabcdefabcdefabcdef1234"}}`))
	}))
	defer srv.Close()

	ing := model.Ingester{
		Name:     "api",
		Interval: "m1",
		Fields: []model.Field{
			{Name: "p", Type: model.TypeFloat64, Selector: ".data.price", Target: srv.URL},
			{Name: "pair", Type: model.TypeString, Selector: ".data.pair", Target: srv.URL},
		},
	}
	coll := newCollector(t, srv)

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if ing.Fields[0].Value != "64321.4973" {
		t.Fatalf("expected raw price string 64321.4973, got %v", ing.Fields[0].Value)
	}
	if ing.Fields[1].Value != "0xabcdefabcdefabcdefabcdefabcdefabcdef1234" {
		t.Fatalf("expected pair address, got %v", ing.Fields[1].Value)
	}
}

func TestCollectExtractsFieldWithJSONPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"price":42.5}}`))
	}))
	defer srv.Close()

	ing := model.Ingester{
		Name:     "api",
		Interval: "m1",
		Fields: []model.Field{
			{Name: "price", Type: model.TypeFloat64, Target: srv.URL, Selector: "$.data.price"},
		},
	}
	coll := newCollector(t, srv)

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got, ok := ing.Fields[0].Value.(float64)
	if !ok || got != 42.5 {
		t.Fatalf("expected 42.5, got %v", ing.Fields[0].Value)
	}
}

func TestCollectSubstitutesSiblingFieldIntoLaterTarget(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/cursor":
			w.Write([]byte(`{"next":"page-2"}`))
		case "/page-2":
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	ing := model.Ingester{
		Name:     "api",
		Interval: "m1",
		Fields: []model.Field{
			{Name: "cursor", Type: model.TypeString, Target: srv.URL + "/cursor", Selector: "$.next"},
			{Name: "page", Type: model.TypeBool, Target: srv.URL + "/{cursor}", Selector: "$.ok"},
		},
	}
	coll := newCollector(t, srv)

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if gotPath != "/page-2" {
		t.Fatalf("expected the second field's target to substitute the cursor, last request was %q", gotPath)
	}
	if ing.Fields[1].Value != true {
		t.Fatalf("expected page field true, got %v", ing.Fields[1].Value)
	}
}

func TestCollectFetchesSharedTargetOnce(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"a":1,"b":2}`))
	}))
	defer srv.Close()

	ing := model.Ingester{
		Name:     "api",
		Interval: "m1",
		Fields: []model.Field{
			{Name: "a", Type: model.TypeInt64, Target: srv.URL, Selector: "$.a"},
			{Name: "b", Type: model.TypeInt64, Target: srv.URL, Selector: "$.b"},
		},
	}
	store := memory.New()
	c := cache.New(store, "chomp", nil)
	coll := &Collector{httpClient: srv.Client(), cache: c, ttl: time.Minute, logger: logging.Default(nil)}

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected both fields sharing one target to fetch once, got %d hits", hits)
	}
}

func TestCollectLeavesFieldNilOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ing := model.Ingester{
		Name:     "api",
		Interval: "m1",
		Fields: []model.Field{
			{Name: "a", Type: model.TypeInt64, Target: srv.URL, Selector: "$.a"},
		},
	}
	coll := newCollector(t, srv)

	if err := coll.Collect(context.Background(), &ing); err != nil {
		t.Fatalf("Collect should not fail for a fetch error: %v", err)
	}
	if ing.Fields[0].Value != nil {
		t.Fatalf("expected field to stay nil after fetch failure, got %v", ing.Fields[0].Value)
	}
}

func TestExtractEmptySelectorReturnsDecodedRoot(t *testing.T) {
	got, err := extract([]byte(`{"a":1}`), "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["a"] != float64(1) {
		t.Fatalf("expected decoded root map, got %v", got)
	}
}

func TestExtractNoMatchesReturnsNilWithoutError(t *testing.T) {
	got, err := extract([]byte(`{"a":1}`), "$.missing")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for zero matches, got %v", got)
	}
}

func TestExtractInvalidJSONReturnsError(t *testing.T) {
	if _, err := extract([]byte(`not json`), "$.a"); err == nil {
		t.Fatal("expected an error for invalid json")
	}
}

func TestSubstituteReplacesKnownSiblingsOnly(t *testing.T) {
	ing := &model.Ingester{
		Fields: []model.Field{
			{Name: "id", Value: "abc"},
			{Name: "unset"},
		},
	}
	got := substitute("https://x/{id}/{unset}", ing)
	if got != "https://x/abc/{unset}" {
		t.Fatalf("expected only the populated sibling to substitute, got %q", got)
	}
}
