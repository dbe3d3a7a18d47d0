package config

import (
	"errors"
	"testing"

	"chomp/internal/model"
)

func TestLoadBytesDecodesIngesterAndFields(t *testing.T) {
	doc := []byte(`
http_api:
  - name: eth_price
    resource_type: series
    interval: m1
    default_target: https://api.example.com/price
    fields:
      - name: price
        type: float64
        selector: "$.data.price"
      - name: volume
        type: uint64
        selector: "$.data.volume"
        params:
          precision: "2"
`)
	l := NewLoader()
	cfg, err := l.LoadBytes(doc)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if len(cfg.Ingesters) != 1 {
		t.Fatalf("expected 1 ingester, got %d", len(cfg.Ingesters))
	}
	ing := cfg.Ingesters[0]
	if ing.Name != "eth_price" || ing.IngesterType != model.TypeHTTPAPI || ing.ResourceType != model.ResourceSeries {
		t.Fatalf("unexpected ingester: %+v", ing)
	}
	if len(ing.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(ing.Fields))
	}
	if ing.Fields[1].Params.Map["precision"] != "2" {
		t.Fatalf("expected named param decoded, got %+v", ing.Fields[1].Params)
	}
}

// TestLoadBytesInfersIngesterTypeFromFamilyTag covers spec.md §6's
// documented config shape: the top-level key is the ingester-family
// tag, and ingester_type is inferred from it when the ingester map
// doesn't set one explicitly.
func TestLoadBytesInfersIngesterTypeFromFamilyTag(t *testing.T) {
	doc := []byte(`
scrapper:
  - name: home_listing
    interval: h1
    default_target: https://example.com/listing
    fields:
      - name: price
        type: float64
        selector: ".price"
`)
	l := NewLoader()
	cfg, err := l.LoadBytes(doc)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Ingesters[0].IngesterType != model.TypeScrapper {
		t.Fatalf("expected ingester_type inferred as scrapper, got %q", cfg.Ingesters[0].IngesterType)
	}
}

// TestLoadBytesExplicitIngesterTypeOverridesFamilyTag covers the case
// where an ingester map sets ingester_type explicitly to a different
// family than the tag it's listed under: the explicit value wins.
func TestLoadBytesExplicitIngesterTypeOverridesFamilyTag(t *testing.T) {
	doc := []byte(`
scrapper:
  - name: eth_price
    interval: m1
    ingester_type: http_api
    fields:
      - name: price
        type: float64
        selector: "$.price"
`)
	l := NewLoader()
	cfg, err := l.LoadBytes(doc)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Ingesters[0].IngesterType != model.TypeHTTPAPI {
		t.Fatalf("expected http_api, got %q", cfg.Ingesters[0].IngesterType)
	}
}

func TestLoadBytesMultipleFamilyTagsMergeIntoOneList(t *testing.T) {
	doc := []byte(`
http_api:
  - name: eth_price
    interval: m1
    fields:
      - name: price
        type: float64
        selector: "$.price"
evm_caller:
  - name: usdc_balance
    interval: m5
    fields:
      - name: balance
        type: uint64
        target: "1:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
        selector: '{"name":"balanceOf","type":"function","inputs":[{"name":"who","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}'
        params:
          - "0xDeAdBeEf00000000000000000000000000000000"
`)
	l := NewLoader()
	cfg, err := l.LoadBytes(doc)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if len(cfg.Ingesters) != 2 {
		t.Fatalf("expected 2 ingesters across both family tags, got %d", len(cfg.Ingesters))
	}
}

func TestLoadBytesDecodesListStyleParams(t *testing.T) {
	doc := []byte(`
evm_caller:
  - name: usdc_balance
    interval: m5
    fields:
      - name: balance
        type: uint64
        target: "1:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
        selector: '{"name":"balanceOf","type":"function","inputs":[{"name":"who","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}'
        params:
          - "0xDeAdBeEf00000000000000000000000000000000"
`)
	l := NewLoader()
	cfg, err := l.LoadBytes(doc)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	got := cfg.Ingesters[0].Fields[0].Params.List
	if len(got) != 1 || got[0] != "0xDeAdBeEf00000000000000000000000000000000" {
		t.Fatalf("expected list param decoded, got %+v", got)
	}
}

func TestLoadBytesRejectsUnknownFamilyTag(t *testing.T) {
	doc := []byte(`
carrier_pigeon:
  - name: bogus
    interval: m1
    fields:
      - name: x
        type: string
`)
	l := NewLoader()
	_, err := l.LoadBytes(doc)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadBytesRejectsUnknownExplicitIngesterType(t *testing.T) {
	doc := []byte(`
http_api:
  - name: bogus
    interval: m1
    ingester_type: carrier_pigeon
    fields:
      - name: x
        type: string
`)
	l := NewLoader()
	_, err := l.LoadBytes(doc)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadBytesRejectsDuplicateIngesterName(t *testing.T) {
	doc := []byte(`
http_api:
  - name: dup
    interval: m1
    fields:
      - name: x
        type: string
  - name: dup
    interval: m1
    fields:
      - name: y
        type: string
`)
	l := NewLoader()
	_, err := l.LoadBytes(doc)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadBytesRejectsMissingIngesterName(t *testing.T) {
	doc := []byte(`
http_api:
  - interval: m1
    fields:
      - name: x
        type: string
`)
	l := NewLoader()
	_, err := l.LoadBytes(doc)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadBytesDedupesDuplicateFieldIDs(t *testing.T) {
	doc := []byte(`
http_api:
  - name: has_dups
    interval: m1
    fields:
      - name: price
        type: float64
        selector: "$.price"
      - name: price
        type: float64
        selector: "$.price"
`)
	l := NewLoader()
	cfg, err := l.LoadBytes(doc)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if len(cfg.Ingesters[0].Fields) != 1 {
		t.Fatalf("expected duplicate field collapsed to 1, got %d", len(cfg.Ingesters[0].Fields))
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	l := NewLoader()
	_, err := l.Load("/nonexistent/path/to/chomp.yaml")
	if err == nil {
		t.Fatal("expected error loading a nonexistent file")
	}
}
