package selector

import "testing"

func TestSelectIdentitySelectors(t *testing.T) {
	root := map[string]any{"a": 1}
	for _, sel := range []string{"", ".", "root"} {
		got, err := Select(root, sel)
		if err != nil {
			t.Fatalf("Select(%q): %v", sel, err)
		}
		m, ok := got.(map[string]any)
		if !ok || m["a"] != 1 {
			t.Fatalf("Select(%q) = %v, want root unchanged", sel, got)
		}
	}
}

// TestSelectDottedPathScenarioS2 mirrors spec.md's S2 scenario: endpoint
// returns {"data":{"price":"64321.4973","pair":"0x..."}}, fields select
// ".data.price" and ".data.pair" using the spec's literal dotted syntax.
func TestSelectDottedPathScenarioS2(t *testing.T) {
	root := map[string]any{
		"data": map[string]any{
			"price": "64321.4973",
			"pair":  "0xabcdefabcdefabcdefabcdefabcdefabcdef1234",
		},
	}

	price, err := Select(root, ".data.price")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if price != "64321.4973" {
		t.Fatalf("expected 64321.4973, got %v", price)
	}

	pair, err := Select(root, ".data.pair")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if pair != "0xabcdefabcdefabcdefabcdefabcdefabcdef1234" {
		t.Fatalf("expected pair address, got %v", pair)
	}
}

func TestSelectDottedPathWithoutLeadingDot(t *testing.T) {
	root := map[string]any{"data": map[string]any{"price": 1.5}}
	got, err := Select(root, "data.price")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
}

func TestSelectRootPrefixedPath(t *testing.T) {
	root := map[string]any{"data": map[string]any{"price": 2.5}}
	got, err := Select(root, "root.data.price")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
}

func TestSelectBracketIndex(t *testing.T) {
	root := map[string]any{
		"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		},
	}
	got, err := Select(root, "items[1].name")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != "second" {
		t.Fatalf("expected second, got %v", got)
	}
}

func TestSelectMissingKeyReturnsNilWithoutError(t *testing.T) {
	root := map[string]any{"data": map[string]any{}}
	got, err := Select(root, ".data.missing")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for a missing key, got %v", got)
	}
}

func TestSelectOutOfRangeIndexReturnsNilWithoutError(t *testing.T) {
	root := map[string]any{"items": []any{1, 2}}
	got, err := Select(root, "items[5]")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for an out-of-range index, got %v", got)
	}
}

func TestSelectJSONPathDelegatesRFC9535Queries(t *testing.T) {
	root := map[string]any{"data": map[string]any{"price": 3.5}}
	got, err := Select(root, "$.data.price")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != 3.5 {
		t.Fatalf("expected 3.5, got %v", got)
	}
}

func TestSelectJSONPathInvalidQueryReturnsError(t *testing.T) {
	if _, err := Select(map[string]any{}, "$["); err == nil {
		t.Fatal("expected an error for an invalid jsonpath query")
	}
}
