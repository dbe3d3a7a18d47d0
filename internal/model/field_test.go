package model

import "testing"

func TestFieldIDDeterministic(t *testing.T) {
	f := Field{Name: "usd", Type: TypeFloat64, Target: "https://example/p", Selector: "span.price"}
	id1 := f.ID()
	id2 := f.ID()
	if id1 != id2 {
		t.Fatalf("expected deterministic id, got %q and %q", id1, id2)
	}
}

func TestFieldIDDistinguishesTransformers(t *testing.T) {
	base := Field{Name: "p", Type: TypeFloat64, Selector: ".data.price"}
	withXform := base
	withXform.Transformers = []string{"float", "round2"}

	if base.ID() == withXform.ID() {
		t.Fatalf("expected transformer list to affect id")
	}
}

func TestFieldResolvedTargetInherits(t *testing.T) {
	f := Field{}
	if got := f.ResolvedTarget("https://parent"); got != "https://parent" {
		t.Fatalf("expected inherited target, got %q", got)
	}

	f.Target = "https://own"
	if got := f.ResolvedTarget("https://parent"); got != "https://own" {
		t.Fatalf("expected own target to win, got %q", got)
	}
}

func TestIngesterDedupeFields(t *testing.T) {
	f := Field{Name: "usd", Type: TypeFloat64, Selector: "span.price"}
	ing := Ingester{Name: "btc_price", Fields: []Field{f, f}}

	kept, dropped := ing.DedupeFields()
	if len(kept) != 1 {
		t.Fatalf("expected 1 surviving field, got %d", len(kept))
	}
	if len(dropped) != 1 || dropped[0] != "usd" {
		t.Fatalf("expected usd to be reported as dropped, got %v", dropped)
	}
}

func TestIngesterIDDeterministic(t *testing.T) {
	ing := Ingester{Name: "btc_price", ResourceType: ResourceValue, Interval: "m1", IngesterType: TypeScrapper}
	id1 := ing.ID()
	id2 := ing.ID()
	if id1 != id2 {
		t.Fatalf("expected deterministic ingester id")
	}
}
