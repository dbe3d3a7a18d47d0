package transform

import (
	"context"
	"testing"

	"chomp/internal/model"
)

func TestAtomicChainUpperThenShortenAddress(t *testing.T) {
	// S2: transformers ["upper","shorten_address"] on a hex pair string.
	e := New(nil, nil)
	f := &model.Field{Name: "shortened", Value: "0xabcdefabcdefabcdefabcdefabcdefabcdef1234", Transformers: []string{"upper", "shorten_address"}}

	ok := e.RunField(context.Background(), "ingester", f, map[string]*model.Field{"shortened": f})
	if !ok {
		t.Fatal("expected transformer chain to succeed")
	}
	got, _ := f.Value.(string)
	if got != "0XABCD...1234" {
		t.Fatalf("got %q", got)
	}
}

func TestAtomicChainFloatThenRound2(t *testing.T) {
	// S2: transformers ["float","round2"] on "64321.4973" -> 64321.50
	e := New(nil, nil)
	f := &model.Field{Name: "p", Value: "64321.4973", Transformers: []string{"float", "round2"}}

	ok := e.RunField(context.Background(), "ingester", f, map[string]*model.Field{"p": f})
	if !ok {
		t.Fatal("expected transformer chain to succeed")
	}
	got, ok2 := f.Value.(float64)
	if !ok2 || got != 64321.5 {
		t.Fatalf("got %v", f.Value)
	}
}

func TestExpressionTransformerReferencesSibling(t *testing.T) {
	e := New(nil, nil)
	px := &model.Field{Name: "px", Value: 110.0}
	ratio := &model.Field{Name: "ratio", Value: nil, Transformers: []string{"{px} / 100"}}
	all := map[string]*model.Field{"px": px, "ratio": ratio}

	ok := e.RunField(context.Background(), "ingester", ratio, all)
	if !ok {
		t.Fatal("expected expression transformer to succeed")
	}
	if ratio.Value.(float64) != 1.1 {
		t.Fatalf("got %v", ratio.Value)
	}
}

func TestWindowedTransformerUsesSeriesFetcher(t *testing.T) {
	fetch := func(ctx context.Context, table, column, op, lookback string) (float64, error) {
		if table == "oracle_prices" && column == "px" && op == "mean" && lookback == "h24" {
			return 100, nil
		}
		t.Fatalf("unexpected fetch args: %s %s %s %s", table, column, op, lookback)
		return 0, nil
	}
	e := New(fetch, nil)
	px := &model.Field{Name: "px", Value: 110.0, Transformers: []string{"{self} / {self::mean(h24)}"}}

	ok := e.RunField(context.Background(), "oracle_prices", px, map[string]*model.Field{"px": px})
	if !ok {
		t.Fatal("expected windowed transformer to succeed")
	}
	if px.Value.(float64) != 1.1 {
		t.Fatalf("got %v", px.Value)
	}
}

func TestRunIngesterCountsSuccesses(t *testing.T) {
	e := New(nil, nil)
	fields := []model.Field{
		{Name: "a", Value: "x"},
		{Name: "b", Value: "bad-int", Transformers: []string{"int"}},
		{Name: "c", Value: "5", Transformers: []string{"int"}},
	}
	n := e.RunIngester(context.Background(), "ingester", fields)
	if n != 2 {
		t.Fatalf("expected 2 successes (a trivially, c transformed), got %d", n)
	}
}
