package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"chomp/internal/cache"
	"chomp/internal/claim"
	"chomp/internal/coordination/memory"
	"chomp/internal/model"
)

// fakeCollector sets every field to a fixed value, counting calls so
// tests can assert how many times Collect ran.
type fakeCollector struct {
	calls int
	value any
	err   error
}

func (f *fakeCollector) Collect(ctx context.Context, ing *model.Ingester) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	for i := range ing.Fields {
		ing.Fields[i].Value = f.value
	}
	return nil
}

func (f *fakeCollector) Close() error { return nil }

func testIngester(name string) model.Ingester {
	return model.Ingester{
		Name:         name,
		ResourceType: model.ResourceValue,
		Interval:     "m1",
		IngesterType: model.TypeHTTPAPI,
		Fields:       []model.Field{{Name: "price", Type: model.TypeFloat64}},
	}
}

func TestTickPublishesSnapshotToCache(t *testing.T) {
	store := memory.New()
	mgr := claim.New(store, "worker-a", nil)
	c := cache.New(store, "chomp", nil)

	o, err := New(Config{Claims: mgr, Cache: c, Now: time.Now, Logger: nil})
	if err != nil {
		t.Fatal(err)
	}

	ing := testIngester("spot_price")
	coll := &fakeCollector{value: 101.5}
	if err := o.Register(ing, coll); err != nil {
		t.Fatal(err)
	}

	e := o.entries[ing.ID()]
	o.tick(context.Background(), ing.ID(), e)

	if coll.calls != 1 {
		t.Fatalf("expected 1 collect call, got %d", coll.calls)
	}

	var snap map[string]any
	if err := c.Get(context.Background(), "spot_price", &snap); err != nil {
		t.Fatalf("expected cache snapshot, got error: %v", err)
	}
	if snap["price"] != 101.5 {
		t.Fatalf("got snapshot %v", snap)
	}
}

func TestTickSkippedWhenClaimHeldByAnotherWorker(t *testing.T) {
	store := memory.New()
	owner := claim.New(store, "worker-a", nil)
	other := claim.New(store, "worker-b", nil)
	c := cache.New(store, "chomp", nil)

	ing := testIngester("spot_price")
	ok, err := owner.Claim(context.Background(), ing.ID(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("setup claim failed: ok=%v err=%v", ok, err)
	}

	o, err := New(Config{Claims: other, Cache: c, Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}
	coll := &fakeCollector{value: 1.0}
	if err := o.Register(ing, coll); err != nil {
		t.Fatal(err)
	}

	e := o.entries[ing.ID()]
	o.tick(context.Background(), ing.ID(), e)

	if coll.calls != 0 {
		t.Fatalf("expected collector not to run while another worker holds the claim, got %d calls", coll.calls)
	}
}

func TestTickCollectFailureLeavesClaimIntact(t *testing.T) {
	store := memory.New()
	mgr := claim.New(store, "worker-a", nil)
	c := cache.New(store, "chomp", nil)

	o, err := New(Config{Claims: mgr, Cache: c, Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}
	ing := testIngester("spot_price")
	coll := &fakeCollector{err: errors.New("source unreachable")}
	if err := o.Register(ing, coll); err != nil {
		t.Fatal(err)
	}

	e := o.entries[ing.ID()]
	o.tick(context.Background(), ing.ID(), e)

	claimed, err := mgr.IsClaimed(context.Background(), ing.ID(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("expected claim to remain held after a failed collect")
	}

	var snap map[string]any
	if err := c.Get(context.Background(), "spot_price", &snap); err == nil {
		t.Fatal("expected no cache snapshot after a failed collect")
	}
}

func TestApplyConfigRejectsUnknownIngesterType(t *testing.T) {
	store := memory.New()
	mgr := claim.New(store, "worker-a", nil)
	c := cache.New(store, "chomp", nil)
	o, err := New(Config{Claims: mgr, Cache: c, Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}

	ing := testIngester("mystery")
	ing.IngesterType = model.IngesterType("carrier_pigeon")

	err = ApplyConfig(o, Factories{Collectors: map[model.IngesterType]CollectorFactory{}}, []model.Ingester{ing}, Deps{})
	if !errors.Is(err, ErrUnknownIngesterType) {
		t.Fatalf("expected ErrUnknownIngesterType, got %v", err)
	}
}
