package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"chomp/internal/coordination"
	"chomp/internal/coordination/memory"
)

type snapshot struct {
	Date time.Time `msgpack:"date"`
	USD  float64   `msgpack:"usd"`
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := New(memory.New(), "chomp", nil)
	ctx := context.Background()

	want := snapshot{Date: time.Unix(1_700_000_000, 0).UTC(), USD: 64321.5}
	if err := c.Set(ctx, "btc_price", want, time.Minute); err != nil {
		t.Fatal(err)
	}

	var got snapshot
	if err := c.Get(ctx, "btc_price", &got); err != nil {
		t.Fatal(err)
	}
	if got.USD != want.USD || !got.Date.Equal(want.Date) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetOrSetMissRunsProducerOnce(t *testing.T) {
	c := New(memory.New(), "chomp", nil)
	ctx := context.Background()

	calls := 0
	producer := func(context.Context) (any, error) {
		calls++
		return snapshot{USD: 1.5}, nil
	}

	var out snapshot
	ok, err := c.GetOrSet(ctx, "x", time.Minute, producer, &out)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if out.USD != 1.5 {
		t.Fatalf("unexpected value %+v", out)
	}

	var out2 snapshot
	ok, err = c.GetOrSet(ctx, "x", time.Minute, producer, &out2)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("expected producer to run exactly once, ran %d times", calls)
	}
}

func TestGetOrSetProducerEmptyResultDoesNotWrite(t *testing.T) {
	c := New(memory.New(), "chomp", nil)
	ctx := context.Background()

	producer := func(context.Context) (any, error) { return nil, nil }

	var out snapshot
	ok, err := c.GetOrSet(ctx, "x", time.Minute, producer, &out)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected miss to be surfaced, not written")
	}

	if err := c.Get(ctx, "x", &out); !errors.Is(err, coordination.ErrNotFound) {
		t.Fatalf("expected key to remain absent, got err=%v", err)
	}
}

func TestSetAndPublishDeliversToSubscriber(t *testing.T) {
	c := New(memory.New(), "chomp", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, "btc_price")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.SetAndPublish(ctx, "btc_price", snapshot{USD: 1.0}, time.Minute); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		if msg.Topic != "chomp:btc_price" {
			t.Fatalf("unexpected topic %q", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}
