// Package cache implements Chomp's cache layer: namespaced key/value
// storage over coordination.Store with msgpack-encoded snapshots and a
// write-then-publish invariant, so every ingester write is immediately
// visible to pub/sub subscribers on the same topic.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chomp/internal/coordination"
	"chomp/internal/logging"

	"github.com/vmihailenco/msgpack/v5"
)

const defaultTTL = 365 * 24 * time.Hour

// Cache is a namespaced view over a coordination.Store.
type Cache struct {
	store     coordination.Store
	namespace string
	logger    *slog.Logger
}

// New returns a Cache keyed under "<namespace>:cache:<name>". namespace
// defaults to "chomp" when empty.
func New(store coordination.Store, namespace string, logger *slog.Logger) *Cache {
	if namespace == "" {
		namespace = "chomp"
	}
	return &Cache{
		store:     store,
		namespace: namespace,
		logger:    logging.Default(logger).With("component", "cache", "namespace", namespace),
	}
}

func (c *Cache) key(name string) string {
	return fmt.Sprintf("%s:cache:%s", c.namespace, name)
}

func (c *Cache) topic(name string) string {
	return fmt.Sprintf("%s:%s", c.namespace, name)
}

// Set encodes value with msgpack and stores it under name with ttl (0
// means defaultTTL, matching the spec's "ttl=1y" default).
func (c *Cache) Set(ctx context.Context, name string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", name, err)
	}
	if err := c.store.Set(ctx, c.key(name), encoded, ttl); err != nil {
		return fmt.Errorf("cache: set %s: %w", name, err)
	}
	return nil
}

// BatchSet pipelines a set of name/value pairs, each msgpack-encoded,
// under the same ttl.
func (c *Cache) BatchSet(ctx context.Context, values map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	encoded := make(map[string][]byte, len(values))
	for name, v := range values {
		b, err := msgpack.Marshal(v)
		if err != nil {
			return fmt.Errorf("cache: encode %s: %w", name, err)
		}
		encoded[c.key(name)] = b
	}
	if err := c.store.MSet(ctx, encoded, ttl); err != nil {
		return fmt.Errorf("cache: batch_set: %w", err)
	}
	return nil
}

// Get decodes the value stored under name into out (a pointer).
func (c *Cache) Get(ctx context.Context, name string, out any) error {
	raw, err := c.store.Get(ctx, c.key(name))
	if err != nil {
		if err == coordination.ErrNotFound {
			return coordination.ErrNotFound
		}
		return fmt.Errorf("cache: get %s: %w", name, err)
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cache: decode %s: %w", name, err)
	}
	return nil
}

// BatchGet returns raw msgpack-encoded bytes for each name, in order; a
// missing name yields a nil slice at that position. Callers decode with
// msgpack.Unmarshal themselves since the target type may vary per name.
func (c *Cache) BatchGet(ctx context.Context, names []string) ([][]byte, error) {
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = c.key(n)
	}
	vals, err := c.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("cache: batch_get: %w", err)
	}
	return vals, nil
}

// Producer computes a value to populate a cache miss. An empty (nil)
// result is treated as a genuine miss: the cache layer surfaces it to the
// caller without writing anything back.
type Producer func(ctx context.Context) (any, error)

// GetOrSet returns the cached value under name, decoded into out. On a
// miss it calls producer; if producer returns a nil value, the miss is
// surfaced (out is left unmodified, ok is false) without writing to the
// store.
func (c *Cache) GetOrSet(ctx context.Context, name string, ttl time.Duration, producer Producer, out any) (ok bool, err error) {
	err = c.Get(ctx, name, out)
	if err == nil {
		return true, nil
	}
	if err != coordination.ErrNotFound {
		return false, err
	}

	produced, err := producer(ctx)
	if err != nil {
		return false, fmt.Errorf("cache: get_or_set %s: producer: %w", name, err)
	}
	if produced == nil {
		return false, nil
	}
	if err := c.Set(ctx, name, produced, ttl); err != nil {
		return false, err
	}
	if err := c.Get(ctx, name, out); err != nil {
		return false, fmt.Errorf("cache: get_or_set %s: re-read after set: %w", name, err)
	}
	return true, nil
}

// Publish sends msg to topic "<namespace>:<topic suffix>".
func (c *Cache) Publish(ctx context.Context, name string, msg []byte) error {
	if err := c.store.Publish(ctx, c.topic(name), msg); err != nil {
		return fmt.Errorf("cache: publish %s: %w", name, err)
	}
	return nil
}

// Subscribe delivers messages published to "<namespace>:<name>" for each
// name given, until ctx is cancelled.
func (c *Cache) Subscribe(ctx context.Context, names ...string) (<-chan coordination.Message, error) {
	topics := make([]string, len(names))
	for i, n := range names {
		topics[i] = c.topic(n)
	}
	ch, err := c.store.Subscribe(ctx, topics...)
	if err != nil {
		return nil, fmt.Errorf("cache: subscribe: %w", err)
	}
	return ch, nil
}

// SetAndPublish stores value under name and publishes it to the matching
// topic, implementing the write-then-publish invariant every ingester's
// store path relies on.
func (c *Cache) SetAndPublish(ctx context.Context, name string, value any, ttl time.Duration) error {
	if err := c.Set(ctx, name, value, ttl); err != nil {
		return err
	}
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode for publish %s: %w", name, err)
	}
	return c.Publish(ctx, name, encoded)
}
