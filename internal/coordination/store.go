// Package coordination defines the external coordination-store contract:
// a durable KV store with TTL, atomic SET-if-absent, pub/sub, and
// pipelining. Chomp treats the store itself as an external collaborator
// (spec.md's "Coordination store (external)" row); this package is the
// contract plus a production adapter (coordination/redis) and an
// in-memory fake for tests (coordination/memory), mirroring the
// production/fake split the teacher uses for config.Store.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrCoordinationStore wraps any failure talking to the coordination
// store. Per spec.md §7 this bubbles all the way up: the scheduler's job
// wrapper treats it as a cron failure and halts the process event loop so
// a supervisor can restart it.
var ErrCoordinationStore = errors.New("coordination: store error")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("coordination: key not found")

// Message is one pub/sub payload delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
}

// Store is the minimal contract every ingester-facing subsystem (claim
// manager, cache layer, pub/sub forwarder) is built against. Production
// code talks to coordination/redis; tests talk to coordination/memory.
type Store interface {
	// SetNX sets key=value with expiry ttl only if key does not already
	// exist. Returns true if the set happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set unconditionally sets key=value with expiry ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// MGet returns values for each key, in order; a missing key yields a
	// nil slice at that position (no error).
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// MSet pipelines a batch of sets, all with the same ttl.
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error

	// Delete removes key unconditionally. No error if key did not exist.
	Delete(ctx context.Context, key string) error

	// DeleteIfValue removes key only if its current value equals expect;
	// used by the claim manager to release only self-held claims.
	DeleteIfValue(ctx context.Context, key string, expect []byte) (bool, error)

	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers messages published to any of topics until ctx is
	// cancelled or the returned channel's producer stops (e.g. on
	// connection loss). The channel is closed when the subscription ends.
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)

	// Close releases the store's connection(s).
	Close() error
}
