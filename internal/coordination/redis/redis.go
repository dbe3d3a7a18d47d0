// Package redis implements coordination.Store over github.com/redis/go-redis/v9.
//
// SET NX EX gives the claim manager its compare-and-set semantics for
// free; DeleteIfValue uses a small Lua script (the standard
// GET-then-conditional-DEL pattern) so claim release stays atomic without
// a round trip that could race another worker's re-claim. Pub/sub and
// pipelined MSET map directly onto the client's native primitives.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chomp/internal/coordination"
	"chomp/internal/logging"

	"github.com/redis/go-redis/v9"
)

var _ coordination.Store = (*Store)(nil)

// deleteIfValueScript atomically deletes key only if its current value
// equals ARGV[1]. Returns 1 if deleted, 0 otherwise.
const deleteIfValueScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Config configures the Redis-backed coordination store.
type Config struct {
	Host           string
	Port           int
	DB             int
	MaxConnections int
	Namespace      string // key prefix; defaults to "chomp"
	User           string
	Password       string
	Logger         *slog.Logger
}

// Store is a coordination.Store backed by a single Redis client.
type Store struct {
	client *redis.Client
	script *redis.Script
	ns     string
	logger *slog.Logger
}

// New dials Redis and returns a ready Store. The connection is verified
// with PING so MissingAdapter failures surface at bootstrap, not on first
// use.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "chomp"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:       cfg.DB,
		Username: cfg.User,
		Password: cfg.Password,
		PoolSize: cfg.MaxConnections,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %w", coordination.ErrCoordinationStore, err)
	}

	logger := logging.Default(cfg.Logger).With("component", "coordination", "backend", "redis")
	return &Store{
		client: client,
		script: redis.NewScript(deleteIfValueScript),
		ns:     cfg.Namespace,
		logger: logger,
	}, nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %w", coordination.ErrCoordinationStore, key, err)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, coordination.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", coordination.ErrCoordinationStore, key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", coordination.ErrCoordinationStore, key, err)
	}
	return nil
}

func (s *Store) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %w", coordination.ErrCoordinationStore, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

func (s *Store) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: pipelined mset: %w", coordination.ErrCoordinationStore, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %w", coordination.ErrCoordinationStore, key, err)
	}
	return nil
}

func (s *Store) DeleteIfValue(ctx context.Context, key string, expect []byte) (bool, error) {
	res, err := s.script.Run(ctx, s.client, []string{key}, expect).Int()
	if err != nil {
		return false, fmt.Errorf("%w: delete-if-value %s: %w", coordination.ErrCoordinationStore, key, err)
	}
	return res == 1, nil
}

func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", coordination.ErrCoordinationStore, topic, err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, topics ...string) (<-chan coordination.Message, error) {
	sub := s.client.Subscribe(ctx, topics...)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("%w: subscribe %v: %w", coordination.ErrCoordinationStore, topics, err)
	}

	out := make(chan coordination.Message, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- coordination.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Namespace returns the configured key prefix.
func (s *Store) Namespace() string {
	return s.ns
}
