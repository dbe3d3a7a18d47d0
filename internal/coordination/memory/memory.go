// Package memory is an in-memory fake of coordination.Store for tests,
// mirroring the production/fake split the teacher uses for config.Store
// and config/memory.
package memory

import (
	"context"
	"sync"
	"time"

	"chomp/internal/coordination"
)

var _ coordination.Store = (*Store)(nil)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Store is a mutex-protected map standing in for Redis in tests, plus a
// channel-based pub/sub fanout.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
	subs map[chan coordination.Message]map[string]bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		data: make(map[string]entry),
		subs: make(map[chan coordination.Message]map[string]bool),
	}
}

func (s *Store) expired(e entry, now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.data[key]; ok && !s.expired(e, now) {
		return false, nil
	}
	s.data[key] = s.newEntry(value, ttl, now)
	return true, nil
}

func (s *Store) newEntry(value []byte, ttl time.Duration, now time.Time) entry {
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	return entry{value: append([]byte(nil), value...), expires: exp}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || s.expired(e, time.Now()) {
		return nil, coordination.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = s.newEntry(value, ttl, time.Now())
	return nil
}

func (s *Store) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := s.data[k]; ok && !s.expired(e, now) {
			out[i] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

func (s *Store) MSet(_ context.Context, values map[string][]byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, v := range values {
		s.data[k] = s.newEntry(v, ttl, now)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) DeleteIfValue(_ context.Context, key string, expect []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || s.expired(e, time.Now()) {
		return false, nil
	}
	if string(e.value) != string(expect) {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

func (s *Store) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch, topics := range s.subs {
		if topics[topic] {
			select {
			case ch <- coordination.Message{Topic: topic, Payload: append([]byte(nil), payload...)}:
			default:
			}
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, topics ...string) (<-chan coordination.Message, error) {
	ch := make(chan coordination.Message, 64)
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}

	s.mu.Lock()
	s.subs[ch] = set
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	return nil
}
