// Package memory provides an in-process coordination store for local
// development and tests. Atomicity comes from a single mutex.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a mutex-guarded map with per-key expiry.
type Store struct {
	mu    sync.Mutex
	data  map[string]entry
	nowFn func() time.Time

	// Fail, when set, makes every operation return this error. Tests use it
	// to simulate an unreachable store.
	Fail error
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		data:  make(map[string]entry),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the clock, letting tests advance time past TTLs.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

func (s *Store) get(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(s.nowFn()) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.nowFn().Add(ttl)
	}
	s.data[key] = e
}

// IncrementIfBelow implements coordination.Store.
func (s *Store) IncrementIfBelow(_ context.Context, key string, ceiling int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	current := s.counter(key)
	if current >= ceiling {
		return false, nil
	}
	s.put(key, strconv.FormatInt(current+1, 10), ttl)
	return true, nil
}

// DecrementFloor implements coordination.Store.
func (s *Store) DecrementFloor(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	current := s.counter(key)
	if current <= 1 {
		delete(s.data, key)
		return nil
	}
	s.put(key, strconv.FormatInt(current-1, 10), ttl)
	return nil
}

// RefreshTTL implements coordination.Store.
func (s *Store) RefreshTTL(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if e, ok := s.get(key); ok {
		s.put(key, e.value, ttl)
	}
	return nil
}

// AcquireLock implements coordination.Store.
func (s *Store) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	if e, ok := s.get(key); ok && e.value != owner {
		return false, nil
	}
	s.put(key, owner, ttl)
	return true, nil
}

// ReleaseLock implements coordination.Store.
func (s *Store) ReleaseLock(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	if e, ok := s.get(key); ok && e.value == owner {
		delete(s.data, key)
		return true, nil
	}
	return false, nil
}

// SetValue implements coordination.Store.
func (s *Store) SetValue(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.put(key, value, ttl)
	return nil
}

// GetValue implements coordination.Store.
func (s *Store) GetValue(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return "", false, s.Fail
	}
	e, ok := s.get(key)
	return e.value, ok, nil
}

// TakeValue implements coordination.Store.
func (s *Store) TakeValue(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return "", false, s.Fail
	}
	e, ok := s.get(key)
	if ok {
		delete(s.data, key)
	}
	return e.value, ok, nil
}

// Delete implements coordination.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	delete(s.data, key)
	return nil
}

// IncrementWithTTL implements coordination.Store.
func (s *Store) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	value := s.counter(key) + 1
	s.put(key, strconv.FormatInt(value, 10), ttl)
	return value, nil
}

// Counter reads a counter value without mutating it (test helper).
func (s *Store) Counter(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter(key)
}

func (s *Store) counter(key string) int64 {
	e, ok := s.get(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
