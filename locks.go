package cachering

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CoordinationStore is the external lock service used by the stampede guard.
// Any store with an atomic conditional set and conditional delete satisfies it.
type CoordinationStore interface {
	// SetIfAbsent stores value under key for ttl unless a live value exists.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}

// FencedStore is a CoordinationStore that numbers successive acquisitions of a key.
type FencedStore interface {
	CoordinationStore

	// FencingToken returns the token of the live acquisition held by holder,
	// or ErrLockNotHeld.
	FencingToken(ctx context.Context, key, holder string) (uint64, error)
}

// MemoryLockStore is an in-process FencedStore. Fencing counters survive
// release, so tokens keep increasing for the lifetime of the store.
type MemoryLockStore struct {
	mu      sync.Mutex
	records map[string]LockRecord
	fencing map[string]uint64
	now     func() time.Time
}

// NewMemoryLockStore creates an empty lock store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{
		records: make(map[string]LockRecord),
		fencing: make(map[string]uint64),
		now:     time.Now,
	}
}

func (s *MemoryLockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var now = s.now()
	if record, ok := s.records[key]; ok && now.Before(record.ExpiresAt) {
		return false, nil
	}

	s.fencing[key]++
	s.records[key] = LockRecord{
		Key:          key,
		HolderToken:  value,
		FencingToken: s.fencing[key],
		ExpiresAt:    now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryLockStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var record, ok = s.records[key]
	if !ok || record.HolderToken != expected {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryLockStore) FencingToken(ctx context.Context, key, holder string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record, ok = s.records[key]
	if !ok || record.HolderToken != holder || !s.now().Before(record.ExpiresAt) {
		return 0, fmt.Errorf("%w: %s", ErrLockNotHeld, key)
	}
	return record.FencingToken, nil
}

// Lock returns the live record for key, if any.
func (s *MemoryLockStore) Lock(key string) (LockRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record, ok = s.records[key]
	if !ok || !s.now().Before(record.ExpiresAt) {
		return LockRecord{}, false
	}
	return record, true
}
