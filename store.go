package cachering

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// NodeStore is the cache held by one node.
type NodeStore interface {
	// Get returns a live entry. Hard-expired entries are reported as misses.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)

	// Put stores entry if its Version is newer than what the store holds.
	// A non-zero FencingToken older than the stored one is rejected with
	// ErrStaleFencingToken.
	Put(ctx context.Context, entry CacheEntry) error

	// Delete removes key, remembering version so older writes cannot resurrect it.
	Delete(ctx context.Context, key string, version uint64) error

	// Scan calls fn for every live entry whose key hash falls in any of
	// ranges, until fn returns false.
	Scan(ctx context.Context, ranges []KeyRange, fn func(CacheEntry) bool) error
}

// Evictor picks which key to drop when a MemoryStore is full.
type Evictor interface {
	// Touch records a read of key.
	Touch(key string)
	// Add records a write of key.
	Add(key string)
	// Remove forgets key.
	Remove(key string)
	// Victim returns the key that should be evicted next.
	Victim() (string, bool)
}

// lruEvictor evicts the least recently used key.
type lruEvictor struct {
	ll    *list.List
	items map[string]*list.Element
}

// NewLRUEvictor returns an Evictor with least-recently-used order.
func NewLRUEvictor() Evictor {
	return &lruEvictor{
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *lruEvictor) Touch(key string) {
	if e, ok := l.items[key]; ok {
		l.ll.MoveToFront(e)
	}
}

func (l *lruEvictor) Add(key string) {
	if e, ok := l.items[key]; ok {
		l.ll.MoveToFront(e)
		return
	}
	l.items[key] = l.ll.PushFront(key)
}

func (l *lruEvictor) Remove(key string) {
	if e, ok := l.items[key]; ok {
		l.ll.Remove(e)
		delete(l.items, key)
	}
}

func (l *lruEvictor) Victim() (string, bool) {
	var e = l.ll.Back()
	if e == nil {
		return "", false
	}
	return e.Value.(string), true
}

// storedEntry is an entry or a tombstone left by Delete.
type storedEntry struct {
	CacheEntry
	tombstone bool
	deletedAt time.Time
}

// MemoryStore is an in-process NodeStore bounded by entry count.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*storedEntry
	live     int
	capacity int // 0 => unbounded
	evictor  Evictor
	now      func() time.Time
}

// NewMemoryStore creates a store holding at most capacity live entries.
// A nil evictor selects LRU.
func NewMemoryStore(capacity int, evictor Evictor) *MemoryStore {
	if evictor == nil {
		evictor = NewLRUEvictor()
	}
	return &MemoryStore{
		entries:  make(map[string]*storedEntry),
		capacity: capacity,
		evictor:  evictor,
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored, ok = s.entries[key]
	if !ok || stored.tombstone {
		return CacheEntry{}, false, nil
	}
	if stored.expired(s.now()) {
		s.removeLocked(key)
		return CacheEntry{}, false, nil
	}

	s.evictor.Touch(key)
	return stored.CacheEntry, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, entry CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current, exists = s.entries[entry.Key]
	if exists {
		if entry.FencingToken != 0 && entry.FencingToken < current.FencingToken {
			return fmt.Errorf("%w: key %q token %d < %d", ErrStaleFencingToken,
				entry.Key, entry.FencingToken, current.FencingToken)
		}
		if entry.Version <= current.Version {
			return nil
		}
		entry.FencingToken = max(entry.FencingToken, current.FencingToken)
	}

	if !exists || current.tombstone {
		s.makeRoomLocked()
		s.live++
	}

	s.entries[entry.Key] = &storedEntry{CacheEntry: entry}
	s.evictor.Add(entry.Key)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current, exists = s.entries[key]
	if exists && current.Version >= version {
		return nil
	}
	if exists && !current.tombstone {
		s.live--
		s.evictor.Remove(key)
	}

	var fencing uint64
	if exists {
		fencing = current.FencingToken
	}
	s.entries[key] = &storedEntry{
		CacheEntry: CacheEntry{Key: key, Version: version, FencingToken: fencing},
		tombstone:  true,
		deletedAt:  s.now(),
	}
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, ranges []KeyRange, fn func(CacheEntry) bool) error {
	var matched []CacheEntry

	s.mu.Lock()
	var now = s.now()
	for key, stored := range s.entries {
		if stored.tombstone || stored.expired(now) {
			continue
		}
		var hash = HashKey(key)
		for _, r := range ranges {
			if r.Contains(hash) {
				matched = append(matched, stored.CacheEntry)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, entry := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(entry) {
			return nil
		}
	}
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Sweep removes hard-expired entries and tombstones older than tombstoneTTL.
// It returns the number of live entries removed.
func (s *MemoryStore) Sweep(now time.Time, tombstoneTTL time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for key, stored := range s.entries {
		if stored.tombstone {
			if now.Sub(stored.deletedAt) > tombstoneTTL {
				delete(s.entries, key)
			}
			continue
		}
		if stored.expired(now) {
			s.removeLocked(key)
			removed++
		}
	}
	return removed
}

// makeRoomLocked evicts until a new live entry fits.
// Must be called with lock held.
func (s *MemoryStore) makeRoomLocked() {
	if s.capacity <= 0 {
		return
	}
	for s.live >= s.capacity {
		var victim, ok = s.evictor.Victim()
		if !ok {
			return
		}
		s.removeLocked(victim)
	}
}

// removeLocked drops a live entry without leaving a tombstone.
// Must be called with lock held.
func (s *MemoryStore) removeLocked(key string) {
	if stored, ok := s.entries[key]; ok && !stored.tombstone {
		s.live--
	}
	delete(s.entries, key)
	s.evictor.Remove(key)
}

// versionClock hands out strictly increasing entry versions close to wall
// clock nanoseconds, so versions from different nodes roughly order writes.
type versionClock struct {
	last atomic.Uint64
	now  func() time.Time
}

func newVersionClock(now func() time.Time) *versionClock {
	return &versionClock{now: now}
}

func (c *versionClock) next() uint64 {
	for {
		var (
			last = c.last.Load()
			next = uint64(c.now().UnixNano())
		)
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
