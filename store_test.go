package cachering

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		newStore = func(capacity int, clock *fakeClock) *MemoryStore {
			var store = NewMemoryStore(capacity, nil)
			store.now = clock.Now
			return store
		}
		newEntry = func(key, value string, version uint64) CacheEntry {
			return CacheEntry{Key: key, Value: []byte(value), Version: version}
		}
	)

	t.Run("should return a stored entry", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())

		// Act
		require.NoError(t, sut.Put(newCtx(), newEntry("k", "v", 1)))
		entry, found, err := sut.Get(newCtx(), "k")

		// Assert
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("v"), entry.Value)
		assert.Equal(t, 1, sut.Len())
	})

	t.Run("should keep the newest version", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())
		require.NoError(t, sut.Put(newCtx(), newEntry("k", "new", 2)))

		// Act
		require.NoError(t, sut.Put(newCtx(), newEntry("k", "old", 1)))
		entry, _, _ := sut.Get(newCtx(), "k")

		// Assert
		assert.Equal(t, []byte("new"), entry.Value)
	})

	t.Run("should reject a stale fencing token", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())
		var current = newEntry("k", "v2", 2)
		current.FencingToken = 5
		require.NoError(t, sut.Put(newCtx(), current))

		// Act
		var stale = newEntry("k", "v3", 3)
		stale.FencingToken = 4
		err := sut.Put(newCtx(), stale)

		// Assert
		assert.True(t, errors.Is(err, ErrStaleFencingToken))
		entry, _, _ := sut.Get(newCtx(), "k")
		assert.Equal(t, []byte("v2"), entry.Value)
	})

	t.Run("should accept unfenced writes and keep the highest token", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())
		var fenced = newEntry("k", "v1", 1)
		fenced.FencingToken = 5
		require.NoError(t, sut.Put(newCtx(), fenced))

		// Act
		err := sut.Put(newCtx(), newEntry("k", "v2", 2))

		// Assert
		require.NoError(t, err)
		entry, _, _ := sut.Get(newCtx(), "k")
		assert.Equal(t, []byte("v2"), entry.Value)
		assert.Equal(t, uint64(5), entry.FencingToken)
	})

	t.Run("should not resurrect a deleted key with an older write", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())
		require.NoError(t, sut.Put(newCtx(), newEntry("k", "v", 1)))
		require.NoError(t, sut.Delete(newCtx(), "k", 3))

		// Act
		require.NoError(t, sut.Put(newCtx(), newEntry("k", "late", 2)))
		_, found, _ := sut.Get(newCtx(), "k")

		// Assert
		assert.False(t, found)
		assert.Equal(t, 0, sut.Len())
	})

	t.Run("should accept a write newer than the tombstone", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())
		require.NoError(t, sut.Delete(newCtx(), "k", 3))

		// Act
		require.NoError(t, sut.Put(newCtx(), newEntry("k", "fresh", 4)))
		entry, found, _ := sut.Get(newCtx(), "k")

		// Assert
		assert.True(t, found)
		assert.Equal(t, []byte("fresh"), entry.Value)
		assert.Equal(t, 1, sut.Len())
	})

	t.Run("should miss a hard-expired entry", func(t *testing.T) {
		// Arrange
		var (
			clock = newFakeClock()
			sut   = newStore(0, clock)
			entry = newEntry("k", "v", 1)
		)
		entry.ExpiresAt = clock.Now().Add(time.Minute)
		require.NoError(t, sut.Put(newCtx(), entry))

		// Act
		clock.Advance(time.Minute)
		_, found, err := sut.Get(newCtx(), "k")

		// Assert
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, 0, sut.Len())
	})

	t.Run("should evict the least recently used entry", func(t *testing.T) {
		// Arrange
		var sut = newStore(2, newFakeClock())
		require.NoError(t, sut.Put(newCtx(), newEntry("a", "1", 1)))
		require.NoError(t, sut.Put(newCtx(), newEntry("b", "2", 1)))
		_, _, _ = sut.Get(newCtx(), "a")

		// Act
		require.NoError(t, sut.Put(newCtx(), newEntry("c", "3", 1)))

		// Assert
		_, hasA, _ := sut.Get(newCtx(), "a")
		_, hasB, _ := sut.Get(newCtx(), "b")
		_, hasC, _ := sut.Get(newCtx(), "c")
		assert.True(t, hasA)
		assert.False(t, hasB)
		assert.True(t, hasC)
		assert.Equal(t, 2, sut.Len())
	})

	t.Run("should scan only entries in the given ranges", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())
		for i := range 200 {
			require.NoError(t, sut.Put(newCtx(), newEntry(fmt.Sprintf("k%d", i), "v", 1)))
		}
		var ranges = []KeyRange{{Start: 0, End: 1 << 62}, {Start: 1 << 63, End: 3 << 62}}

		// Act
		var scanned []string
		err := sut.Scan(newCtx(), ranges, func(entry CacheEntry) bool {
			scanned = append(scanned, entry.Key)
			return true
		})

		// Assert
		require.NoError(t, err)
		assert.NotEmpty(t, scanned)
		for i := range 200 {
			var (
				key     = fmt.Sprintf("k%d", i)
				hash    = HashKey(key)
				inRange = ranges[0].Contains(hash) || ranges[1].Contains(hash)
			)
			assert.Equal(t, inRange, slices.Contains(scanned, key), "key %s", key)
		}
	})

	t.Run("should stop scanning when fn returns false", func(t *testing.T) {
		// Arrange
		var sut = newStore(0, newFakeClock())
		for i := range 10 {
			require.NoError(t, sut.Put(newCtx(), newEntry(fmt.Sprintf("k%d", i), "v", 1)))
		}

		// Act
		var calls int
		err := sut.Scan(newCtx(), []KeyRange{{}}, func(CacheEntry) bool {
			calls++
			return false
		})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("should sweep expired entries and old tombstones", func(t *testing.T) {
		// Arrange
		var (
			clock   = newFakeClock()
			sut     = newStore(0, clock)
			expires = newEntry("short", "v", 1)
		)
		expires.ExpiresAt = clock.Now().Add(time.Second)
		require.NoError(t, sut.Put(newCtx(), expires))
		require.NoError(t, sut.Put(newCtx(), newEntry("long", "v", 1)))
		require.NoError(t, sut.Delete(newCtx(), "gone", 5))

		// Act
		clock.Advance(2 * time.Minute)
		var removed = sut.Sweep(clock.Now(), time.Minute)

		// Assert
		assert.Equal(t, 1, removed)
		assert.Equal(t, 1, sut.Len())

		// The tombstone is gone, so an older write is accepted again.
		require.NoError(t, sut.Put(newCtx(), newEntry("gone", "back", 1)))
		_, found, _ := sut.Get(newCtx(), "gone")
		assert.True(t, found)
	})
}

func TestVersionClock(t *testing.T) {
	t.Run("should hand out strictly increasing versions on a frozen clock", func(t *testing.T) {
		// Arrange
		var (
			clock = newFakeClock()
			sut   = newVersionClock(clock.Now)
		)

		// Act
		var first = sut.next()
		var second = sut.next()

		// Assert
		assert.Equal(t, uint64(clock.Now().UnixNano()), first)
		assert.Equal(t, first+1, second)
	})

	t.Run("should follow the clock when it moves ahead", func(t *testing.T) {
		// Arrange
		var (
			clock = newFakeClock()
			sut   = newVersionClock(clock.Now)
		)
		_ = sut.next()

		// Act
		clock.Advance(time.Second)
		var version = sut.next()

		// Assert
		assert.Equal(t, uint64(clock.Now().UnixNano()), version)
	})
}
