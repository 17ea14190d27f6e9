package cachering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockStore(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		newStore = func(clock *fakeClock) *MemoryLockStore {
			var store = NewMemoryLockStore()
			store.now = clock.Now
			return store
		}
	)

	t.Run("should grant the lock to exactly one of many contenders", func(t *testing.T) {
		// Arrange
		var (
			sut      = newStore(newFakeClock())
			acquired atomic.Int64
			wg       sync.WaitGroup
		)

		// Act
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := sut.SetIfAbsent(newCtx(), "k", string(rune('a'+i)), time.Minute)
				assert.NoError(t, err)
				if ok {
					acquired.Add(1)
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, int64(1), acquired.Load())
	})

	t.Run("should never release a lock held by another holder", func(t *testing.T) {
		// Arrange
		var sut = newStore(newFakeClock())
		ok, err := sut.SetIfAbsent(newCtx(), "k", "A", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		// Act
		deleted, err := sut.CompareAndDelete(newCtx(), "k", "B")

		// Assert
		require.NoError(t, err)
		assert.False(t, deleted)
		record, held := sut.Lock("k")
		require.True(t, held)
		assert.Equal(t, "A", record.HolderToken)
	})

	t.Run("should release a lock for its holder", func(t *testing.T) {
		// Arrange
		var sut = newStore(newFakeClock())
		_, _ = sut.SetIfAbsent(newCtx(), "k", "A", time.Minute)

		// Act
		deleted, err := sut.CompareAndDelete(newCtx(), "k", "A")

		// Assert
		require.NoError(t, err)
		assert.True(t, deleted)
		_, held := sut.Lock("k")
		assert.False(t, held)
	})

	t.Run("should let a new holder take an expired lock", func(t *testing.T) {
		// Arrange
		var (
			clock = newFakeClock()
			sut   = newStore(clock)
		)
		_, _ = sut.SetIfAbsent(newCtx(), "k", "A", time.Second)

		// Act
		clock.Advance(time.Second)
		ok, err := sut.SetIfAbsent(newCtx(), "k", "B", time.Second)

		// Assert
		require.NoError(t, err)
		assert.True(t, ok)

		deleted, _ := sut.CompareAndDelete(newCtx(), "k", "A")
		assert.False(t, deleted, "the expired holder must not release the new lock")
	})

	t.Run("should increase fencing tokens across acquisitions", func(t *testing.T) {
		// Arrange
		var (
			clock  = newFakeClock()
			sut    = newStore(clock)
			tokens []uint64
		)

		// Act
		for _, holder := range []string{"A", "B", "C"} {
			ok, err := sut.SetIfAbsent(newCtx(), "k", holder, time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			token, err := sut.FencingToken(newCtx(), "k", holder)
			require.NoError(t, err)
			tokens = append(tokens, token)

			if holder == "A" {
				_, _ = sut.CompareAndDelete(newCtx(), "k", holder)
			} else {
				clock.Advance(time.Second)
			}
		}

		// Assert
		assert.Equal(t, []uint64{1, 2, 3}, tokens)
	})

	t.Run("should refuse a fencing token to a non-holder", func(t *testing.T) {
		// Arrange
		var sut = newStore(newFakeClock())
		_, _ = sut.SetIfAbsent(newCtx(), "k", "A", time.Minute)

		// Act
		_, err := sut.FencingToken(newCtx(), "k", "B")

		// Assert
		assert.True(t, errors.Is(err, ErrLockNotHeld))
	})

	t.Run("should fail on a cancelled context", func(t *testing.T) {
		// Arrange
		var (
			sut         = newStore(newFakeClock())
			ctx, cancel = context.WithCancel(newCtx())
		)
		cancel()

		// Act
		_, err := sut.SetIfAbsent(ctx, "k", "A", time.Minute)

		// Assert
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
