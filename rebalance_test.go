package cachering

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffRanges(t *testing.T) {
	var (
		sampleKeys = func(n int) []string {
			var keys = make([]string, n)
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%d", i)
			}
			return keys
		}
		findRange = func(ranges []KeyRange, hash uint64) (KeyRange, bool) {
			for _, r := range ranges {
				if r.Contains(hash) {
					return r, true
				}
			}
			return KeyRange{}, false
		}
	)

	t.Run("should cover exactly the keys that change owner on join", func(t *testing.T) {
		// Arrange
		var (
			old  = BuildRing(newTestNodes(3), 128, 1)
			next = BuildRing(newTestNodes(4), 128, 2)
		)

		// Act
		var sut = diffRanges(old, next)

		// Assert
		require.NotEmpty(t, sut)
		for _, key := range sampleKeys(10000) {
			var (
				hash   = HashKey(key)
				from   = old.ownerOf(hash)
				to     = next.ownerOf(hash)
				r, hit = findRange(sut, hash)
			)
			if from == to {
				assert.False(t, hit, "key %s did not move but falls in a range", key)
				continue
			}
			require.True(t, hit, "key %s moved but no range covers it", key)
			assert.Equal(t, from, r.From)
			assert.Equal(t, to, r.To)
		}
	})

	t.Run("should only move ranges onto the joining node", func(t *testing.T) {
		// Arrange
		var (
			old  = BuildRing(newTestNodes(3), 128, 1)
			next = BuildRing(newTestNodes(4), 128, 2)
		)

		// Act
		var sut = diffRanges(old, next)

		// Assert
		for _, r := range sut {
			assert.Equal(t, "n4", r.To)
			assert.NotEqual(t, "n4", r.From)
		}
		assert.LessOrEqual(t, len(sut), 128, "each new vnode claims at most one arc")
	})

	t.Run("should only move ranges off the leaving node", func(t *testing.T) {
		// Arrange
		var (
			old  = BuildRing(newTestNodes(4), 128, 1)
			next = BuildRing(newTestNodes(3), 128, 2)
		)

		// Act
		var sut = diffRanges(old, next)

		// Assert
		require.NotEmpty(t, sut)
		for _, r := range sut {
			assert.Equal(t, "n4", r.From)
		}
	})

	t.Run("should return nothing for identical rings", func(t *testing.T) {
		// Arrange
		var (
			old  = BuildRing(newTestNodes(3), 64, 1)
			next = BuildRing(newTestNodes(3), 64, 2)
		)

		// Act & Assert
		assert.Empty(t, diffRanges(old, next))
	})

	t.Run("should return nothing when either ring is empty", func(t *testing.T) {
		// Arrange
		var (
			empty = BuildRing(nil, 64, 0)
			full  = BuildRing(newTestNodes(3), 64, 1)
		)

		// Act & Assert
		assert.Empty(t, diffRanges(empty, full))
		assert.Empty(t, diffRanges(full, empty))
	})

	t.Run("should treat equal start and end as the full ring", func(t *testing.T) {
		// Arrange
		var sut = KeyRange{Start: 42, End: 42}

		// Act & Assert
		assert.True(t, sut.Contains(0))
		assert.True(t, sut.Contains(42))
		assert.True(t, sut.Contains(^uint64(0)))
	})

	t.Run("should contain hashes across the wrap point", func(t *testing.T) {
		// Arrange
		var sut = KeyRange{Start: ^uint64(0) - 10, End: 10}

		// Act & Assert
		assert.True(t, sut.Contains(^uint64(0)))
		assert.True(t, sut.Contains(0))
		assert.True(t, sut.Contains(10))
		assert.False(t, sut.Contains(11))
		assert.False(t, sut.Contains(^uint64(0)-10))
	})
}

func TestRebalanceCoordinator(t *testing.T) {
	type fixture struct {
		sut      *RebalanceCoordinator
		registry *NodeRegistry
		resolver *PlacementResolver
		cluster  *MemoryCluster
		stats    *stats
	}

	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		newFixture = func(t *testing.T, peers func(*MemoryCluster) Peers, opts ...Option) fixture {
			var (
				registry = NewNodeRegistry(64, nil)
				resolver = NewPlacementResolver(registry, 1)
				cluster  = NewMemoryCluster(0)
				s        = &stats{}
			)
			for _, node := range newTestNodes(3) {
				_, err := registry.Join(node)
				require.NoError(t, err)
				registry.MarkActive(node.ID)
			}

			var p Peers = cluster
			if peers != nil {
				p = peers(cluster)
			}
			return fixture{
				sut:      newRebalanceCoordinator(resolver, p, newTestOptions(opts...), s),
				registry: registry,
				resolver: resolver,
				cluster:  cluster,
				stats:    s,
			}
		}
		// fill writes n entries to their owners on the current ring.
		fill = func(t *testing.T, f fixture, n int) []string {
			var keys = make([]string, n)
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%d", i)
				placement, err := f.resolver.Locate(keys[i])
				require.NoError(t, err)
				store, _ := f.cluster.Peer(placement.Owner)
				require.NoError(t, store.Put(newCtx(), CacheEntry{
					Key:       keys[i],
					Value:     []byte(keys[i]),
					ExpiresAt: time.Now().Add(time.Hour),
					Version:   uint64(i + 1),
				}))
			}
			return keys
		}
		holds = func(f fixture, nodeID, key string) bool {
			store, ok := f.cluster.Store(nodeID)
			if !ok {
				return false
			}
			_, found, _ := store.Get(newCtx(), key)
			return found
		}
	)

	t.Run("should report moved ranges on membership change", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, nil)
		var old = f.registry.CurrentSnapshot()
		change, err := f.registry.Join(NodeMetadata{ID: "n4", Weight: 1})
		require.NoError(t, err)

		// Act
		var ranges = f.sut.OnMembershipChange(old, change.New)

		// Assert
		assert.Equal(t, diffRanges(old, change.New), ranges)
	})

	t.Run("should copy moved entries to a joining node", func(t *testing.T) {
		// Arrange
		var (
			f    = newFixture(t, nil)
			keys = fill(t, f, 1000)
		)
		change, err := f.registry.Join(NodeMetadata{ID: "n4", Weight: 1})
		require.NoError(t, err)

		// Act
		err = f.sut.Rebalance(newCtx(), change)

		// Assert
		require.NoError(t, err)
		var moved int
		for _, key := range keys {
			owner, _, _ := change.New.Locate(key, 1)
			assert.True(t, holds(f, owner.ID, key), "key %s missing on %s", key, owner.ID)
			if owner.ID == "n4" {
				moved++
			}
		}
		assert.Positive(t, moved)
		assert.Equal(t, uint64(moved), f.sut.stats.snapshot().MigrationCopies)
		assert.Equal(t, 0, f.resolver.migrations.pending())
		assert.Equal(t, NodeActive, f.registry.State("n4"))
	})

	t.Run("should drain a leaving node and remove it", func(t *testing.T) {
		// Arrange
		var (
			f    = newFixture(t, nil)
			keys = fill(t, f, 1000)
		)
		change, err := f.registry.Leave("n2")
		require.NoError(t, err)

		// Act
		err = f.sut.Rebalance(newCtx(), change)

		// Assert
		require.NoError(t, err)
		for _, key := range keys {
			owner, _, _ := change.New.Locate(key, 1)
			assert.True(t, holds(f, owner.ID, key), "key %s missing on %s", key, owner.ID)
		}
		assert.Equal(t, NodeRemoved, f.registry.State("n2"))
		_, kept := f.cluster.Store("n2")
		assert.False(t, kept, "store of a removed node should be released")
	})

	t.Run("should not overwrite newer entries on the destination", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, nil)
		change, err := f.registry.Join(NodeMetadata{ID: "n4", Weight: 1})
		require.NoError(t, err)

		var key string
		for i := 0; ; i++ {
			key = fmt.Sprintf("key-%d", i)
			if owner, _, _ := change.New.Locate(key, 1); owner.ID == "n4" {
				break
			}
		}
		oldOwner, _, _ := change.Old.Locate(key, 1)
		src, _ := f.cluster.Peer(oldOwner)
		dst, _ := f.cluster.Peer(NodeMetadata{ID: "n4"})
		require.NoError(t, src.Put(newCtx(), CacheEntry{Key: key, Value: []byte("old"), Version: 1}))
		require.NoError(t, dst.Put(newCtx(), CacheEntry{Key: key, Value: []byte("new"), Version: 2}))

		// Act
		err = f.sut.Rebalance(newCtx(), change)

		// Assert
		require.NoError(t, err)
		entry, found, _ := dst.Get(newCtx(), key)
		require.True(t, found)
		assert.Equal(t, []byte("new"), entry.Value)
	})

	t.Run("should flip routing and report incomplete migration when copy keeps failing", func(t *testing.T) {
		// Arrange
		var f = newFixture(t,
			func(c *MemoryCluster) Peers {
				return &partitionedPeers{MemoryCluster: c, down: map[string]bool{"n4": true}}
			},
			WithMigrationTimeout(50*time.Millisecond),
		)
		fill(t, f, 100)
		change, err := f.registry.Join(NodeMetadata{ID: "n4", Weight: 1})
		require.NoError(t, err)

		// Act
		err = f.sut.Rebalance(newCtx(), change)

		// Assert
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMigrationIncomplete))
		assert.True(t, errors.Is(err, errUnavailable))
		assert.Equal(t, 0, f.resolver.migrations.pending(), "ranges flip even without a copy")

		var stats = f.stats.snapshot()
		assert.Positive(t, stats.MigrationFailures)
		assert.Positive(t, stats.MigrationIncomplete)
	})

	t.Run("should keep routing to the old owner until the copy finishes", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, nil)
		change, err := f.registry.Join(NodeMetadata{ID: "n4", Weight: 1})
		require.NoError(t, err)

		// Act
		var p = f.sut.prepare(change)

		// Assert
		assert.Equal(t, len(p.ranges), f.resolver.migrations.pending())

		var migrating int
		for i := range 2000 {
			var key = fmt.Sprintf("key-%d", i)
			owner, _, _ := change.New.Locate(key, 1)
			if owner.ID != "n4" {
				continue
			}
			previous, _, _ := change.Old.Locate(key, 1)

			route, routeErr := f.resolver.Route(key)
			require.NoError(t, routeErr)
			assert.True(t, route.Migrating)
			assert.Equal(t, previous.ID, route.ReadFrom.ID)
			migrating++
		}
		assert.Positive(t, migrating)

		require.NoError(t, f.sut.run(newCtx(), p))
		assert.Equal(t, 0, f.resolver.migrations.pending())
	})

	t.Run("should mark the first node active without migrating", func(t *testing.T) {
		// Arrange
		var (
			registry = NewNodeRegistry(64, nil)
			resolver = NewPlacementResolver(registry, 1)
			sut      = NewRebalanceCoordinator(resolver, NewMemoryCluster(0))
		)
		change, err := registry.Join(NodeMetadata{ID: "n1", Weight: 1})
		require.NoError(t, err)

		// Act
		err = sut.Rebalance(newCtx(), change)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, NodeActive, registry.State("n1"))
	})
}
