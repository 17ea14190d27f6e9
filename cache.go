package cachering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Origin is the system of record the cache sits in front of.
type Origin interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// OriginFunc adapts a function to the Origin interface.
type OriginFunc func(ctx context.Context, key string) ([]byte, error)

func (f OriginFunc) Fetch(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// Cache is a distributed read-through cache. Keys are placed on nodes by a
// consistent hash ring, cold keys are filled from the origin at most once
// at a time, and membership changes migrate only the ranges that moved.
type Cache struct {
	origin     Origin
	locks      CoordinationStore
	peers      Peers
	registry   *NodeRegistry
	resolver   *PlacementResolver
	rebalancer *RebalanceCoordinator
	guard      *StampedeGuard
	clock      *versionClock
	stats      *stats
	options    options

	// Lifetime of migrations started by Join and Leave.
	ctx        context.Context
	cancel     context.CancelFunc
	rebalances sync.WaitGroup

	mu      sync.Mutex // Guards workers
	workers context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Cache with no members. A nil locks uses an in-process
// MemoryLockStore, which only arbitrates fills within this process. A nil
// peers keeps every node's store in-process, bounded by WithCapacity.
func New(origin Origin, locks CoordinationStore, peers Peers, opts ...Option) *Cache {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if locks == nil {
		var store = NewMemoryLockStore()
		store.now = options.now
		locks = store
	}
	if peers == nil {
		var cluster = NewMemoryCluster(options.capacity)
		cluster.now = options.now
		peers = cluster
	}

	var (
		s        = &stats{}
		clock    = newVersionClock(options.now)
		registry = NewNodeRegistry(options.vnodeCount, options.logger)
		resolver = NewPlacementResolver(registry, options.replicationFactor)
	)

	var ctx, cancel = context.WithCancel(context.Background())
	return &Cache{
		origin:     origin,
		locks:      locks,
		peers:      peers,
		registry:   registry,
		resolver:   resolver,
		rebalancer: newRebalanceCoordinator(resolver, peers, options, s),
		guard:      newStampedeGuard(resolver, peers, locks, options, s, clock),
		clock:      clock,
		stats:      s,
		options:    options,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Locate returns the owner, replicas and ring version for key.
func (c *Cache) Locate(key string) (Placement, error) {
	return c.resolver.Locate(key)
}

// Get returns the value of key, filling it from the origin on a miss.
// hit reports whether the value came from the cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var result, err = c.guard.load(ctx, key, func(ctx context.Context) ([]byte, error) {
		return c.origin.Fetch(ctx, key)
	})
	if err != nil {
		return nil, false, err
	}
	return result.value, result.hit, nil
}

// Set writes value under key. A ttl of zero uses the default TTL.
// Writes are unfenced and ordered by version; while the key's range migrates
// they go to both the old and the new owner.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var route, err = c.resolver.Route(key)
	if err != nil {
		return err
	}

	var entry = c.guard.newEntry(key, value, ttl, 0, c.clock.next())
	if err := c.guard.write(ctx, route, entry); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Invalidate deletes key. Older copies still in flight, such as an entry
// being migrated, cannot bring it back.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	var route, err = c.resolver.Route(key)
	if err != nil {
		return err
	}

	var (
		version = c.clock.next()
		errs    []error
	)
	for _, node := range route.WriteTo {
		var store, err = c.peers.Peer(node)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reach %s: %w", node.ID, err))
			continue
		}
		if err := store.Delete(ctx, key, version); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete from %s: %w", node.ID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to invalidate key %q: %w", key, err)
	}
	return nil
}

// Join adds node to the ring. The new ring is in effect when Join returns;
// entries migrate to the node in the background.
func (c *Cache) Join(ctx context.Context, node NodeMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var change, err = c.registry.Join(node)
	if err != nil {
		return fmt.Errorf("failed to join node %s: %w", node.ID, err)
	}

	c.rebalance(change)
	return nil
}

// Leave removes a node from the ring. Its entries drain to the new owners
// in the background, after which the node is removed.
func (c *Cache) Leave(ctx context.Context, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var change, err = c.registry.Leave(nodeID)
	if err != nil {
		return fmt.Errorf("failed to remove node %s: %w", nodeID, err)
	}

	c.rebalance(change)
	return nil
}

// rebalance marks the moved ranges synchronously, so routing prefers the
// old owner from the moment the ring is published, then migrates.
func (c *Cache) rebalance(change Change) {
	var p = c.rebalancer.prepare(change)

	c.rebalances.Add(1)
	go func() {
		defer c.rebalances.Done()

		if err := c.rebalancer.run(c.ctx, p); err != nil {
			c.options.logger.Warn("rebalance finished with errors",
				"version", p.version,
				"error", err)
		}
	}()
}

// AwaitMigrations blocks until every migration started so far has finished.
func (c *Cache) AwaitMigrations(ctx context.Context) error {
	var done = make(chan struct{})
	go func() {
		c.rebalances.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ring returns the current ring snapshot.
func (c *Cache) Ring() *RingSnapshot {
	return c.registry.CurrentSnapshot()
}

// Members returns every registered node with its lifecycle state.
func (c *Cache) Members() []Member {
	return c.registry.Members()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return c.stats.snapshot()
}

// Start runs the background janitor that expires entries and tombstones.
// Workers run independently of ctx and stop on Stop.
func (c *Cache) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.workers != nil {
		return nil
	}

	var workerCtx context.Context
	workerCtx, c.workers = context.WithCancel(context.Background())

	if s, ok := c.peers.(sweeper); ok {
		c.wg.Add(1)
		go c.janitorWorker(workerCtx, s)
	}
	return nil
}

// Stop cancels background work, including in-flight migrations and
// refreshes, and waits for it to exit or for ctx to expire. Migrations and
// refreshes are drained even when Start was never called, in which case
// ErrNotStarted is returned afterwards.
func (c *Cache) Stop(ctx context.Context) error {
	c.mu.Lock()
	var workers = c.workers
	c.workers = nil
	c.mu.Unlock()

	if workers != nil {
		workers()
	}
	c.cancel()

	var done = make(chan struct{})
	go func() {
		c.guard.Close()
		c.wg.Wait()
		c.rebalances.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop cache: %w", ctx.Err())
	case <-done:
	}

	if workers == nil {
		return ErrNotStarted
	}
	return nil
}

// janitorWorker periodically removes hard-expired entries and old tombstones.
func (c *Cache) janitorWorker(ctx context.Context, s sweeper) {
	defer c.wg.Done()

	var ticker = time.NewTicker(c.options.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(c.options.now(), c.options.tombstoneTTL); removed > 0 {
				c.options.logger.Debug("expired entries removed", "count", removed)
			}
		}
	}
}
