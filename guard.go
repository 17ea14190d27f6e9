package cachering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// lockPrefix namespaces stampede locks inside a shared coordination store.
const lockPrefix = "cachering:fill:"

// FetchFunc loads a value from the origin.
type FetchFunc func(ctx context.Context) ([]byte, error)

// StampedeGuard makes sure at most one origin fetch per key is in flight.
// Concurrent callers in one process share a single load; across processes
// they race for a lock in the coordination store and the losers wait for
// the winner to populate the cache.
type StampedeGuard struct {
	resolver *PlacementResolver
	peers    Peers
	locks    CoordinationStore
	options  options
	stats    *stats
	clock    *versionClock
	tokens   atomic.Uint64 // Fencing fallback for stores without FencedStore
	flight   singleflight.Group
	refresh  singleflight.Group
	ctx      context.Context // Bounds refresh-ahead goroutines
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewStampedeGuard creates a guard that reads and fills the cache of the
// node owning each key and arbitrates fills through locks.
func NewStampedeGuard(resolver *PlacementResolver, peers Peers, locks CoordinationStore, opts ...Option) *StampedeGuard {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return newStampedeGuard(resolver, peers, locks, options, &stats{}, newVersionClock(options.now))
}

func newStampedeGuard(resolver *PlacementResolver, peers Peers, locks CoordinationStore, opts options, s *stats, clock *versionClock) *StampedeGuard {
	var ctx, cancel = context.WithCancel(context.Background())
	return &StampedeGuard{
		resolver: resolver,
		peers:    peers,
		locks:    locks,
		options:  opts,
		stats:    s,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithSingleFlight returns the cached value of key, calling fetch on a miss.
// Among concurrent callers for the same cold key, fetch runs once.
func (g *StampedeGuard) WithSingleFlight(ctx context.Context, key string, fetch FetchFunc) ([]byte, error) {
	var result, err = g.load(ctx, key, fetch)
	return result.value, err
}

// Close stops pending refreshes and waits for them to exit.
func (g *StampedeGuard) Close() {
	g.cancel()
	g.wg.Wait()
}

// loadResult carries a value and whether it was served from the cache.
type loadResult struct {
	value []byte
	hit   bool
}

func (g *StampedeGuard) load(ctx context.Context, key string, fetch FetchFunc) (loadResult, error) {
	var route, err = g.resolver.Route(key)
	if err != nil {
		return loadResult{}, err
	}

	if entry, ok := g.lookup(ctx, route, key); ok {
		g.stats.hits.Add(1)
		if entry.stale(g.options.now()) {
			g.stats.staleServes.Add(1)
			g.refreshAhead(key, fetch)
		}
		return loadResult{value: entry.Value, hit: true}, nil
	}

	g.stats.misses.Add(1)

	var ch = g.flight.DoChan(key, func() (any, error) {
		// Shared by every caller waiting on key, so no single caller's deadline bounds it.
		var fillCtx, cancel = g.detach(ctx, g.options.lockWait+g.options.lockTTL)
		defer cancel()
		return g.fill(fillCtx, route, key, fetch)
	})

	select {
	case <-ctx.Done():
		return loadResult{}, fmt.Errorf("failed to load key %q: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return loadResult{}, res.Err
		}
		return loadResult{value: res.Val.([]byte)}, nil
	}
}

// detach returns a context that keeps ctx's values but not its deadline or
// cancellation. It ends after timeout or when the guard is closed.
func (g *StampedeGuard) detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var detached, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
	var stop = context.AfterFunc(g.ctx, cancel)
	return detached, func() {
		stop()
		cancel()
	}
}

// lookup reads key from the node serving reads. Store failures count as misses.
func (g *StampedeGuard) lookup(ctx context.Context, route Route, key string) (CacheEntry, bool) {
	var store, err = g.peers.Peer(route.ReadFrom)
	if err != nil {
		g.options.logger.Warn("failed to reach cache node", "node_id", route.ReadFrom.ID, "error", err)
		return CacheEntry{}, false
	}

	entry, ok, err := store.Get(ctx, key)
	if err != nil {
		g.options.logger.Warn("cache read failed", "key", key, "node_id", route.ReadFrom.ID, "error", err)
		return CacheEntry{}, false
	}
	return entry, ok
}

// fill acquires the key's lock and fetches, or waits for the current holder.
func (g *StampedeGuard) fill(ctx context.Context, route Route, key string, fetch FetchFunc) ([]byte, error) {
	var (
		lockKey = lockPrefix + key
		holder  = uuid.NewString()
	)

	acquired, err := g.locks.SetIfAbsent(ctx, lockKey, holder, g.options.lockTTL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to acquire lock for key %q: %w", key, ctx.Err())
		}
		// The coordination store is down; accept redundant origin load instead of failing.
		g.stats.coordinationErrors.Add(1)
		g.stats.degradedFetches.Add(1)
		g.options.logger.Warn("coordination store unavailable, fetching directly", "key", key, "error", err)
		return g.fetchAndStore(ctx, route, key, fetch, 0)
	}

	if !acquired {
		return g.await(ctx, route, key, lockKey, fetch)
	}

	return g.fillHolding(ctx, route, key, lockKey, holder, fetch)
}

// fillHolding re-reads the cache after winning the lock, since a previous
// holder may have filled it in the meantime, and fetches only on a miss.
func (g *StampedeGuard) fillHolding(ctx context.Context, route Route, key, lockKey, holder string, fetch FetchFunc) ([]byte, error) {
	if entry, ok := g.lookup(ctx, route, key); ok {
		g.release(ctx, lockKey, holder)
		return entry.Value, nil
	}
	return g.fetchHolding(ctx, route, key, lockKey, holder, fetch)
}

// fetchHolding runs the origin fetch while holding the lock and always releases it.
func (g *StampedeGuard) fetchHolding(ctx context.Context, route Route, key, lockKey, holder string, fetch FetchFunc) ([]byte, error) {
	defer g.release(ctx, lockKey, holder)

	var token = g.fencingToken(ctx, lockKey, holder)
	return g.fetchAndStore(ctx, route, key, fetch, token)
}

// await polls for another holder's result. When the holder disappears the
// lock is retried; when the wait deadline passes the origin is called directly.
func (g *StampedeGuard) await(ctx context.Context, route Route, key, lockKey string, fetch FetchFunc) ([]byte, error) {
	var (
		deadline = time.NewTimer(g.options.lockWait)
		b        = newBackoff(g.options.pollInterval, g.options.maxPollInterval)
	)
	defer deadline.Stop()

	for {
		var poll = time.NewTimer(b.next())

		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, fmt.Errorf("failed waiting for key %q: %w", key, ctx.Err())

		case <-deadline.C:
			poll.Stop()
			g.stats.lockTimeouts.Add(1)
			g.stats.degradedFetches.Add(1)
			g.options.logger.Warn("lock holder did not populate cache in time, fetching directly",
				"key", key,
				"wait", g.options.lockWait,
				"error", ErrLockAcquisitionTimeout)
			return g.fetchAndStore(ctx, route, key, fetch, 0)

		case <-poll.C:
			if entry, ok := g.lookup(ctx, route, key); ok {
				return entry.Value, nil
			}

			var holder = uuid.NewString()
			acquired, err := g.locks.SetIfAbsent(ctx, lockKey, holder, g.options.lockTTL)
			if err != nil {
				g.stats.coordinationErrors.Add(1)
				g.options.logger.Warn("failed to retry lock", "key", key, "error", err)
				continue
			}
			if acquired {
				return g.fillHolding(ctx, route, key, lockKey, holder, fetch)
			}
		}
	}
}

// fetchAndStore calls the origin and writes the result to every node the route writes to.
// The version is taken before the fetch, so a Set or Invalidate issued while
// the origin call is in flight wins over the fetched value.
func (g *StampedeGuard) fetchAndStore(ctx context.Context, route Route, key string, fetch FetchFunc, token uint64) ([]byte, error) {
	g.stats.originFetches.Add(1)

	var version = g.clock.next()
	var value, err = fetch(ctx)
	if err != nil {
		return nil, &OriginFetchError{Key: key, Err: err}
	}

	var entry = g.newEntry(key, value, g.options.defaultTTL, token, version)
	if err := g.write(ctx, route, entry); err != nil {
		g.options.logger.Warn("failed to populate cache", "key", key, "error", err)
	}
	return value, nil
}

// write stores entry on every node in route.WriteTo.
func (g *StampedeGuard) write(ctx context.Context, route Route, entry CacheEntry) error {
	var errs []error
	for _, node := range route.WriteTo {
		var store, err = g.peers.Peer(node)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reach %s: %w", node.ID, err))
			continue
		}
		if err := store.Put(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write %s: %w", node.ID, err))
		}
	}
	return errors.Join(errs...)
}

// newEntry stamps value with version and the soft and hard expiry derived from ttl.
func (g *StampedeGuard) newEntry(key string, value []byte, ttl time.Duration, token, version uint64) CacheEntry {
	if ttl <= 0 {
		ttl = g.options.defaultTTL
	}
	var now = g.options.now()
	return CacheEntry{
		Key:           key,
		Value:         value,
		ExpiresAt:     now.Add(ttl),
		SoftExpiresAt: now.Add(g.options.softTTL(ttl)),
		Version:       version,
		FencingToken:  token,
	}
}

// refreshAhead reloads a soft-expired key in the background. At most one
// refresh per key runs in this process, and only the lock winner fetches.
func (g *StampedeGuard) refreshAhead(key string, fetch FetchFunc) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		_, _, _ = g.refresh.Do(key, func() (any, error) {
			var ctx, cancel = context.WithTimeout(g.ctx, g.options.lockTTL)
			defer cancel()

			var route, err = g.resolver.Route(key)
			if err != nil {
				return nil, err
			}

			var (
				lockKey = lockPrefix + key
				holder  = uuid.NewString()
			)
			acquired, err := g.locks.SetIfAbsent(ctx, lockKey, holder, g.options.lockTTL)
			if err != nil || !acquired {
				return nil, err
			}

			if _, err := g.fetchHolding(ctx, route, key, lockKey, holder, fetch); err != nil {
				g.options.logger.Warn("refresh-ahead failed", "key", key, "error", err)
				return nil, err
			}
			return nil, nil
		})
	}()
}

// release deletes the lock only if holder still owns it. It runs even when
// ctx is already done so that a cancelled caller does not leak the lock.
func (g *StampedeGuard) release(ctx context.Context, lockKey, holder string) {
	var releaseCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), g.options.releaseTimeout)
	defer cancel()

	deleted, err := g.locks.CompareAndDelete(releaseCtx, lockKey, holder)
	if err != nil {
		g.stats.coordinationErrors.Add(1)
		g.options.logger.Warn("failed to release lock", "lock", lockKey, "error", err)
		return
	}
	if !deleted {
		g.options.logger.Warn("lock expired before release", "lock", lockKey)
	}
}

// fencingToken returns the store's token for this acquisition, or a
// process-local increasing number when the store does not number locks.
// A token of 0 marks the write as unfenced.
func (g *StampedeGuard) fencingToken(ctx context.Context, lockKey, holder string) uint64 {
	if fenced, ok := g.locks.(FencedStore); ok {
		var token, err = fenced.FencingToken(ctx, lockKey, holder)
		if err != nil {
			// Unfenced writes are always accepted by the store.
			g.options.logger.Warn("failed to read fencing token", "lock", lockKey, "error", err)
			return 0
		}
		return token
	}
	return g.tokens.Add(1)
}
