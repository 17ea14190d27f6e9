package cachering

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RebalanceCoordinator moves cached entries between nodes after a
// membership change. Migration is best-effort: a range whose copy fails
// still flips once the migration timeout elapses, and the new owner fills
// from the origin on miss.
type RebalanceCoordinator struct {
	resolver *PlacementResolver
	peers    Peers
	options  options
	stats    *stats
}

// NewRebalanceCoordinator creates a coordinator that routes through resolver
// and copies entries between the stores returned by peers.
func NewRebalanceCoordinator(resolver *PlacementResolver, peers Peers, opts ...Option) *RebalanceCoordinator {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return newRebalanceCoordinator(resolver, peers, options, &stats{})
}

func newRebalanceCoordinator(resolver *PlacementResolver, peers Peers, opts options, s *stats) *RebalanceCoordinator {
	return &RebalanceCoordinator{
		resolver: resolver,
		peers:    peers,
		options:  opts,
		stats:    s,
	}
}

// OnMembershipChange returns the hash ranges whose owner differs between
// old and next. Only the position tables are compared; the keyspace is
// never scanned.
func (c *RebalanceCoordinator) OnMembershipChange(old, next *RingSnapshot) []KeyRange {
	return diffRanges(old, next)
}

// Rebalance drives the migration from change.Old to change.New:
//  1. every changed range is marked migrating (reads stay on the old owner),
//  2. entries are copied from old to new owner, retrying with backoff,
//  3. each range flips to the new owner once copied or timed out.
//
// Joined nodes become Active and departed nodes are removed afterwards.
// The returned error wraps ErrMigrationIncomplete when some copy timed out.
func (c *RebalanceCoordinator) Rebalance(ctx context.Context, change Change) error {
	return c.run(ctx, c.prepare(change))
}

// plan is a membership change whose ranges are already marked migrating.
type plan struct {
	change    Change
	version   uint64
	ranges    []KeyRange
	transfers []transfer
}

// prepare computes the moved ranges and marks them migrating. It does not block.
func (c *RebalanceCoordinator) prepare(change Change) plan {
	var (
		version = change.New.Version()
		ranges  = c.OnMembershipChange(change.Old, change.New)
	)
	c.resolver.migrations.mark(version, ranges)

	return plan{
		change:    change,
		version:   version,
		ranges:    ranges,
		transfers: groupTransfers(ranges),
	}
}

// run copies and flips every transfer of p.
func (c *RebalanceCoordinator) run(ctx context.Context, p plan) error {
	var (
		failed []error
		mu     sync.Mutex
		wg     sync.WaitGroup
	)

	for _, t := range p.transfers {
		wg.Add(1)
		go func(t transfer) {
			defer wg.Done()

			if err := c.migrate(ctx, t); err != nil {
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}

			for _, r := range t.ranges {
				c.resolver.migrations.flip(p.version, r)
			}
		}(t)
	}
	wg.Wait()

	c.settle(p.change)

	if len(failed) > 0 {
		c.stats.migrationIncomplete.Add(uint64(len(failed)))
		c.options.logger.Warn("migration incomplete, routing flipped without a full copy",
			"version", p.version,
			"failed_transfers", len(failed),
			"transfers", len(p.transfers))
		return fmt.Errorf("%w: %d of %d transfers: %w", ErrMigrationIncomplete,
			len(failed), len(p.transfers), errors.Join(failed...))
	}

	c.options.logger.Info("migration complete",
		"version", p.version,
		"ranges", len(p.ranges),
		"transfers", len(p.transfers))
	return nil
}

// transfer is the set of ranges moving between one pair of nodes.
type transfer struct {
	from   string
	to     string
	ranges []KeyRange
}

func groupTransfers(ranges []KeyRange) []transfer {
	var byPair = make(map[[2]string]*transfer)
	var order [][2]string
	for _, r := range ranges {
		var pair = [2]string{r.From, r.To}
		var t, ok = byPair[pair]
		if !ok {
			t = &transfer{from: r.From, to: r.To}
			byPair[pair] = t
			order = append(order, pair)
		}
		t.ranges = append(t.ranges, r)
	}

	var transfers = make([]transfer, 0, len(order))
	for _, pair := range order {
		transfers = append(transfers, *byPair[pair])
	}
	return transfers
}

// migrate copies one transfer, retrying until it succeeds or the migration timeout elapses.
func (c *RebalanceCoordinator) migrate(ctx context.Context, t transfer) error {
	ctx, cancel := context.WithTimeout(ctx, c.options.migrationTimeout)
	defer cancel()

	var b = newBackoff(c.options.migrationBackoff, c.options.migrationTimeout/4)
	for {
		var copied, err = c.copy(ctx, t)
		if err == nil {
			c.stats.migrationCopies.Add(uint64(copied))
			return nil
		}

		c.stats.migrationFailures.Add(1)
		c.options.logger.Warn("migration copy failed, retrying",
			"from", t.from,
			"to", t.to,
			"ranges", len(t.ranges),
			"error", err)

		if sleepErr := b.sleep(ctx); sleepErr != nil {
			return fmt.Errorf("failed to migrate %s -> %s: %w", t.from, t.to, err)
		}
	}
}

// copy streams every entry of the transfer from the old owner's store into the new owner's.
func (c *RebalanceCoordinator) copy(ctx context.Context, t transfer) (int, error) {
	var registry = c.resolver.registry

	var from, ok = registry.Node(t.from)
	if !ok {
		return 0, fmt.Errorf("%w: source %s", ErrNodeNotFound, t.from)
	}
	to, ok := registry.Node(t.to)
	if !ok {
		return 0, fmt.Errorf("%w: destination %s", ErrNodeNotFound, t.to)
	}

	src, err := c.peers.Peer(from)
	if err != nil {
		return 0, fmt.Errorf("failed to reach %s: %w", from.ID, err)
	}
	dst, err := c.peers.Peer(to)
	if err != nil {
		return 0, fmt.Errorf("failed to reach %s: %w", to.ID, err)
	}

	var (
		copied  int
		putErr  error
		scanErr = src.Scan(ctx, t.ranges, func(entry CacheEntry) bool {
			if err := dst.Put(ctx, entry); err != nil {
				// The destination already saw a newer lock holder.
				if errors.Is(err, ErrStaleFencingToken) {
					return true
				}
				putErr = fmt.Errorf("failed to copy key %q to %s: %w", entry.Key, to.ID, err)
				return false
			}
			copied++
			return true
		})
	)
	if scanErr != nil {
		return copied, fmt.Errorf("failed to scan %s: %w", from.ID, scanErr)
	}
	return copied, putErr
}

// settle advances node lifecycles once a change has been fully routed.
func (c *RebalanceCoordinator) settle(change Change) {
	var registry = c.resolver.registry

	for _, node := range change.New.Nodes() {
		if _, existed := change.Old.Node(node.ID); !existed {
			registry.MarkActive(node.ID)
		}
	}

	for _, node := range change.Old.Nodes() {
		if _, stays := change.New.Node(node.ID); stays {
			continue
		}
		if registry.State(node.ID) != NodeLeaving {
			continue
		}
		registry.MarkRemoved(node.ID)
		if f, ok := c.peers.(forgetter); ok {
			f.Forget(node.ID)
		}
	}
}

// diffRanges compares two rings arc by arc. Between consecutive boundaries
// of the merged position tables neither ring changes owner, so the owner of
// an arc is the owner of its end boundary.
func diffRanges(old, next *RingSnapshot) []KeyRange {
	if old.Len() == 0 || next.Len() == 0 {
		return nil
	}

	var bounds = mergeBounds(old.positions, next.positions)

	var ranges []KeyRange
	for i, end := range bounds {
		var (
			start = bounds[(i-1+len(bounds))%len(bounds)]
			from  = old.ownerOf(end)
			to    = next.ownerOf(end)
		)
		if from == to {
			continue
		}

		if n := len(ranges); n > 0 && ranges[n-1].End == start &&
			ranges[n-1].From == from && ranges[n-1].To == to {
			ranges[n-1].End = end
			continue
		}
		ranges = append(ranges, KeyRange{Start: start, End: end, From: from, To: to})
	}

	// Join the arc that wraps past zero with its neighbour.
	if n := len(ranges); n > 1 {
		var first, last = ranges[0], ranges[n-1]
		if last.End == first.Start && last.From == first.From && last.To == first.To {
			ranges[0].Start = last.Start
			ranges = ranges[:n-1]
		}
	}

	return ranges
}

// mergeBounds returns the sorted union of both position hashes.
func mergeBounds(a, b []Position) []uint64 {
	var bounds = make([]uint64, 0, len(a)+len(b))
	var i, j int
	for i < len(a) || j < len(b) {
		var h uint64
		switch {
		case j >= len(b) || (i < len(a) && a[i].Hash < b[j].Hash):
			h = a[i].Hash
			i++
		case i >= len(a) || b[j].Hash < a[i].Hash:
			h = b[j].Hash
			j++
		default:
			h = a[i].Hash
			i++
			j++
		}
		if n := len(bounds); n == 0 || bounds[n-1] != h {
			bounds = append(bounds, h)
		}
	}
	return bounds
}
