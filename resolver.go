package cachering

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PlacementResolver answers "which node owns this key" against the
// registry's current snapshot.
type PlacementResolver struct {
	registry          *NodeRegistry
	replicationFactor int
	migrations        *migrationTable
}

// NewPlacementResolver creates a resolver over registry.
func NewPlacementResolver(registry *NodeRegistry, replicationFactor int) *PlacementResolver {
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	return &PlacementResolver{
		registry:          registry,
		replicationFactor: replicationFactor,
		migrations:        newMigrationTable(),
	}
}

// Locate returns the owner and replicas of key on the current snapshot.
// Two lookups that report the same Version always agree on the owner.
func (p *PlacementResolver) Locate(key string) (Placement, error) {
	return p.locate(p.registry.CurrentSnapshot(), key)
}

// LocateAt is Locate for a caller pinned to version. It fails with
// ErrStaleRingVersion once a newer snapshot has been published.
func (p *PlacementResolver) LocateAt(key string, version uint64) (Placement, error) {
	var snapshot = p.registry.CurrentSnapshot()
	if snapshot.Version() != version {
		return Placement{}, fmt.Errorf("%w: pinned %d, current %d", ErrStaleRingVersion, version, snapshot.Version())
	}
	return p.locate(snapshot, key)
}

// Route is Locate adjusted for in-flight migrations: while the key's range
// is still being copied, reads stay on the previous owner and writes go to
// both owners.
func (p *PlacementResolver) Route(key string) (Route, error) {
	var (
		snapshot       = p.registry.CurrentSnapshot()
		placement, err = p.locate(snapshot, key)
	)
	if err != nil {
		return Route{}, err
	}

	var route = Route{
		Placement: placement,
		ReadFrom:  placement.Owner,
		WriteTo:   []NodeMetadata{placement.Owner},
	}

	var r, migrating = p.migrations.lookup(HashKey(key), placement.Owner.ID)
	if !migrating {
		return route, nil
	}

	var previous, ok = p.registry.Node(r.From)
	if !ok {
		return route, nil
	}

	// Dual writes stand in for fencing against the old owner: both copies
	// see every write, and last-write-wins by version keeps them in step.
	route.Migrating = true
	route.ReadFrom = previous
	route.WriteTo = []NodeMetadata{previous, placement.Owner}
	return route, nil
}

func (p *PlacementResolver) locate(snapshot *RingSnapshot, key string) (Placement, error) {
	var owner, replicas, err = snapshot.Locate(key, p.replicationFactor)
	if err != nil {
		return Placement{}, err
	}
	return Placement{
		Owner:    owner,
		Replicas: replicas,
		Version:  snapshot.Version(),
	}, nil
}

// migrationTable holds the ranges currently migrating. Readers load an
// immutable slice; writers replace it under mu.
type migrationTable struct {
	mu     sync.Mutex
	ranges atomic.Pointer[[]migratingRange]
}

// migratingRange is a range tagged with the ring version that produced it.
type migratingRange struct {
	KeyRange
	version uint64
}

func newMigrationTable() *migrationTable {
	var t = &migrationTable{}
	t.ranges.Store(&[]migratingRange{})
	return t
}

// mark registers ranges as migrating for version.
func (t *migrationTable) mark(version uint64, ranges []KeyRange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		current = *t.ranges.Load()
		next    = make([]migratingRange, 0, len(current)+len(ranges))
	)
	// Newest first, so lookups prefer the latest transition.
	for _, r := range ranges {
		next = append(next, migratingRange{KeyRange: r, version: version})
	}
	next = append(next, current...)
	t.ranges.Store(&next)
}

// flip removes a single range, routing its keys to the new owner.
func (t *migrationTable) flip(version uint64, r KeyRange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		current = *t.ranges.Load()
		next    = make([]migratingRange, 0, len(current))
	)
	for _, m := range current {
		if m.version == version && m.KeyRange == r {
			continue
		}
		next = append(next, m)
	}
	t.ranges.Store(&next)
}

// lookup returns the newest migrating range containing hash whose target
// is the current owner.
func (t *migrationTable) lookup(hash uint64, owner string) (KeyRange, bool) {
	for _, m := range *t.ranges.Load() {
		if m.To == owner && m.Contains(hash) {
			return m.KeyRange, true
		}
	}
	return KeyRange{}, false
}

// pending returns the number of ranges still migrating.
func (t *migrationTable) pending() int {
	return len(*t.ranges.Load())
}
