package cachering

import (
	"time"
)

// NodeState is the lifecycle state of a node in the registry.
type NodeState int

const (
	NodeJoining NodeState = iota
	NodeActive
	NodeLeaving
	NodeRemoved
)

// String returns the string representation of NodeState.
func (s NodeState) String() string {
	switch s {
	case NodeJoining:
		return "JOINING"
	case NodeActive:
		return "ACTIVE"
	case NodeLeaving:
		return "LEAVING"
	case NodeRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// NodeMetadata describes a physical cache node.
type NodeMetadata struct {
	ID              string
	Address         string
	Weight          int
	JoinedAtVersion uint64
}

// Position is a single virtual node placement on the ring.
type Position struct {
	Hash    uint64
	VNodeID string
	Owner   string
}

// CacheEntry is a cached value held at its owning node.
type CacheEntry struct {
	Key           string
	Value         []byte
	ExpiresAt     time.Time // zero => no TTL
	SoftExpiresAt time.Time // zero => never refreshed ahead
	Version       uint64
	FencingToken  uint64
}

// expired reports whether the entry passed its hard TTL.
func (e CacheEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// stale reports whether the entry passed its soft TTL but is still servable.
func (e CacheEntry) stale(now time.Time) bool {
	return !e.SoftExpiresAt.IsZero() && now.After(e.SoftExpiresAt) && !e.expired(now)
}

// KeyRange is the arc (Start, End] of hash space whose owner changes from
// From to To. An arc with Start > End wraps past zero; Start == End covers
// the whole ring.
type KeyRange struct {
	Start uint64
	End   uint64
	From  string
	To    string
}

// Contains reports whether hash falls inside the range.
func (r KeyRange) Contains(hash uint64) bool {
	switch {
	case r.Start == r.End:
		return true
	case r.Start < r.End:
		return hash > r.Start && hash <= r.End
	default:
		return hash > r.Start || hash <= r.End
	}
}

// Placement is the result of locating a key on a ring snapshot.
type Placement struct {
	Owner    NodeMetadata
	Replicas []NodeMetadata
	Version  uint64
}

// Route is a migration-aware placement: reads go to ReadFrom and writes to
// every node in WriteTo. Outside a migration both name the ring owner.
type Route struct {
	Placement
	ReadFrom  NodeMetadata
	WriteTo   []NodeMetadata
	Migrating bool
}

// LockRecord is a stampede lock held in a coordination store.
type LockRecord struct {
	Key          string
	HolderToken  string
	FencingToken uint64
	ExpiresAt    time.Time
}

// Change is a membership transition published by the registry.
type Change struct {
	Old *RingSnapshot
	New *RingSnapshot
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits                uint64
	Misses              uint64
	StaleServes         uint64
	OriginFetches       uint64
	LockTimeouts        uint64
	DegradedFetches     uint64
	CoordinationErrors  uint64
	MigrationCopies     uint64
	MigrationFailures   uint64
	MigrationIncomplete uint64
}
