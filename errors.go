package cachering

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableNodes is returned when a lookup runs against an empty ring.
	ErrNoAvailableNodes = errors.New("no available nodes")

	// ErrLockAcquisitionTimeout is logged when a waiter gave up on another holder and fetched directly.
	ErrLockAcquisitionTimeout = errors.New("lock acquisition timed out")

	// ErrOriginFetch matches every *OriginFetchError.
	ErrOriginFetch = errors.New("origin fetch failed")

	// ErrStaleRingVersion is returned when a caller pinned a ring version that has been superseded.
	ErrStaleRingVersion = errors.New("stale ring version")

	// ErrMigrationIncomplete is returned when some ranges were flipped before their copy finished.
	ErrMigrationIncomplete = errors.New("migration incomplete")

	// ErrNodeExists is returned when joining a node that is already a member.
	ErrNodeExists = errors.New("node already exists")

	// ErrNodeNotFound is returned when the node is not a live member.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidNode is returned for nodes with an empty ID or negative weight.
	ErrInvalidNode = errors.New("invalid node")

	// ErrStaleFencingToken is returned by a store rejecting a write from a superseded lock holder.
	ErrStaleFencingToken = errors.New("stale fencing token")

	// ErrLockNotHeld is returned when the presented holder token does not own the lock.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrNotStarted is returned when stopping a component that was never started.
	ErrNotStarted = errors.New("not started")

	// ErrInvalidClusterID is returned when the clusterID contains invalid characters
	ErrInvalidClusterID = errors.New("clusterID must contain only lowercase letters, numbers, and underscores, and start with a letter")
)

// OriginFetchError wraps an error returned by the origin.
type OriginFetchError struct {
	Key string
	Err error
}

func (e *OriginFetchError) Error() string {
	return fmt.Sprintf("origin fetch for key %q failed: %v", e.Key, e.Err)
}

func (e *OriginFetchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrOriginFetch) match.
func (e *OriginFetchError) Is(target error) bool {
	return target == ErrOriginFetch
}
