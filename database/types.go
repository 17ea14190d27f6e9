package database

import "time"

// LockRecord represents a stampede lock row. An empty Holder means the
// lock is free; the row is kept so FencingToken keeps counting.
type LockRecord struct {
	ClusterID    string
	LockKey      string
	Holder       string
	FencingToken int64
	ExpiresAt    time.Time
}

// MemberRecord represents a node's membership lease.
type MemberRecord struct {
	ClusterID string
	NodeID    string
	Address   string
	Weight    int
	ExpiresAt time.Time
}
