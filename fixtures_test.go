package cachering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errUnavailable = errors.New("unavailable")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingLocks is a coordination store that is always down.
type failingLocks struct{}

func (failingLocks) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, errUnavailable
}

func (failingLocks) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	return false, errUnavailable
}

// partitionedPeers fails to reach the listed nodes.
type partitionedPeers struct {
	*MemoryCluster
	down map[string]bool
}

func (p *partitionedPeers) Peer(node NodeMetadata) (NodeStore, error) {
	if p.down[node.ID] {
		return nil, fmt.Errorf("%w: %s", errUnavailable, node.ID)
	}
	return p.MemoryCluster.Peer(node)
}

// newTestNodes returns nodes n1..nN with weight 1.
func newTestNodes(n int) []NodeMetadata {
	var nodes = make([]NodeMetadata, n)
	for i := range nodes {
		var id = fmt.Sprintf("n%d", i+1)
		nodes[i] = NodeMetadata{ID: id, Address: id + ":7000", Weight: 1}
	}
	return nodes
}

// newTestOptions applies opts over the defaults.
func newTestOptions(opts ...Option) options {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
