package cachering

import (
	"sync"
	"time"
)

// Peers resolves a node to the store holding its share of the cache.
// Implementations decide whether that store is local or reached over the network.
type Peers interface {
	Peer(node NodeMetadata) (NodeStore, error)
}

// forgetter is implemented by Peers that hold per-node resources.
type forgetter interface {
	Forget(nodeID string)
}

// sweeper is implemented by Peers whose stores need periodic expiry.
type sweeper interface {
	Sweep(now time.Time, tombstoneTTL time.Duration) int
}

// MemoryCluster keeps one MemoryStore per node in-process.
type MemoryCluster struct {
	mu       sync.Mutex
	stores   map[string]*MemoryStore
	capacity int
	now      func() time.Time
}

// NewMemoryCluster creates a cluster whose stores each hold up to capacity entries.
func NewMemoryCluster(capacity int) *MemoryCluster {
	return &MemoryCluster{
		stores:   make(map[string]*MemoryStore),
		capacity: capacity,
		now:      time.Now,
	}
}

// Peer returns the node's store, creating it on first use.
func (c *MemoryCluster) Peer(node NodeMetadata) (NodeStore, error) {
	return c.store(node.ID), nil
}

// Store returns the store of a node, if one was created.
func (c *MemoryCluster) Store(nodeID string) (*MemoryStore, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var store, ok = c.stores[nodeID]
	return store, ok
}

// Forget drops the store of a removed node.
func (c *MemoryCluster) Forget(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.stores, nodeID)
}

// Sweep expires entries in every store.
func (c *MemoryCluster) Sweep(now time.Time, tombstoneTTL time.Duration) int {
	c.mu.Lock()
	var stores = make([]*MemoryStore, 0, len(c.stores))
	for _, store := range c.stores {
		stores = append(stores, store)
	}
	c.mu.Unlock()

	var removed int
	for _, store := range stores {
		removed += store.Sweep(now, tombstoneTTL)
	}
	return removed
}

func (c *MemoryCluster) store(nodeID string) *MemoryStore {
	c.mu.Lock()
	defer c.mu.Unlock()

	var store, ok = c.stores[nodeID]
	if !ok {
		store = NewMemoryStore(c.capacity, nil)
		store.now = c.now
		c.stores[nodeID] = store
	}
	return store
}
