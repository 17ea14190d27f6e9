package cachering

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// NodeRegistry tracks the live node set and publishes a new RingSnapshot on
// every membership change. Writers are serialized; readers load the
// published pointer and never block.
type NodeRegistry struct {
	mu       sync.Mutex // Serializes membership writers
	snapshot atomic.Pointer[RingSnapshot]
	members  map[string]*member // Includes leaving nodes until they are removed
	version  uint64
	vnodes   int
	logger   *slog.Logger
}

// member is a registry entry for one node.
type member struct {
	meta  NodeMetadata
	state NodeState
}

// Member is a read-only view of a registry entry.
type Member struct {
	Node  NodeMetadata
	State NodeState
}

// NewNodeRegistry creates an empty registry publishing version 0.
func NewNodeRegistry(vnodesPerWeight int, logger *slog.Logger) *NodeRegistry {
	if logger == nil {
		logger = defaultOptions().logger
	}

	var r = &NodeRegistry{
		members: make(map[string]*member),
		vnodes:  vnodesPerWeight,
		logger:  logger,
	}
	r.snapshot.Store(BuildRing(nil, vnodesPerWeight, 0))
	return r
}

// CurrentSnapshot returns the latest published snapshot.
func (r *NodeRegistry) CurrentSnapshot() *RingSnapshot {
	return r.snapshot.Load()
}

// Join adds a node in the Joining state and publishes a ring that includes it.
func (r *NodeRegistry) Join(node NodeMetadata) (Change, error) {
	if node.ID == "" {
		return Change{}, fmt.Errorf("%w: empty node ID", ErrInvalidNode)
	}
	if node.Weight < 0 {
		return Change{}, fmt.Errorf("%w: negative weight %d for node %s", ErrInvalidNode, node.Weight, node.ID)
	}
	if node.Weight == 0 {
		node.Weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.members[node.ID]; ok {
		return Change{}, fmt.Errorf("%w: %s is %s", ErrNodeExists, node.ID, existing.state)
	}

	node.JoinedAtVersion = r.version + 1
	r.members[node.ID] = &member{meta: node, state: NodeJoining}

	var change = r.publish()
	r.logger.Info("node joined",
		"node_id", node.ID,
		"address", node.Address,
		"weight", node.Weight,
		"version", change.New.Version())
	return change, nil
}

// Leave moves a node to the Leaving state and publishes a ring without it.
// The node stays resolvable through Node until MarkRemoved is called, so its
// keys can be drained.
func (r *NodeRegistry) Leave(nodeID string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var m, ok = r.members[nodeID]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if m.state == NodeLeaving {
		return Change{}, fmt.Errorf("%w: %s is already leaving", ErrNodeNotFound, nodeID)
	}

	m.state = NodeLeaving

	var change = r.publish()
	r.logger.Info("node leaving",
		"node_id", nodeID,
		"version", change.New.Version())
	return change, nil
}

// MarkActive moves a Joining node to Active. Other states are left alone.
func (r *NodeRegistry) MarkActive(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[nodeID]; ok && m.state == NodeJoining {
		m.state = NodeActive
		r.logger.Info("node active", "node_id", nodeID)
	}
}

// MarkRemoved drops a Leaving node from the registry once it has drained.
func (r *NodeRegistry) MarkRemoved(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[nodeID]; ok && m.state == NodeLeaving {
		delete(r.members, nodeID)
		r.logger.Info("node removed", "node_id", nodeID)
	}
}

// State returns the lifecycle state of a node. Unknown nodes report Removed.
func (r *NodeRegistry) State(nodeID string) NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[nodeID]; ok {
		return m.state
	}
	return NodeRemoved
}

// Node returns the metadata of any registered node, including leaving ones.
func (r *NodeRegistry) Node(nodeID string) (NodeMetadata, bool) {
	if node, ok := r.CurrentSnapshot().Node(nodeID); ok {
		return node, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[nodeID]; ok {
		return m.meta, true
	}
	return NodeMetadata{}, false
}

// Members returns every registered node sorted by ID.
func (r *NodeRegistry) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	var members = make([]Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, Member{Node: m.meta, State: m.state})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Node.ID < members[j].Node.ID
	})
	return members
}

// publish rebuilds the ring from Joining and Active members and swaps it in.
// Must be called with lock held.
func (r *NodeRegistry) publish() Change {
	var nodes = make([]NodeMetadata, 0, len(r.members))
	for _, m := range r.members {
		if m.state == NodeJoining || m.state == NodeActive {
			nodes = append(nodes, m.meta)
		}
	}

	r.version++
	var (
		old  = r.snapshot.Load()
		next = BuildRing(nodes, r.vnodes, r.version)
	)
	r.snapshot.Store(next)

	return Change{Old: old, New: next}
}
