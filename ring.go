package cachering

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// RingSnapshot is an immutable, versioned materialization of the key-to-node
// mapping. Readers may hold a snapshot for as long as they like; membership
// changes publish a new one instead of mutating it.
type RingSnapshot struct {
	version   uint64
	positions []Position              // Sorted ascending by Hash, unique hashes
	nodes     map[string]NodeMetadata // Nodes present in positions
	vnodes    int                     // Virtual nodes per unit weight
}

// BuildRing creates a snapshot holding weight × vnodesPerWeight positions per node.
// The result depends only on the node set and weights, never on input order.
func BuildRing(nodes []NodeMetadata, vnodesPerWeight int, version uint64) *RingSnapshot {
	if vnodesPerWeight <= 0 {
		vnodesPerWeight = defaultOptions().vnodeCount
	}

	var sorted = make([]NodeMetadata, 0, len(nodes))
	var seen = make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if node.ID == "" || seen[node.ID] {
			continue
		}
		seen[node.ID] = true
		if node.Weight <= 0 {
			node.Weight = 1
		}
		sorted = append(sorted, node)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	var (
		snapshot = &RingSnapshot{
			version: version,
			nodes:   make(map[string]NodeMetadata, len(sorted)),
			vnodes:  vnodesPerWeight,
		}
		taken = make(map[uint64]bool)
	)

	for _, node := range sorted {
		snapshot.nodes[node.ID] = node

		for i := range node.Weight * vnodesPerWeight {
			// Collisions are resolved by reseeding in node-ID order, so every
			// process building the same membership picks the same salt.
			for salt := 0; ; salt++ {
				var (
					id   = vnodeID(node.ID, i, salt)
					hash = HashKey(id)
				)
				if taken[hash] {
					continue
				}
				taken[hash] = true
				snapshot.positions = append(snapshot.positions, Position{
					Hash:    hash,
					VNodeID: id,
					Owner:   node.ID,
				})
				break
			}
		}
	}

	sort.Slice(snapshot.positions, func(i, j int) bool {
		return snapshot.positions[i].Hash < snapshot.positions[j].Hash
	})

	return snapshot
}

// Version returns the membership version this snapshot was built for.
func (s *RingSnapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Len returns the number of virtual node positions.
func (s *RingSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.positions)
}

// Positions returns a copy of the sorted position table.
func (s *RingSnapshot) Positions() []Position {
	if s == nil {
		return nil
	}
	return append([]Position(nil), s.positions...)
}

// Nodes returns the nodes on the ring, sorted by ID.
func (s *RingSnapshot) Nodes() []NodeMetadata {
	if s == nil {
		return nil
	}
	var nodes = make([]NodeMetadata, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// Node returns the metadata of a node on the ring.
func (s *RingSnapshot) Node(id string) (NodeMetadata, bool) {
	if s == nil {
		return NodeMetadata{}, false
	}
	var node, ok = s.nodes[id]
	return node, ok
}

// Locate returns the owner of key and up to replicationFactor-1 distinct
// replica nodes found walking clockwise from the owner.
func (s *RingSnapshot) Locate(key string, replicationFactor int) (NodeMetadata, []NodeMetadata, error) {
	return s.locateHash(HashKey(key), replicationFactor)
}

func (s *RingSnapshot) locateHash(hash uint64, replicationFactor int) (NodeMetadata, []NodeMetadata, error) {
	if s.Len() == 0 {
		return NodeMetadata{}, nil, ErrNoAvailableNodes
	}

	var (
		idx   = s.search(hash)
		owner = s.nodes[s.positions[idx].Owner]
	)

	if replicationFactor <= 1 || len(s.nodes) == 1 {
		return owner, nil, nil
	}

	var (
		want     = min(replicationFactor, len(s.nodes)) - 1
		replicas = make([]NodeMetadata, 0, want)
		seen     = map[string]bool{owner.ID: true}
	)
	for i := 1; i < len(s.positions) && len(replicas) < want; i++ {
		var p = s.positions[(idx+i)%len(s.positions)]
		if seen[p.Owner] {
			continue
		}
		seen[p.Owner] = true
		replicas = append(replicas, s.nodes[p.Owner])
	}

	return owner, replicas, nil
}

// ownerOf returns the owning node ID for a hash, or "" on an empty ring.
func (s *RingSnapshot) ownerOf(hash uint64) string {
	if s.Len() == 0 {
		return ""
	}
	return s.positions[s.search(hash)].Owner
}

// search returns the index of the first position >= hash, wrapping to 0.
func (s *RingSnapshot) search(hash uint64) int {
	var idx = sort.Search(len(s.positions), func(i int) bool {
		return s.positions[i].Hash >= hash
	})
	if idx == len(s.positions) {
		return 0
	}
	return idx
}

// shares returns the fraction of hash space owned by each node.
func (s *RingSnapshot) shares() map[string]float64 {
	var shares = make(map[string]float64, len(s.nodes))
	if s.Len() == 0 {
		return shares
	}
	if len(s.positions) == 1 {
		shares[s.positions[0].Owner] = 1
		return shares
	}

	for i, p := range s.positions {
		var prev = s.positions[(i-1+len(s.positions))%len(s.positions)]
		// Unsigned subtraction wraps, so the first arc needs no special case.
		shares[p.Owner] += float64(p.Hash-prev.Hash) / math.MaxUint64
	}
	return shares
}

// String returns a visual representation of the ring state.
func (s *RingSnapshot) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Ring version: %d\n", s.Version()))
	b.WriteString(fmt.Sprintf("Nodes: %d | VNodes: %d\n", len(s.Nodes()), s.Len()))

	if s.Len() == 0 {
		b.WriteString("\n[Empty Ring]\n")
		return b.String()
	}

	var shares = s.shares()

	b.WriteString("\nNode Summary:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")
	for _, node := range s.Nodes() {
		var vnodes = node.Weight * s.vnodes
		b.WriteString(fmt.Sprintf("│ %-15s  %-21s  w:%-2d  vnodes: %-4d  %5.1f%%\n",
			node.ID, node.Address, node.Weight, vnodes, shares[node.ID]*100))
	}
	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	return b.String()
}
