package cachering

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashKey returns the ring position of a cache key.
// Stores use it to decide whether a key belongs to a KeyRange.
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// vnodeID names the index-th virtual node of a node. A non-zero salt is
// appended when an earlier attempt collided with another virtual node.
func vnodeID(nodeID string, index, salt int) string {
	if salt == 0 {
		return fmt.Sprintf("%s:%d", nodeID, index)
	}
	return fmt.Sprintf("%s:%d#%d", nodeID, index, salt)
}
