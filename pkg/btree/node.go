package btree

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/index"
	"ridgedb/pkg/page"
)

// On-page node layout. The header is followed by the node body:
// leaves store numKeys fixed-size entry cells, internal nodes store
// numKeys key cells followed by numKeys+1 child page ids.
const (
	nodeTypeOffset = 0
	numKeysOffset  = 1
	nextLeafOffset = 3
	nodeHeaderSize = 16

	leafNodeType     byte = 1
	internalNodeType byte = 0

	keyCellSize = 2 + codec.MaxKeySize
	childSize   = 8
)

// Hard per-page capacity bounds. The runtime order may be configured
// lower but never higher than these.
const (
	maxLeafEntries  = (page.Size - nodeHeaderSize) / codec.CellSize
	maxInternalKeys = (page.Size - nodeHeaderSize - childSize) / (keyCellSize + childSize)
)

// maxOrder is the largest usable node order given the page layout.
func maxOrder() int {
	if maxLeafEntries < maxInternalKeys {
		return maxLeafEntries
	}
	return maxInternalKeys
}

// node is the in-memory form of a B+Tree node. Nodes are owned by the
// page store; the tree holds only page ids. Parent and sibling links are
// id lookups, never pointers, so the structure stays acyclic.
type node struct {
	id     page.ID
	isLeaf bool

	// mu is the node latch used for hand-over-hand locking. It protects
	// every field below.
	mu sync.RWMutex

	keys     [][]byte
	vals     [][]byte  // leaf only; vals[i] pairs with keys[i]
	children []page.ID // internal only; len(children) == len(keys)+1
	next     page.ID   // leaf only; right sibling in the leaf chain

	// pins counts fetchNode references not yet released; evicted marks a
	// node dropped from the cache while still pinned, removed from the
	// node table on final release.
	pins    int
	evicted bool
}

// numKeys returns the entry count. Caller must hold the latch.
func (n *node) numKeys() int {
	return len(n.keys)
}

// search returns the first index whose key is >= target, or numKeys if
// none is. Caller must hold the latch.
func (n *node) search(target []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return codec.Compare(n.keys[i], target) >= 0
	})
}

// childIndex returns the child slot to descend into for target.
// Caller must hold the latch on an internal node.
func (n *node) childIndex(target []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return codec.Compare(n.keys[i], target) > 0
	})
}

// encode serializes the node into a page-sized buffer.
// Caller must hold at least a read latch.
func (n *node) encode() []byte {
	buf := make([]byte, page.Size)
	if n.isLeaf {
		buf[nodeTypeOffset] = leafNodeType
	} else {
		buf[nodeTypeOffset] = internalNodeType
	}
	binary.BigEndian.PutUint16(buf[numKeysOffset:], uint16(len(n.keys)))
	binary.BigEndian.PutUint64(buf[nextLeafOffset:], uint64(n.next))
	off := nodeHeaderSize
	if n.isLeaf {
		for i := range n.keys {
			codec.PutCell(buf[off:off+codec.CellSize], n.keys[i], n.vals[i])
			off += codec.CellSize
		}
		return buf
	}
	for _, key := range n.keys {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(key)))
		copy(buf[off+2:off+keyCellSize], key)
		off += keyCellSize
	}
	for _, child := range n.children {
		binary.BigEndian.PutUint64(buf[off:], uint64(child))
		off += childSize
	}
	return buf
}

// decodeNode deserializes a page into a node, validating the structural
// invariants. A violation is reported as corruption.
func decodeNode(id page.ID, buf []byte) (*node, error) {
	if len(buf) < page.Size {
		return nil, fmt.Errorf("%w: node page %d truncated to %d bytes",
			index.ErrCorruption, id, len(buf))
	}
	n := &node{id: id, next: page.NoPage}
	switch buf[nodeTypeOffset] {
	case leafNodeType:
		n.isLeaf = true
	case internalNodeType:
		n.isLeaf = false
	default:
		return nil, fmt.Errorf("%w: node page %d has unknown type %d",
			index.ErrCorruption, id, buf[nodeTypeOffset])
	}
	numKeys := int(binary.BigEndian.Uint16(buf[numKeysOffset:]))
	n.next = page.ID(binary.BigEndian.Uint64(buf[nextLeafOffset:]))
	off := nodeHeaderSize
	if n.isLeaf {
		if numKeys > maxLeafEntries {
			return nil, fmt.Errorf("%w: leaf %d claims %d entries, page holds %d",
				index.ErrCorruption, id, numKeys, maxLeafEntries)
		}
		n.keys = make([][]byte, 0, numKeys)
		n.vals = make([][]byte, 0, numKeys)
		for i := 0; i < numKeys; i++ {
			key, val, err := codec.GetCell(buf[off : off+codec.CellSize])
			if err != nil {
				return nil, fmt.Errorf("leaf %d entry %d: %w", id, i, err)
			}
			n.keys = append(n.keys, key)
			n.vals = append(n.vals, val)
			off += codec.CellSize
		}
	} else {
		if numKeys > maxInternalKeys {
			return nil, fmt.Errorf("%w: internal node %d claims %d keys, page holds %d",
				index.ErrCorruption, id, numKeys, maxInternalKeys)
		}
		if numKeys == 0 {
			return nil, fmt.Errorf("%w: internal node %d has no keys", index.ErrCorruption, id)
		}
		n.keys = make([][]byte, 0, numKeys)
		for i := 0; i < numKeys; i++ {
			klen := int(binary.BigEndian.Uint16(buf[off:]))
			if klen > codec.MaxKeySize {
				return nil, fmt.Errorf("%w: internal node %d key %d length %d",
					index.ErrCorruption, id, i, klen)
			}
			key := make([]byte, klen)
			copy(key, buf[off+2:off+2+klen])
			n.keys = append(n.keys, key)
			off += keyCellSize
		}
		n.children = make([]page.ID, 0, numKeys+1)
		for i := 0; i <= numKeys; i++ {
			child := page.ID(binary.BigEndian.Uint64(buf[off:]))
			if child < 1 {
				return nil, fmt.Errorf("%w: internal node %d child %d is %d",
					index.ErrCorruption, id, i, child)
			}
			n.children = append(n.children, child)
			off += childSize
		}
	}
	// Keys must strictly increase within any node.
	for i := 1; i < len(n.keys); i++ {
		if codec.Compare(n.keys[i-1], n.keys[i]) >= 0 {
			return nil, fmt.Errorf("%w: node %d keys out of order at %d",
				index.ErrCorruption, id, i)
		}
	}
	return n, nil
}

// insertLeafEntry places key/value at position pos. Caller must hold the
// write latch and have verified pos via search.
func (n *node) insertLeafEntry(pos int, key, value []byte) {
	n.keys = append(n.keys, nil)
	copy(n.keys[pos+1:], n.keys[pos:])
	n.keys[pos] = key
	n.vals = append(n.vals, nil)
	copy(n.vals[pos+1:], n.vals[pos:])
	n.vals[pos] = value
}

// removeLeafEntry deletes the entry at pos. Caller must hold the write
// latch.
func (n *node) removeLeafEntry(pos int) {
	n.keys = append(n.keys[:pos], n.keys[pos+1:]...)
	n.vals = append(n.vals[:pos], n.vals[pos+1:]...)
}
