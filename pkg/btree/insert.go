package btree

import (
	"ridgedb/pkg/codec"
	"ridgedb/pkg/index"
	"ridgedb/pkg/page"
)

// crab tracks the exclusively latched path of a write descent, root-most
// first. Ancestors are dropped as soon as the current node is known to
// absorb the change without splitting or merging.
type crab struct {
	t          *Index
	nodes      []*node
	rootLocked bool
}

func (c *crab) push(n *node) {
	c.nodes = append(c.nodes, n)
}

// unlockRoot releases the virtual root-parent latch once the root is
// known to be structurally safe.
func (c *crab) unlockRoot() {
	if c.rootLocked {
		c.t.rootMu.Unlock()
		c.rootLocked = false
	}
}

// releaseAncestors unlatches and unpins every node gathered so far.
// Called when the newly latched child is structurally safe.
func (c *crab) releaseAncestors() {
	for _, n := range c.nodes {
		n.mu.Unlock()
		c.t.releaseNode(n)
	}
	c.nodes = c.nodes[:0]
	c.unlockRoot()
}

// finish unwinds everything still latched, leaf-most first.
func (c *crab) finish() {
	for i := len(c.nodes) - 1; i >= 0; i-- {
		c.nodes[i].mu.Unlock()
		c.t.releaseNode(c.nodes[i])
	}
	c.nodes = nil
	c.unlockRoot()
}

// cloneBytes detaches a caller-owned slice.
func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Insert stores a key-value entry, overwriting any existing value for
// the key. Full leaves split lazily at the median; a root split grows
// the tree by one level.
func (t *Index) Insert(key, value []byte) error {
	if t.closed.Load() {
		return index.ErrClosed
	}
	if err := codec.Validate(key, value); err != nil {
		return err
	}
	key, value = cloneBytes(key), cloneBytes(value)
	// Read the order exactly once per descent. A stale re-read during
	// the descent could split sibling nodes against different capacities.
	order := int(t.order.Load())

	c := &crab{t: t, rootLocked: true}
	defer c.finish()
	t.rootMu.Lock()
	n, err := t.fetchNode(t.rootID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	c.push(n)
	if n.numKeys() < order {
		// Root cannot split; the root id is stable for this descent.
		c.unlockRoot()
	}

	for !n.isLeaf {
		childID := n.children[n.childIndex(key)]
		child, err := t.fetchNode(childID)
		if err != nil {
			return err
		}
		child.mu.Lock()
		if child.numKeys() < order {
			c.releaseAncestors()
		}
		c.push(child)
		n = child
	}

	pos := n.search(key)
	if pos < n.numKeys() && codec.Compare(n.keys[pos], key) == 0 {
		// Duplicate insert overwrites.
		n.vals[pos] = value
		return t.writeNode(n)
	}
	n.insertLeafEntry(pos, key, value)
	if n.numKeys() <= order {
		return t.writeNode(n)
	}
	return t.splitUp(c, order)
}

// splitUp splits the overflowing tail of the latched path, promoting
// median keys until a parent absorbs the split or the root divides.
func (t *Index) splitUp(c *crab, order int) error {
	for i := len(c.nodes) - 1; i >= 0; i-- {
		cur := c.nodes[i]
		sep, right, err := t.splitNode(cur)
		if err != nil {
			return err
		}

		if i == 0 {
			// The root split; grow the tree by one level. rootMu is still
			// held exclusively because the root was never marked safe.
			newRoot, err := t.allocNode(false)
			if err != nil {
				t.releaseNode(right)
				return err
			}
			newRoot.keys = [][]byte{sep}
			newRoot.children = []page.ID{cur.id, right.id}
			err = t.writeNode(newRoot)
			if err == nil {
				t.rootID = newRoot.id
				err = t.writeMeta()
			}
			t.releaseNode(newRoot)
			t.releaseNode(right)
			return err
		}

		parent := c.nodes[i-1]
		pos := parent.search(sep)
		parent.keys = append(parent.keys, nil)
		copy(parent.keys[pos+1:], parent.keys[pos:])
		parent.keys[pos] = sep
		parent.children = append(parent.children, 0)
		copy(parent.children[pos+2:], parent.children[pos+1:])
		parent.children[pos+1] = right.id
		t.releaseNode(right)

		if parent.numKeys() <= order {
			return t.writeNode(parent)
		}
		// Parent overflows too; the next iteration splits it, and
		// splitNode persists both halves.
	}
	return nil
}

// splitNode divides cur at the median into cur and a fresh right
// sibling, returning the separator key to promote. The right node is
// pinned but not latched: it is unreachable until the latched parent
// links it. Both halves are written through before returning.
func (t *Index) splitNode(cur *node) ([]byte, *node, error) {
	right, err := t.allocNode(cur.isLeaf)
	if err != nil {
		return nil, nil, err
	}
	var sep []byte
	if cur.isLeaf {
		mid := cur.numKeys() / 2
		right.keys = append(right.keys, cur.keys[mid:]...)
		right.vals = append(right.vals, cur.vals[mid:]...)
		cur.keys = cur.keys[:mid:mid]
		cur.vals = cur.vals[:mid:mid]
		right.next = cur.next
		cur.next = right.id
		sep = cloneBytes(right.keys[0])
	} else {
		mid := cur.numKeys() / 2
		sep = cur.keys[mid]
		right.keys = append(right.keys, cur.keys[mid+1:]...)
		right.children = append(right.children, cur.children[mid+1:]...)
		cur.keys = cur.keys[:mid:mid]
		cur.children = cur.children[: mid+1 : mid+1]
	}
	if err := t.writeNode(right); err != nil {
		t.releaseNode(right)
		return nil, nil, err
	}
	if err := t.writeNode(cur); err != nil {
		t.releaseNode(right)
		return nil, nil, err
	}
	return sep, right, nil
}
