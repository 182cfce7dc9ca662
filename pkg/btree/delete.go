package btree

import (
	"fmt"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/index"
	"ridgedb/pkg/page"
)

// Delete removes the entry for key. Underfull nodes are rebalanced:
// entries are borrowed from a sibling with spare capacity when possible,
// otherwise the node merges with a sibling and the underflow propagates
// upward. An internal root left with a single child collapses, shrinking
// the tree by one level. Deleting an absent key is a no-op.
func (t *Index) Delete(key []byte) error {
	if t.closed.Load() {
		return index.ErrClosed
	}
	if err := codec.Validate(key, nil); err != nil {
		return err
	}
	order := int(t.order.Load())
	minEntries := order / 2

	c := &crab{t: t, rootLocked: true}
	defer c.finish()
	t.rootMu.Lock()
	n, err := t.fetchNode(t.rootID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	c.push(n)
	// A leaf root never moves; an internal root only collapses when a
	// merge removes its last separator key.
	if n.isLeaf || n.numKeys() >= 2 {
		c.unlockRoot()
	}

	for !n.isLeaf {
		childID := n.children[n.childIndex(key)]
		child, err := t.fetchNode(childID)
		if err != nil {
			return err
		}
		child.mu.Lock()
		if child.numKeys() > minEntries {
			c.releaseAncestors()
		}
		c.push(child)
		n = child
	}

	pos := n.search(key)
	if pos >= n.numKeys() || codec.Compare(n.keys[pos], key) != 0 {
		return nil
	}
	n.removeLeafEntry(pos)
	if len(c.nodes) == 1 || n.numKeys() >= minEntries {
		return t.writeNode(n)
	}
	return t.rebalanceUp(c, minEntries)
}

// rebalanceUp restores minimum occupancy along the latched path after a
// removal, leaf-most first. Every node on the path below the first safe
// ancestor is exclusively latched, so siblings reached through a latched
// parent cannot be entered by any other descent.
func (t *Index) rebalanceUp(c *crab, minEntries int) error {
	for i := len(c.nodes) - 1; i > 0; i-- {
		cur := c.nodes[i]
		if cur.numKeys() >= minEntries {
			return t.writeNode(cur)
		}
		parent := c.nodes[i-1]
		pos, err := childSlot(parent, cur.id)
		if err != nil {
			return err
		}

		merged, err := t.borrowOrMerge(parent, cur, pos, minEntries)
		if err != nil {
			return err
		}
		if !merged {
			return nil
		}
		// A merge consumed a separator from the parent; the parent may
		// now underflow in turn.
	}

	// Path exhausted at the root (rootMu still held, or the root was
	// safe and never latched past).
	root := c.nodes[0]
	if !root.isLeaf && root.numKeys() == 0 {
		// Single-child internal root: the tree shrinks by one level.
		childID := root.children[0]
		t.rootID = childID
		if err := t.writeMeta(); err != nil {
			return err
		}
		// Detach the old root from the stack before freeing so finish()
		// does not touch a freed page's bookkeeping twice.
		return t.freeNode(root)
	}
	return t.writeNode(root)
}

// childSlot locates the slot of child within parent.children.
func childSlot(parent *node, child page.ID) (int, error) {
	for i, id := range parent.children {
		if id == child {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: node %d missing from parent %d", index.ErrCorruption, child, parent.id)
}

// borrowOrMerge fixes the underfull child at parent.children[pos].
// It prefers redistribution from a sibling with spare entries and falls
// back to merging. Returns true if a merge removed a separator from the
// parent. All touched nodes are written through before returning.
func (t *Index) borrowOrMerge(parent, cur *node, pos, minEntries int) (merged bool, err error) {
	// Prefer the left sibling, matching the leaf-chain direction so leaf
	// merges never have to rewire a predecessor's next pointer.
	if pos > 0 {
		left, err := t.fetchNode(parent.children[pos-1])
		if err != nil {
			return false, err
		}
		left.mu.Lock()
		defer func() {
			left.mu.Unlock()
			t.releaseNode(left)
		}()
		if left.numKeys() > minEntries {
			t.borrowFromLeft(parent, left, cur, pos)
			return false, t.writeAll(left, cur, parent)
		}
		if err := t.mergeIntoLeft(parent, left, cur, pos); err != nil {
			return false, err
		}
		return true, nil
	}

	right, err := t.fetchNode(parent.children[pos+1])
	if err != nil {
		return false, err
	}
	right.mu.Lock()
	defer func() {
		right.mu.Unlock()
		t.releaseNode(right)
	}()
	if right.numKeys() > minEntries {
		t.borrowFromRight(parent, cur, right, pos)
		return false, t.writeAll(right, cur, parent)
	}
	if err := t.mergeFromRight(parent, cur, right, pos); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Index) writeAll(nodes ...*node) error {
	for _, n := range nodes {
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

// borrowFromLeft shifts the left sibling's last entry into cur and
// refreshes the separator at parent.keys[pos-1].
func (t *Index) borrowFromLeft(parent, left, cur *node, pos int) {
	last := left.numKeys() - 1
	if cur.isLeaf {
		cur.insertLeafEntry(0, left.keys[last], left.vals[last])
		left.removeLeafEntry(last)
		parent.keys[pos-1] = cloneBytes(cur.keys[0])
		return
	}
	// Rotate through the parent separator.
	cur.keys = append([][]byte{parent.keys[pos-1]}, cur.keys...)
	cur.children = append([]page.ID{left.children[last+1]}, cur.children...)
	parent.keys[pos-1] = left.keys[last]
	left.keys = left.keys[:last]
	left.children = left.children[:last+1]
}

// borrowFromRight shifts the right sibling's first entry into cur and
// refreshes the separator at parent.keys[pos].
func (t *Index) borrowFromRight(parent, cur, right *node, pos int) {
	if cur.isLeaf {
		cur.insertLeafEntry(cur.numKeys(), right.keys[0], right.vals[0])
		right.removeLeafEntry(0)
		parent.keys[pos] = cloneBytes(right.keys[0])
		return
	}
	cur.keys = append(cur.keys, parent.keys[pos])
	cur.children = append(cur.children, right.children[0])
	parent.keys[pos] = right.keys[0]
	right.keys = right.keys[1:]
	right.children = right.children[1:]
}

// mergeIntoLeft folds cur into its left sibling and drops the separator
// at parent.keys[pos-1]. cur's page is freed.
func (t *Index) mergeIntoLeft(parent, left, cur *node, pos int) error {
	if cur.isLeaf {
		left.keys = append(left.keys, cur.keys...)
		left.vals = append(left.vals, cur.vals...)
		left.next = cur.next
	} else {
		left.keys = append(left.keys, parent.keys[pos-1])
		left.keys = append(left.keys, cur.keys...)
		left.children = append(left.children, cur.children...)
	}
	parent.keys = append(parent.keys[:pos-1], parent.keys[pos:]...)
	parent.children = append(parent.children[:pos], parent.children[pos+1:]...)
	if err := t.writeAll(left, parent); err != nil {
		return err
	}
	return t.freeNode(cur)
}

// mergeFromRight folds the right sibling into cur and drops the
// separator at parent.keys[pos]. The right page is freed.
func (t *Index) mergeFromRight(parent, cur, right *node, pos int) error {
	if cur.isLeaf {
		cur.keys = append(cur.keys, right.keys...)
		cur.vals = append(cur.vals, right.vals...)
		cur.next = right.next
	} else {
		cur.keys = append(cur.keys, parent.keys[pos])
		cur.keys = append(cur.keys, right.keys...)
		cur.children = append(cur.children, right.children...)
	}
	parent.keys = append(parent.keys[:pos], parent.keys[pos+1:]...)
	parent.children = append(parent.children[:pos+1], parent.children[pos+2:]...)
	if err := t.writeAll(cur, parent); err != nil {
		return err
	}
	return t.freeNode(right)
}
