package btree

import (
	"ridgedb/pkg/codec"
	"ridgedb/pkg/index"
	"ridgedb/pkg/page"
)

// scanner is a lazy, forward-only iterator over the leaf chain. It holds
// at most one leaf latch at a time and buffers a copy of the current
// leaf's entries, so it never blocks writers for longer than one leaf
// visit. The sequence is restartable from the start but is not resumable
// mid-scan across concurrent structural mutation.
type scanner struct {
	t   *Index
	end []byte // inclusive upper bound; nil means unbounded

	keys [][]byte
	vals [][]byte
	pos  int

	nextLeaf page.ID
	key, val []byte
	err      error
	done     bool
}

// RangeScan returns an iterator yielding entries with start <= key <= end
// in key order. A nil start scans from the smallest key; a nil end scans
// to the largest.
func (t *Index) RangeScan(start, end []byte) (index.Iterator, error) {
	if t.closed.Load() {
		return nil, index.ErrClosed
	}
	if start != nil && end != nil && codec.Compare(start, end) > 0 {
		return nil, index.ErrInvalidArgument
	}
	s := &scanner{t: t, end: end, nextLeaf: page.NoPage}

	// Descend with shared latches to the leaf that would hold start.
	t.rootMu.RLock()
	n, err := t.fetchNode(t.rootID)
	if err != nil {
		t.rootMu.RUnlock()
		return nil, err
	}
	n.mu.RLock()
	t.rootMu.RUnlock()
	for !n.isLeaf {
		var childID page.ID
		if start == nil {
			childID = n.children[0]
		} else {
			childID = n.children[n.childIndex(start)]
		}
		child, err := t.fetchNode(childID)
		if err != nil {
			n.mu.RUnlock()
			t.releaseNode(n)
			return nil, err
		}
		child.mu.RLock()
		n.mu.RUnlock()
		t.releaseNode(n)
		n = child
	}
	from := 0
	if start != nil {
		from = n.search(start)
	}
	s.fillFromLeaf(n, from)
	n.mu.RUnlock()
	t.releaseNode(n)
	return s, nil
}

// fillFromLeaf copies the tail of a latched leaf into the scan buffer.
func (s *scanner) fillFromLeaf(n *node, from int) {
	s.keys = s.keys[:0]
	s.vals = s.vals[:0]
	for i := from; i < n.numKeys(); i++ {
		s.keys = append(s.keys, cloneBytes(n.keys[i]))
		s.vals = append(s.vals, cloneBytes(n.vals[i]))
	}
	s.pos = 0
	s.nextLeaf = n.next
}

// Next advances to the next entry, loading the next leaf in the chain
// when the buffered one is exhausted.
func (s *scanner) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.pos >= len(s.keys) {
		if s.nextLeaf == page.NoPage {
			s.done = true
			return false
		}
		n, err := s.t.fetchNode(s.nextLeaf)
		if err != nil {
			s.err = err
			return false
		}
		n.mu.RLock()
		s.fillFromLeaf(n, 0)
		n.mu.RUnlock()
		s.t.releaseNode(n)
	}
	key, val := s.keys[s.pos], s.vals[s.pos]
	s.pos++
	if s.end != nil && codec.Compare(key, s.end) > 0 {
		s.done = true
		return false
	}
	s.key, s.val = key, val
	return true
}

func (s *scanner) Key() []byte   { return s.key }
func (s *scanner) Value() []byte { return s.val }
func (s *scanner) Err() error    { return s.err }

func (s *scanner) Close() error {
	s.done = true
	s.keys, s.vals = nil, nil
	return nil
}

var _ index.Iterator = (*scanner)(nil)
