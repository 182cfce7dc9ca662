package lsm

import (
	"container/heap"

	"ridgedb/pkg/codec"
)

// mergeStream is one sorted input to a k-way merge. rank orders streams
// by recency: lower rank shadows higher rank for equal keys, so the
// memtable is rank 0, newer segments rank lower than older ones.
type mergeStream struct {
	rank int

	// Exactly one of the two backings is set.
	segIter *segmentIter

	memKeys  [][]byte
	memVals  [][]byte
	memTombs []bool
	memPos   int

	key, val []byte
	tomb     bool
	err      error
}

func (m *mergeStream) advance() bool {
	if m.segIter != nil {
		if !m.segIter.next() {
			m.err = m.segIter.err
			return false
		}
		m.key, m.val, m.tomb = m.segIter.key, m.segIter.val, m.segIter.tomb
		return true
	}
	if m.memPos >= len(m.memKeys) {
		return false
	}
	m.key = m.memKeys[m.memPos]
	m.val = m.memVals[m.memPos]
	m.tomb = m.memTombs[m.memPos]
	m.memPos++
	return true
}

// mergeHeap orders streams by (current key, rank).
type mergeHeap []*mergeStream

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := codec.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*mergeStream)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIterator yields the newest version of each key across all input
// streams in key order. Older versions of a key are suppressed; whether
// tombstones are emitted is the caller's choice (compaction keeps them
// until the bottom level, scans never see them).
type mergeIterator struct {
	h              mergeHeap
	end            []byte // inclusive; nil means unbounded
	emitTombstones bool

	lastKey  []byte
	haveLast bool
	key, val []byte
	tomb     bool
	err      error
	done     bool
}

func newMergeIterator(streams []*mergeStream, end []byte, emitTombstones bool) *mergeIterator {
	it := &mergeIterator{end: end, emitTombstones: emitTombstones}
	for _, s := range streams {
		if s.advance() {
			it.h = append(it.h, s)
		} else if s.err != nil {
			it.err = s.err
		}
	}
	heap.Init(&it.h)
	return it
}

func (it *mergeIterator) next() bool {
	if it.done || it.err != nil {
		return false
	}
	for it.h.Len() > 0 {
		top := it.h[0]
		key, val, tomb := top.key, top.val, top.tomb
		if top.advance() {
			heap.Fix(&it.h, 0)
		} else {
			if top.err != nil {
				it.err = top.err
				return false
			}
			heap.Pop(&it.h)
		}
		if it.haveLast && codec.Compare(key, it.lastKey) == 0 {
			continue // shadowed older version
		}
		it.lastKey = append(it.lastKey[:0], key...)
		it.haveLast = true
		if it.end != nil && codec.Compare(key, it.end) > 0 {
			it.done = true
			return false
		}
		if tomb && !it.emitTombstones {
			continue
		}
		it.key, it.val, it.tomb = key, val, tomb
		return true
	}
	it.done = true
	return false
}
