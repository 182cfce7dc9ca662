package lsm

import (
	"github.com/google/btree"

	"ridgedb/pkg/codec"
)

// memEntry is one memtable record. Deletes are tombstones so they
// shadow older segment data until compaction drops them.
type memEntry struct {
	key  []byte
	val  []byte
	tomb bool
}

func memEntryLess(a, b memEntry) bool {
	return codec.Compare(a.key, b.key) < 0
}

// MemTable is the mutable in-memory staging structure for recent
// writes: an ordered key-value mapping with a running byte-size
// counter. It is not internally synchronized; the owning index guards
// it for the duration of each operation.
type MemTable struct {
	tree      *btree.BTreeG[memEntry]
	sizeBytes int
}

// NewMemTable returns an empty memtable.
func NewMemTable() *MemTable {
	return &MemTable{tree: btree.NewG[memEntry](16, memEntryLess)}
}

// entrySize is the byte accounting for one record. Tombstones count
// their key so delete-heavy workloads still hit the flush threshold.
func entrySize(key, val []byte) int {
	return codec.EntrySize(key, val)
}

// Put stores a record, replacing any prior version of the key and
// adjusting the byte counter.
func (m *MemTable) Put(key, val []byte, tomb bool) {
	prev, had := m.tree.ReplaceOrInsert(memEntry{key: key, val: val, tomb: tomb})
	if had {
		m.sizeBytes -= entrySize(prev.key, prev.val)
	}
	m.sizeBytes += entrySize(key, val)
}

// Get returns the newest record for key.
func (m *MemTable) Get(key []byte) (val []byte, tomb, ok bool) {
	e, ok := m.tree.Get(memEntry{key: key})
	if !ok {
		return nil, false, false
	}
	return e.val, e.tomb, true
}

// PutSize returns the byte counter after a hypothetical Put, used by the
// owner to decide whether the write must trigger a flush first.
func (m *MemTable) PutSize(key, val []byte) int {
	size := m.sizeBytes + entrySize(key, val)
	if prev, had := m.tree.Get(memEntry{key: key}); had {
		size -= entrySize(prev.key, prev.val)
	}
	return size
}

// SizeBytes returns the current byte footprint.
func (m *MemTable) SizeBytes() int {
	return m.sizeBytes
}

// Len returns the record count, tombstones included.
func (m *MemTable) Len() int {
	return m.tree.Len()
}

// Ascend visits records in key order while fn returns true.
func (m *MemTable) Ascend(fn func(key, val []byte, tomb bool) bool) {
	m.tree.Ascend(func(e memEntry) bool {
		return fn(e.key, e.val, e.tomb)
	})
}

// AscendRange visits records with start <= key <= end in key order. Nil
// bounds are open.
func (m *MemTable) AscendRange(start, end []byte, fn func(key, val []byte, tomb bool) bool) {
	visit := func(e memEntry) bool {
		if end != nil && codec.Compare(e.key, end) > 0 {
			return false
		}
		return fn(e.key, e.val, e.tomb)
	}
	if start == nil {
		m.tree.Ascend(visit)
		return
	}
	m.tree.AscendGreaterOrEqual(memEntry{key: start}, visit)
}
