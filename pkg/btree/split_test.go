package btree

import (
	"fmt"
	"math/rand"
	"testing"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/config"
	"ridgedb/pkg/page"
)

// orderCheckStore fails the test if a write ever persists a node holding
// more keys than the configured order: split propagation must divide an
// overflowing node before it reaches the store.
type orderCheckStore struct {
	*page.MemStore
	order int
	t     *testing.T
}

func (s *orderCheckStore) WritePage(id page.ID, data []byte) error {
	// Non-node pages (the meta page) fail to decode and are skipped.
	if n, err := decodeNode(id, data); err == nil && n.numKeys() > s.order {
		s.t.Errorf("persisted node %d with %d keys, order is %d", id, n.numKeys(), s.order)
	}
	return s.MemStore.WritePage(id, data)
}

func TestSplitWritesStayWithinOrder(t *testing.T) {
	t.Parallel()
	const order = 4
	store := &orderCheckStore{MemStore: page.NewMemStore(), order: order, t: t}
	ix, err := Open(store, config.Config{Order: order, NodeCacheCapacity: 16})
	if err != nil {
		t.Fatal("Failed to open btree:", err)
	}
	defer ix.Close()

	// Sequential then shuffled inserts, enough to cascade splits through
	// several internal levels.
	for i := int64(0); i < 1000; i++ {
		if err := ix.Insert(codec.EncodeInt64(i), fmt.Appendf(nil, "v%d", i)); err != nil {
			t.Fatalf("Failed to insert key %d: %s", i, err)
		}
	}
	perm := rand.Perm(1000)
	for _, i := range perm {
		key := int64(1000 + i)
		if err := ix.Insert(codec.EncodeInt64(key), fmt.Appendf(nil, "v%d", key)); err != nil {
			t.Fatalf("Failed to insert key %d: %s", key, err)
		}
	}
	for i := int64(0); i < 2000; i++ {
		if _, found, err := ix.Search(codec.EncodeInt64(i)); err != nil || !found {
			t.Fatalf("Search(%d): found=%v err=%v", i, found, err)
		}
	}
}
