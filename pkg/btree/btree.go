// Package btree implements a paged B+Tree index. Nodes live in the page
// store and are materialized through a bounded LRU node cache; leaves
// form a singly linked chain for range scans. Concurrent access uses
// hand-over-hand node latching: a descent releases its ancestors as soon
// as the current node cannot split or merge, so structural changes appear
// atomic to readers while unrelated subtrees stay fully concurrent.
package btree

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"ridgedb/pkg/cache"
	"ridgedb/pkg/codec"
	"ridgedb/pkg/config"
	"ridgedb/pkg/index"
	"ridgedb/pkg/page"
)

const metaMagic = 0x524944474542540a // "RIDGEBT"

// Index is a paged B+Tree implementing the index capability.
type Index struct {
	store page.Store

	// cache tracks node recency; table is the identity map that keeps a
	// single in-memory copy per page id while any operation holds a pin.
	cache   *cache.BoundedCache[page.ID, *node]
	tableMu sync.Mutex
	table   map[page.ID]*node

	// order is the maximum number of entries per node. It may be tuned at
	// runtime, so it is an atomic read exactly once per descent: two
	// racing inserts observing different orders would split sibling
	// nodes with incompatible sizes.
	order atomic.Int64

	// rootMu acts as the latch on the root's virtual parent. Writers hold
	// it until the root is known not to split or collapse.
	rootMu sync.RWMutex
	rootID page.ID
	metaID page.ID

	closed atomic.Bool
}

// Open creates or reopens a B+Tree on the given page store.
func Open(store page.Store, cfg config.Config) (*Index, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrInvalidArgument, err)
	}
	order := cfg.Order
	if order == 0 || order > maxOrder() {
		order = maxOrder()
	}
	t := &Index{
		store: store,
		table: make(map[page.ID]*node),
	}
	t.cache = cache.New[page.ID, *node](cfg.NodeCacheCapacity, t.onNodeEvict)
	t.order.Store(int64(order))

	if store.NumPages() == 0 {
		return t, t.bootstrap()
	}
	// Reopen: page 1 is always the meta page.
	t.metaID = 1
	buf, err := store.ReadPage(t.metaID)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint64(buf[0:]) != metaMagic {
		return nil, fmt.Errorf("%w: bad btree meta magic", index.ErrCorruption)
	}
	t.rootID = page.ID(binary.BigEndian.Uint64(buf[8:]))
	if t.rootID < 1 {
		return nil, fmt.Errorf("%w: btree meta names root page %d", index.ErrCorruption, t.rootID)
	}
	return t, nil
}

// bootstrap lays out a fresh tree: a meta page followed by an empty leaf
// root.
func (t *Index) bootstrap() error {
	metaID, err := t.store.AllocatePage()
	if err != nil {
		return err
	}
	t.metaID = metaID
	root, err := t.allocNode(true)
	if err != nil {
		return err
	}
	t.rootID = root.id
	if err := t.writeNode(root); err != nil {
		t.releaseNode(root)
		return err
	}
	t.releaseNode(root)
	return t.writeMeta()
}

func (t *Index) writeMeta() error {
	buf := make([]byte, page.Size)
	binary.BigEndian.PutUint64(buf[0:], metaMagic)
	binary.BigEndian.PutUint64(buf[8:], uint64(t.rootID))
	return t.store.WritePage(t.metaID, buf)
}

// SetOrder tunes the node capacity at runtime. The new order applies to
// descents that start after the call; in-flight descents keep the order
// they read at entry.
func (t *Index) SetOrder(order int) error {
	if order < 4 {
		return fmt.Errorf("%w: order %d below minimum 4", index.ErrInvalidArgument, order)
	}
	if order > maxOrder() {
		order = maxOrder()
	}
	t.order.Store(int64(order))
	return nil
}

// Order returns the current node capacity.
func (t *Index) Order() int {
	return int(t.order.Load())
}

// Close releases the node cache. The page store is owned by the caller
// and stays open.
func (t *Index) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cache.Purge()
	return nil
}

/////////////////////////////////////////////////////////////////////////////
// Node table: pinned fetch/release over the bounded cache.
/////////////////////////////////////////////////////////////////////////////

// fetchNode returns the single in-memory copy of the node at id, pinned.
// Every fetch must be paired with releaseNode.
func (t *Index) fetchNode(id page.ID) (*node, error) {
	t.tableMu.Lock()
	if n, ok := t.table[id]; ok {
		n.pins++
		wasEvicted := n.evicted
		n.evicted = false
		t.tableMu.Unlock()
		if wasEvicted {
			t.cache.Put(id, n)
		} else {
			t.cache.Get(id) // recency touch
		}
		return n, nil
	}
	t.tableMu.Unlock()

	buf, err := t.store.ReadPage(id)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(id, buf)
	if err != nil {
		return nil, err
	}

	t.tableMu.Lock()
	if existing, ok := t.table[id]; ok {
		// Lost a read race; the first copy wins.
		existing.pins++
		t.tableMu.Unlock()
		return existing, nil
	}
	n.pins = 1
	t.table[id] = n
	t.tableMu.Unlock()
	t.cache.Put(id, n)
	return n, nil
}

// releaseNode drops a pin taken by fetchNode or allocNode.
func (t *Index) releaseNode(n *node) {
	t.tableMu.Lock()
	n.pins--
	if n.pins == 0 && n.evicted {
		delete(t.table, n.id)
	}
	t.tableMu.Unlock()
}

// onNodeEvict is the cache eviction hook. Nodes are written through on
// every mutation, so eviction only has to drop the memory copy; a pinned
// node is deferred to its final release.
func (t *Index) onNodeEvict(id page.ID, n *node) {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()
	if n.pins > 0 {
		n.evicted = true
		return
	}
	delete(t.table, id)
}

// allocNode allocates a page for a new node and pins it.
func (t *Index) allocNode(isLeaf bool) (*node, error) {
	id, err := t.store.AllocatePage()
	if err != nil {
		return nil, err
	}
	n := &node{id: id, isLeaf: isLeaf, next: page.NoPage, pins: 1}
	t.tableMu.Lock()
	t.table[id] = n
	t.tableMu.Unlock()
	t.cache.Put(id, n)
	return n, nil
}

// freeNode removes a merged-away node from the table, cache and store.
// Caller must hold the node's write latch and have unlinked it from the
// tree.
func (t *Index) freeNode(n *node) error {
	t.tableMu.Lock()
	delete(t.table, n.id)
	t.tableMu.Unlock()
	t.cache.Remove(n.id)
	return t.store.FreePage(n.id)
}

// writeNode persists the node through the page store. Caller must hold at
// least a read latch.
func (t *Index) writeNode(n *node) error {
	return t.store.WritePage(n.id, n.encode())
}

/////////////////////////////////////////////////////////////////////////////
// Point lookup.
/////////////////////////////////////////////////////////////////////////////

// Search returns the value stored for key, descending with shared
// latches. Cost is one cache lookup per level, plus a page read per node
// cache miss.
func (t *Index) Search(key []byte) ([]byte, bool, error) {
	if t.closed.Load() {
		return nil, false, index.ErrClosed
	}
	if err := codec.Validate(key, nil); err != nil {
		return nil, false, err
	}
	t.rootMu.RLock()
	n, err := t.fetchNode(t.rootID)
	if err != nil {
		t.rootMu.RUnlock()
		return nil, false, err
	}
	n.mu.RLock()
	t.rootMu.RUnlock()

	for !n.isLeaf {
		childID := n.children[n.childIndex(key)]
		child, err := t.fetchNode(childID)
		if err != nil {
			n.mu.RUnlock()
			t.releaseNode(n)
			return nil, false, err
		}
		child.mu.RLock()
		n.mu.RUnlock()
		t.releaseNode(n)
		n = child
	}
	defer func() {
		n.mu.RUnlock()
		t.releaseNode(n)
	}()
	pos := n.search(key)
	if pos < n.numKeys() && codec.Compare(n.keys[pos], key) == 0 {
		val := make([]byte, len(n.vals[pos]))
		copy(val, n.vals[pos])
		return val, true, nil
	}
	return nil, false, nil
}

/////////////////////////////////////////////////////////////////////////////
// Debug printing.
/////////////////////////////////////////////////////////////////////////////

// Print pretty-prints the tree, for the maintenance CLI and debugging.
func (t *Index) Print(w io.Writer) {
	t.rootMu.RLock()
	rootID := t.rootID
	t.rootMu.RUnlock()
	t.printNode(w, rootID, "")
}

func (t *Index) printNode(w io.Writer, id page.ID, prefix string) {
	n, err := t.fetchNode(id)
	if err != nil {
		fmt.Fprintf(w, "%s[%d] unreadable: %v\n", prefix, id, err)
		return
	}
	n.mu.RLock()
	if n.isLeaf {
		fmt.Fprintf(w, "%s[%d] leaf, %d entries, next=%d\n", prefix, id, n.numKeys(), n.next)
		for i := range n.keys {
			fmt.Fprintf(w, "%s |--> (%q, %q)\n", prefix, n.keys[i], n.vals[i])
		}
		n.mu.RUnlock()
		t.releaseNode(n)
		return
	}
	fmt.Fprintf(w, "%s[%d] internal, %d keys\n", prefix, id, n.numKeys())
	children := append([]page.ID(nil), n.children...)
	n.mu.RUnlock()
	t.releaseNode(n)
	for _, child := range children {
		t.printNode(w, child, prefix+"    ")
	}
}

var _ index.Index = (*Index)(nil)
