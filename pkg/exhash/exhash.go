// Package exhash implements an extendible hash index: a directory of
// 2^globalDepth slots addressing buckets by the top globalDepth bits of
// a seeded 64-bit key hash. A full bucket splits by one bit of local
// depth, doubling the directory only when the splitting bucket already
// uses every directory bit. The directory is capped at a configured
// maximum depth; growth past the cap is a capacity error.
//
// Every instance draws a fresh random hash seed, so the slot an entry
// lands in cannot be predicted from the key alone. That, plus the depth
// cap, is the defense against crafted key sets that would otherwise
// funnel all inserts into one bucket chain.
//
// Entries are unordered. RangeScan is supported for interface parity but
// materializes and sorts every matching entry; ordered workloads belong
// on the B-Tree or LSM index.
package exhash

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/config"
	"ridgedb/pkg/index"
)

const seedSize = 16

// Accelerator is the optional vectorized hashing collaborator for bulk
// loads. BatchHash must equal hashing each key with the given seed.
type Accelerator interface {
	BatchHash(seed []byte, keys [][]byte) []uint64
}

// Option configures an Index at construction.
type Option func(*Index)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// WithAccelerator wires a batch hashing accelerator into InsertBatch.
func WithAccelerator(a Accelerator) Option {
	return func(ix *Index) { ix.accel = a }
}

// bucket holds up to the configured capacity of entries that share the
// top localDepth hash bits. A bucket appears in 2^(globalDepth-localDepth)
// consecutive directory slots.
type bucket struct {
	mu         sync.RWMutex
	localDepth uint8
	keys       [][]byte
	vals       [][]byte
}

func (b *bucket) find(key []byte) int {
	for i, k := range b.keys {
		if codec.Compare(k, key) == 0 {
			return i
		}
	}
	return -1
}

// Index is the extendible hash index. The directory lock orders before
// bucket locks; nothing ever takes them in the other order.
type Index struct {
	logger *slog.Logger
	accel  Accelerator

	mu          sync.RWMutex
	seed        []byte
	globalDepth uint8
	dirs        []*bucket

	capacity int
	maxDepth uint8
	closed   atomic.Bool
}

// New creates an empty hash index with a fresh random seed.
func New(cfg config.Config, opts ...Option) (*Index, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrInvalidArgument, err)
	}
	seed, err := newSeed()
	if err != nil {
		return nil, err
	}
	ix := &Index{
		logger:      slog.Default(),
		seed:        seed,
		globalDepth: 1,
		dirs:        []*bucket{{localDepth: 1}, {localDepth: 1}},
		capacity:    cfg.BucketCapacity,
		maxDepth:    cfg.MaxGlobalHashDepth,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

func newSeed() ([]byte, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("%w: drawing hash seed: %v", index.ErrIO, err)
	}
	return seed, nil
}

// hashKey computes the seeded key hash.
func hashKey(seed, key []byte) uint64 {
	d := xxhash.New()
	d.Write(seed)
	d.Write(key)
	return d.Sum64()
}

// HashKey exposes the seeded hash. An Accelerator's BatchHash must agree
// with it exactly.
func HashKey(seed, key []byte) uint64 {
	return hashKey(seed, key)
}

// slotFor selects the directory slot by the top depth bits of the hash.
func slotFor(h uint64, depth uint8) uint64 {
	if depth == 0 {
		return 0
	}
	return h >> (64 - depth)
}

// Seed exposes the instance's hash seed for diagnostics.
func (ix *Index) Seed() []byte {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]byte(nil), ix.seed...)
}

// GlobalDepth reports the current directory depth.
func (ix *Index) GlobalDepth() uint8 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.globalDepth
}

// Insert stores a key-value entry, overwriting any previous value. An
// insert that would force the directory past its depth cap fails with a
// capacity error and leaves the index unchanged.
func (ix *Index) Insert(key, value []byte) error {
	if ix.closed.Load() {
		return index.ErrClosed
	}
	if err := codec.Validate(key, value); err != nil {
		return err
	}
	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)

	// Fast path: overwrite or append under the directory read lock.
	ix.mu.RLock()
	h := hashKey(ix.seed, key)
	b := ix.dirs[slotFor(h, ix.globalDepth)]
	b.mu.Lock()
	if i := b.find(key); i >= 0 {
		b.vals[i] = value
		b.mu.Unlock()
		ix.mu.RUnlock()
		return nil
	}
	if len(b.keys) < ix.capacity {
		b.keys = append(b.keys, key)
		b.vals = append(b.vals, value)
		b.mu.Unlock()
		ix.mu.RUnlock()
		return nil
	}
	b.mu.Unlock()
	ix.mu.RUnlock()

	// Slow path: the bucket must split, which rewrites the directory.
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.insertLocked(key, value, hashKey(ix.seed, key))
}

// insertLocked inserts under the directory write lock, splitting the
// target bucket as many times as the key demands.
func (ix *Index) insertLocked(key, value []byte, h uint64) error {
	for {
		slot := slotFor(h, ix.globalDepth)
		b := ix.dirs[slot]
		if i := b.find(key); i >= 0 {
			b.vals[i] = value
			return nil
		}
		if len(b.keys) < ix.capacity {
			b.keys = append(b.keys, key)
			b.vals = append(b.vals, value)
			return nil
		}
		if err := ix.splitBucket(slot); err != nil {
			return err
		}
	}
}

// splitBucket replaces the bucket at slot with two buckets of one
// deeper local depth, doubling the directory first when the bucket
// already uses every directory bit. Doubling past the depth cap is
// refused before any state changes, so a failed insert is a true no-op.
func (ix *Index) splitBucket(slot uint64) error {
	b := ix.dirs[slot]
	if b.localDepth == ix.globalDepth {
		if ix.globalDepth >= ix.maxDepth {
			return fmt.Errorf("%w: hash directory at maximum depth %d", index.ErrCapacity, ix.maxDepth)
		}
		// Doubling: each new slot inherits the bucket of the old slot it
		// refines, so the directory change alone is invisible to lookups.
		doubled := make([]*bucket, 2*len(ix.dirs))
		for i := range doubled {
			doubled[i] = ix.dirs[i>>1]
		}
		ix.dirs = doubled
		ix.globalDepth++
		ix.logger.Debug("hash directory doubled", "globalDepth", ix.globalDepth)
	}

	// Redistribute by the first hash bit beyond the old local depth.
	splitBit := uint(63 - b.localDepth)
	b0 := &bucket{localDepth: b.localDepth + 1}
	b1 := &bucket{localDepth: b.localDepth + 1}
	for i, k := range b.keys {
		if hashKey(ix.seed, k)>>splitBit&1 == 0 {
			b0.keys = append(b0.keys, k)
			b0.vals = append(b0.vals, b.vals[i])
		} else {
			b1.keys = append(b1.keys, k)
			b1.vals = append(b1.vals, b.vals[i])
		}
	}
	dirBit := ix.globalDepth - b.localDepth - 1
	for i, d := range ix.dirs {
		if d != b {
			continue
		}
		if uint64(i)>>dirBit&1 == 0 {
			ix.dirs[i] = b0
		} else {
			ix.dirs[i] = b1
		}
	}
	return nil
}

// Search returns the value for key, or found == false if absent.
func (ix *Index) Search(key []byte) ([]byte, bool, error) {
	if ix.closed.Load() {
		return nil, false, index.ErrClosed
	}
	if err := codec.Validate(key, nil); err != nil {
		return nil, false, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	b := ix.dirs[slotFor(hashKey(ix.seed, key), ix.globalDepth)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.find(key); i >= 0 {
		return append([]byte(nil), b.vals[i]...), true, nil
	}
	return nil, false, nil
}

// Delete removes the entry for key. Deleting an absent key is a no-op.
// Buckets are not merged on delete; the directory only ever grows until
// a Reorganize.
func (ix *Index) Delete(key []byte) error {
	if ix.closed.Load() {
		return index.ErrClosed
	}
	if err := codec.Validate(key, nil); err != nil {
		return err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	b := ix.dirs[slotFor(hashKey(ix.seed, key), ix.globalDepth)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.find(key); i >= 0 {
		last := len(b.keys) - 1
		b.keys[i], b.keys[last] = b.keys[last], nil
		b.vals[i], b.vals[last] = b.vals[last], nil
		b.keys = b.keys[:last]
		b.vals = b.vals[:last]
	}
	return nil
}

// InsertBatch loads many entries in one pass, hashing through the
// accelerator when one is wired. Entries land exactly as if inserted
// one at a time; the first failure stops the load.
func (ix *Index) InsertBatch(keys, vals [][]byte) error {
	if ix.closed.Load() {
		return index.ErrClosed
	}
	if len(keys) != len(vals) {
		return fmt.Errorf("%w: %d keys for %d values", index.ErrInvalidArgument, len(keys), len(vals))
	}
	for i := range keys {
		if err := codec.Validate(keys[i], vals[i]); err != nil {
			return err
		}
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var hashes []uint64
	if ix.accel != nil {
		hashes = ix.accel.BatchHash(ix.seed, keys)
	}
	for i := range keys {
		key := append([]byte(nil), keys[i]...)
		val := append([]byte(nil), vals[i]...)
		h := uint64(0)
		if hashes != nil {
			h = hashes[i]
		} else {
			h = hashKey(ix.seed, key)
		}
		if err := ix.insertLocked(key, val, h); err != nil {
			return err
		}
	}
	return nil
}

// Reorganize rebuilds the index under a fresh random seed, resetting
// the directory to its minimum depth. Used as periodic maintenance and
// as the recovery path when a workload has driven the directory toward
// its cap. The rebuild is all-or-nothing: on failure the old layout
// stays in place.
func (ix *Index) Reorganize() error {
	if ix.closed.Load() {
		return index.ErrClosed
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	seed, err := newSeed()
	if err != nil {
		return err
	}
	next := &Index{
		logger:      ix.logger,
		seed:        seed,
		globalDepth: 1,
		dirs:        []*bucket{{localDepth: 1}, {localDepth: 1}},
		capacity:    ix.capacity,
		maxDepth:    ix.maxDepth,
	}
	for _, b := range ix.distinctBuckets() {
		for i, k := range b.keys {
			if err := next.insertLocked(k, b.vals[i], hashKey(seed, k)); err != nil {
				return fmt.Errorf("reorganizing hash index: %w", err)
			}
		}
	}
	ix.seed = next.seed
	ix.globalDepth = next.globalDepth
	ix.dirs = next.dirs
	ix.logger.Info("hash index reorganized", "globalDepth", ix.globalDepth)
	return nil
}

// distinctBuckets returns each bucket once, in directory order. A
// bucket's slots are consecutive, so the first occurrence suffices.
// Caller holds at least the directory read lock.
func (ix *Index) distinctBuckets() []*bucket {
	var out []*bucket
	for i, b := range ix.dirs {
		if i == 0 || ix.dirs[i-1] != b {
			out = append(out, b)
		}
	}
	return out
}

// Scan returns an iterator over every entry in directory order. The
// result is an unordered snapshot taken at call time; it is the
// maintenance and verification entry point, not a query surface.
func (ix *Index) Scan() (index.Iterator, error) {
	return ix.collect(nil, nil, false)
}

// RangeScan returns entries with start <= key <= end sorted by key.
// Supported for interface parity only: the hash layout gives it no help,
// so it is a filtered full scan.
func (ix *Index) RangeScan(start, end []byte) (index.Iterator, error) {
	if start != nil && end != nil && codec.Compare(start, end) > 0 {
		return nil, index.ErrInvalidArgument
	}
	return ix.collect(start, end, true)
}

func (ix *Index) collect(start, end []byte, sorted bool) (index.Iterator, error) {
	if ix.closed.Load() {
		return nil, index.ErrClosed
	}
	var keys, vals [][]byte
	ix.mu.RLock()
	for _, b := range ix.distinctBuckets() {
		b.mu.RLock()
		for i, k := range b.keys {
			if start != nil && codec.Compare(k, start) < 0 {
				continue
			}
			if end != nil && codec.Compare(k, end) > 0 {
				continue
			}
			keys = append(keys, append([]byte(nil), k...))
			vals = append(vals, append([]byte(nil), b.vals[i]...))
		}
		b.mu.RUnlock()
	}
	ix.mu.RUnlock()
	if sorted {
		order := make([]int, len(keys))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			return codec.Compare(keys[order[a]], keys[order[b]]) < 0
		})
		sk := make([][]byte, len(keys))
		sv := make([][]byte, len(vals))
		for i, j := range order {
			sk[i] = keys[j]
			sv[i] = vals[j]
		}
		keys, vals = sk, sv
	}
	return &sliceIterator{keys: keys, vals: vals, pos: -1}, nil
}

// sliceIterator walks a materialized snapshot.
type sliceIterator struct {
	keys, vals [][]byte
	pos        int
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Key() []byte   { return it.keys[it.pos] }
func (it *sliceIterator) Value() []byte { return it.vals[it.pos] }
func (it *sliceIterator) Err() error    { return nil }
func (it *sliceIterator) Close() error  { return nil }

// Len returns the entry count.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, b := range ix.distinctBuckets() {
		b.mu.RLock()
		n += len(b.keys)
		b.mu.RUnlock()
	}
	return n
}

// Close marks the index closed. All state is in memory; there is
// nothing to release beyond refusing further operations.
func (ix *Index) Close() error {
	ix.closed.Store(true)
	return nil
}

// Print dumps the directory and bucket structure.
func (ix *Index) Print(w io.Writer) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	fmt.Fprintf(w, "hash index: globalDepth=%d slots=%d\n", ix.globalDepth, len(ix.dirs))
	for _, b := range ix.distinctBuckets() {
		b.mu.RLock()
		fmt.Fprintf(w, "  bucket localDepth=%d entries=%d\n", b.localDepth, len(b.keys))
		b.mu.RUnlock()
	}
}

var _ index.Index = (*Index)(nil)
var _ index.Printable = (*Index)(nil)
