// Package lsm implements a log-structured merge index: an in-memory
// memtable with a hard byte bound, leveled immutable segments with
// per-segment bloom filters, and throttled background compaction.
//
// Writes go to the memtable; an insert that would exceed the memtable
// budget synchronously flushes it to a level-0 segment first, which is
// the natural backpressure against unbounded memory growth. Reads check
// the memtable, then level-0 segments newest to oldest, then the sorted
// deeper levels, consulting each segment's bloom filter before touching
// its file.
package lsm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/otiai10/copy"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"ridgedb/pkg/cache"
	"ridgedb/pkg/codec"
	"ridgedb/pkg/config"
	"ridgedb/pkg/index"
)

// Accelerator is the optional vectorized hashing collaborator. BatchHash
// must be pure: same keys, same hashes, no side effects. The index works
// identically (just slower) without one.
type Accelerator interface {
	BatchHash(keys [][]byte) []uint64
}

// Option configures an Index at open time.
type Option func(*Index)

// WithLogger sets the structured logger for background work.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// WithAccelerator wires a batch hashing accelerator into flushes.
func WithAccelerator(a Accelerator) Option {
	return func(ix *Index) { ix.accel = a }
}

// Index is the LSM index. It owns its directory: segment files, the
// manifest, and nothing else.
type Index struct {
	dir    string
	cfg    config.Config
	logger *slog.Logger
	accel  Accelerator

	// mu guards the active memtable. Flush swaps in a fresh memtable and
	// writes the old one out while still holding mu, so the insert that
	// triggered it blocks until the flush lands.
	mu  sync.Mutex
	mem *MemTable

	// vmu guards the segment version: levels[0] is ordered oldest to
	// newest and may overlap; levels[n>0] are sorted by minKey and
	// non-overlapping.
	vmu    sync.RWMutex
	levels [][]*segment

	bloomCache *cache.BoundedCache[uuid.UUID, *Bloom]
	bloomGroup singleflight.Group

	manifest *manifest
	limiter  *rate.Limiter

	// Compaction throttles: one job per level pair, plus a global
	// concurrency bound.
	cmu        sync.Mutex
	compacting map[int]bool
	compactSem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open creates or reopens an LSM index rooted at dir.
func Open(dir string, cfg config.Config, opts ...Option) (*Index, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrInvalidArgument, err)
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("%w: creating index directory: %v", index.ErrIO, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ix := &Index{
		dir:        dir,
		cfg:        cfg,
		logger:     slog.Default(),
		mem:        NewMemTable(),
		compacting: make(map[int]bool),
		compactSem: semaphore.NewWeighted(int64(cfg.CompactionConcurrency)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.bloomCache = cache.New[uuid.UUID, *Bloom](cfg.BloomCacheCapacity, nil)
	if cfg.CompactionRateBytes > 0 {
		ix.limiter = rate.NewLimiter(rate.Limit(cfg.CompactionRateBytes), cfg.CompactionRateBytes)
	}

	man, levelIDs, err := openManifest(dir)
	if err != nil {
		cancel()
		return nil, err
	}
	ix.manifest = man
	live := make(map[uuid.UUID]bool)
	for level, ids := range levelIDs {
		for _, id := range ids {
			seg, err := openSegment(dir, id)
			if err != nil {
				man.close()
				ix.releaseAllSegments()
				cancel()
				return nil, fmt.Errorf("recovering level %d: %w", level, err)
			}
			for len(ix.levels) <= level {
				ix.levels = append(ix.levels, nil)
			}
			ix.levels[level] = append(ix.levels[level], seg)
			live[id] = true
		}
	}
	// Compaction keeps deeper levels minKey-sorted, but the manifest tail
	// left by an unclean shutdown replays in record order: compaction
	// outputs land at the end of their level. Restore the sort order the
	// candidate search depends on.
	for level := 1; level < len(ix.levels); level++ {
		segs := ix.levels[level]
		sort.Slice(segs, func(i, j int) bool {
			return codec.Compare(segs[i].minKey, segs[j].minKey) < 0
		})
	}
	vacuumOrphans(dir, live)
	ix.logger.Info("lsm index opened", "dir", dir, "levels", len(ix.levels), "segments", len(live))
	ix.maybeCompact()
	return ix, nil
}

// Insert stores a key-value entry. If the entry would push the memtable
// past its byte budget, the memtable is flushed to a level-0 segment
// first; the insert blocks until the flush completes.
func (ix *Index) Insert(key, value []byte) error {
	return ix.put(key, value, false)
}

// Delete writes a tombstone shadowing any older version of the key.
// The tombstone is dropped when compaction reaches the bottom level.
func (ix *Index) Delete(key []byte) error {
	return ix.put(key, nil, true)
}

func (ix *Index) put(key, value []byte, tomb bool) error {
	if ix.closed.Load() {
		return index.ErrClosed
	}
	if err := codec.Validate(key, value); err != nil {
		return err
	}
	if entrySize(key, value) > ix.cfg.MaxMemtableBytes {
		return fmt.Errorf("%w: entry of %d bytes exceeds memtable budget %d",
			index.ErrCapacity, entrySize(key, value), ix.cfg.MaxMemtableBytes)
	}
	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)

	ix.mu.Lock()
	if ix.mem.PutSize(key, value) > ix.cfg.MaxMemtableBytes {
		if err := ix.flushLocked(); err != nil {
			ix.mu.Unlock()
			return err
		}
	}
	ix.mem.Put(key, value, tomb)
	ix.mu.Unlock()
	ix.maybeCompact()
	return nil
}

// Flush forces the memtable out to a level-0 segment.
func (ix *Index) Flush() error {
	if ix.closed.Load() {
		return index.ErrClosed
	}
	ix.mu.Lock()
	err := ix.flushLocked()
	ix.mu.Unlock()
	ix.maybeCompact()
	return err
}

// flushLocked writes the memtable to a new level-0 segment and swaps in
// an empty one. Caller holds mu. The segment becomes visible to readers
// atomically when it is appended to the version under vmu; there is
// never a state where neither the old entries nor the new segment are
// addressable, because the memtable is only reset after the segment is
// installed.
func (ix *Index) flushLocked() error {
	if ix.mem.Len() == 0 {
		return nil
	}
	sw, err := newSegmentWriter(ix.dir, ix.cfg.FalsePositiveRate, nil, nil)
	if err != nil {
		return err
	}

	if ix.accel != nil {
		keys := make([][]byte, 0, ix.mem.Len())
		ix.mem.Ascend(func(key, _ []byte, _ bool) bool {
			keys = append(keys, key)
			return true
		})
		h1s := ix.accel.BatchHash(keys)
		i := 0
		ix.mem.Ascend(func(key, val []byte, tomb bool) bool {
			_, h2 := hashPair(key)
			err = sw.addHashed(key, val, tomb, h1s[i], h2)
			i++
			return err == nil
		})
	} else {
		ix.mem.Ascend(func(key, val []byte, tomb bool) bool {
			err = sw.add(key, val, tomb)
			return err == nil
		})
	}
	if err != nil {
		sw.abort()
		return err
	}
	seg, err := sw.finish(ix.dir)
	if err != nil {
		return err
	}
	if err := ix.manifest.append(addRecord(0, seg.id)); err != nil {
		seg.markObsolete()
		seg.unref()
		return err
	}

	ix.vmu.Lock()
	if len(ix.levels) == 0 {
		ix.levels = append(ix.levels, nil)
	}
	ix.levels[0] = append(ix.levels[0], seg)
	ix.vmu.Unlock()

	ix.logger.Debug("flushed memtable",
		"segment", seg.id, "entries", seg.count, "bytes", ix.mem.SizeBytes())
	ix.mem = NewMemTable()
	return nil
}

// Search returns the newest value for key: memtable first, then level 0
// newest to oldest, then each deeper level's single candidate segment.
// Bloom filters gate every segment probe.
func (ix *Index) Search(key []byte) ([]byte, bool, error) {
	if ix.closed.Load() {
		return nil, false, index.ErrClosed
	}
	if err := codec.Validate(key, nil); err != nil {
		return nil, false, err
	}
	ix.mu.Lock()
	val, tomb, ok := ix.mem.Get(key)
	if ok {
		val = append([]byte(nil), val...)
	}
	ix.mu.Unlock()
	if ok {
		if tomb {
			return nil, false, nil
		}
		return val, true, nil
	}

	snap := ix.snapshot()
	defer releaseSnapshot(snap)
	for level, segs := range snap {
		if level == 0 {
			for i := len(segs) - 1; i >= 0; i-- {
				val, tomb, found, err := ix.probeSegment(segs[i], key)
				if err != nil {
					return nil, false, err
				}
				if found {
					if tomb {
						return nil, false, nil
					}
					return val, true, nil
				}
			}
			continue
		}
		// Non-overlapping level: at most one candidate.
		if seg := findCandidate(segs, key); seg != nil {
			val, tomb, found, err := ix.probeSegment(seg, key)
			if err != nil {
				return nil, false, err
			}
			if found {
				if tomb {
					return nil, false, nil
				}
				return val, true, nil
			}
		}
	}
	return nil, false, nil
}

// findCandidate binary-searches a minKey-sorted, non-overlapping level.
func findCandidate(segs []*segment, key []byte) *segment {
	lo, hi := 0, len(segs)-1
	var hit *segment
	for lo <= hi {
		mid := (lo + hi) / 2
		if codec.Compare(segs[mid].minKey, key) <= 0 {
			hit = segs[mid]
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if hit != nil && codec.Compare(key, hit.maxKey) <= 0 {
		return hit
	}
	return nil
}

// probeSegment consults the segment's bloom filter (loading it through
// the bounded cache on miss) and, on a possible hit, performs the
// authoritative lookup in the segment file.
func (ix *Index) probeSegment(s *segment, key []byte) (val []byte, tomb, found bool, err error) {
	if !s.contains(key) {
		return nil, false, false, nil
	}
	may, err := ix.segmentMayContain(s, key)
	if err != nil {
		return nil, false, false, err
	}
	if !may {
		return nil, false, false, nil
	}
	return s.get(key)
}

// segmentMayContain answers the bloom filter for s. Concurrent loads of
// the same filter are deduplicated; a load failure degrades to
// always-probe so correctness never depends on the filter.
func (ix *Index) segmentMayContain(s *segment, key []byte) (bool, error) {
	if b, ok := ix.bloomCache.Get(s.id); ok {
		return b == nil || b.MayContain(key), nil
	}
	v, err, _ := ix.bloomGroup.Do(s.id.String(), func() (any, error) {
		b, err := s.loadBloom()
		if err != nil {
			return nil, err
		}
		ix.bloomCache.Put(s.id, b)
		return b, nil
	})
	if err != nil {
		ix.logger.Warn("bloom filter load failed, probing segment directly",
			"segment", s.id, "error", err)
		return true, nil
	}
	b, _ := v.(*Bloom)
	return b == nil || b.MayContain(key), nil
}

// snapshot references the current segment version for a read. Segments
// superseded by compaction while the snapshot is held stay readable
// until the snapshot is released.
func (ix *Index) snapshot() [][]*segment {
	ix.vmu.RLock()
	defer ix.vmu.RUnlock()
	snap := make([][]*segment, len(ix.levels))
	for i, level := range ix.levels {
		snap[i] = append([]*segment(nil), level...)
		for _, s := range level {
			s.ref()
		}
	}
	return snap
}

func releaseSnapshot(snap [][]*segment) {
	for _, level := range snap {
		for _, s := range level {
			s.unref()
		}
	}
}

// releaseAllSegments drops the version's own references at close.
func (ix *Index) releaseAllSegments() {
	ix.vmu.Lock()
	defer ix.vmu.Unlock()
	for _, level := range ix.levels {
		for _, s := range level {
			s.unref()
		}
	}
	ix.levels = nil
}

// RangeScan merge-scans the memtable and every segment intersecting
// [start, end], newest version of each key winning; tombstoned keys are
// suppressed. The iterator holds a consistent segment snapshot for its
// lifetime.
func (ix *Index) RangeScan(start, end []byte) (index.Iterator, error) {
	if ix.closed.Load() {
		return nil, index.ErrClosed
	}
	if start != nil && end != nil && codec.Compare(start, end) > 0 {
		return nil, index.ErrInvalidArgument
	}

	mem := &mergeStream{rank: 0}
	ix.mu.Lock()
	ix.mem.AscendRange(start, end, func(key, val []byte, tomb bool) bool {
		mem.memKeys = append(mem.memKeys, append([]byte(nil), key...))
		mem.memVals = append(mem.memVals, append([]byte(nil), val...))
		mem.memTombs = append(mem.memTombs, tomb)
		return true
	})
	ix.mu.Unlock()

	snap := ix.snapshot()
	streams := []*mergeStream{mem}
	nextRank := 1
	for level, segs := range snap {
		if level == 0 {
			for i := len(segs) - 1; i >= 0; i-- {
				if segs[i].overlaps(start, end) {
					streams = append(streams, &mergeStream{rank: nextRank, segIter: segs[i].iter(start)})
				}
				nextRank++
			}
			continue
		}
		for _, s := range segs {
			if s.overlaps(start, end) {
				streams = append(streams, &mergeStream{rank: nextRank, segIter: s.iter(start)})
			}
		}
		nextRank++
	}
	return &lsmIterator{merge: newMergeIterator(streams, end, false), snap: snap}, nil
}

// lsmIterator adapts the k-way merge to the Iterator contract and pins
// the segment snapshot until closed.
type lsmIterator struct {
	merge  *mergeIterator
	snap   [][]*segment
	closed bool
}

func (it *lsmIterator) Next() bool {
	if it.closed {
		return false
	}
	return it.merge.next()
}

func (it *lsmIterator) Key() []byte   { return it.merge.key }
func (it *lsmIterator) Value() []byte { return it.merge.val }
func (it *lsmIterator) Err() error    { return it.merge.err }

func (it *lsmIterator) Close() error {
	if !it.closed {
		it.closed = true
		releaseSnapshot(it.snap)
	}
	return nil
}

// Backup copies the index directory (segments plus manifest) to
// destDir. Flushes and compaction commits are held off for the duration
// so the copy is internally consistent.
func (ix *Index) Backup(destDir string) error {
	if ix.closed.Load() {
		return index.ErrClosed
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vmu.RLock()
	defer ix.vmu.RUnlock()
	opts := copy.Options{
		Skip: func(src string) (bool, error) {
			return strings.HasSuffix(src, ".tmp"), nil
		},
	}
	if err := copy.Copy(ix.dir, destDir, opts); err != nil {
		return fmt.Errorf("%w: backing up to %s: %v", index.ErrIO, destDir, err)
	}
	ix.logger.Info("backup complete", "dest", destDir)
	return nil
}

// MemtableBytes exposes the live memtable footprint for tests and the
// maintenance CLI.
func (ix *Index) MemtableBytes() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.mem.SizeBytes()
}

// LevelSizes returns the segment count per level.
func (ix *Index) LevelSizes() []int {
	ix.vmu.RLock()
	defer ix.vmu.RUnlock()
	sizes := make([]int, len(ix.levels))
	for i, level := range ix.levels {
		sizes[i] = len(level)
	}
	return sizes
}

// Close flushes the memtable, waits for background compaction to yield,
// snapshots the manifest and releases every segment.
func (ix *Index) Close() error {
	// closed flips under cmu so a concurrent beginCompaction either
	// registered with the WaitGroup before this point or refuses.
	ix.cmu.Lock()
	alreadyClosed := ix.closed.Swap(true)
	ix.cmu.Unlock()
	if alreadyClosed {
		return nil
	}
	ix.cancel()
	ix.wg.Wait()

	ix.mu.Lock()
	flushErr := ix.flushLocked()
	ix.mu.Unlock()

	ix.vmu.RLock()
	snapErr := ix.manifest.snapshot(ix.levels)
	ix.vmu.RUnlock()

	ix.releaseAllSegments()
	ix.bloomCache.Purge()
	if err := ix.manifest.close(); err != nil {
		return err
	}
	if flushErr != nil {
		return flushErr
	}
	return snapErr
}

// Print dumps the level structure for the maintenance CLI.
func (ix *Index) Print(w io.Writer) {
	ix.mu.Lock()
	memBytes, memLen := ix.mem.SizeBytes(), ix.mem.Len()
	ix.mu.Unlock()
	fmt.Fprintf(w, "lsm index: memtable %d entries, %d bytes\n", memLen, memBytes)
	ix.vmu.RLock()
	defer ix.vmu.RUnlock()
	for level, segs := range ix.levels {
		fmt.Fprintf(w, "  level %d: %d segments\n", level, len(segs))
		for _, s := range segs {
			fmt.Fprintf(w, "    %s: %d entries\n", s.id, s.count)
		}
	}
}

var _ index.Index = (*Index)(nil)
var _ index.Printable = (*Index)(nil)
