package lsm

import (
	"context"
	"errors"
	"sort"
	"time"

	"ridgedb/pkg/codec"
)

// Leveled compaction. Level 0 accumulates whole memtable flushes and may
// overlap; when it exceeds its segment budget, all of level 0 merges with
// the overlapping part of level 1. A deeper level over budget pushes its
// oldest segment down the same way. Writes are throttled through the
// shared rate limiter so compaction cannot starve foreground reads, and
// the work is cancellable between output segments: aborted runs delete
// their partial outputs and leave the inputs untouched.

// levelCapacity is the segment budget for a level.
func (ix *Index) levelCapacity(level int) int {
	budget := ix.cfg.MaxSegmentsPerLevel
	for i := 0; i < level; i++ {
		budget *= ix.cfg.LevelGrowthFactor
	}
	return budget
}

// targetSegmentBytes is the rollover size for compaction outputs landing
// in a level.
func (ix *Index) targetSegmentBytes(level int) uint64 {
	size := uint64(ix.cfg.MaxMemtableBytes)
	for i := 0; i < level; i++ {
		size *= uint64(ix.cfg.LevelGrowthFactor)
	}
	return size
}

// maybeCompact spawns background jobs for every level over budget.
func (ix *Index) maybeCompact() {
	if ix.closed.Load() {
		return
	}
	ix.vmu.RLock()
	var over []int
	for level, segs := range ix.levels {
		if len(segs) > ix.levelCapacity(level) {
			over = append(over, level)
		}
	}
	ix.vmu.RUnlock()
	for _, level := range over {
		if !ix.beginCompaction(level) {
			continue
		}
		go func(level int) {
			defer ix.wg.Done()
			defer ix.endCompaction(level)
			if err := ix.compactSem.Acquire(ix.ctx, 1); err != nil {
				return
			}
			defer ix.compactSem.Release(1)
			if err := ix.compactLevel(level); err != nil && !errors.Is(err, context.Canceled) {
				ix.logger.Warn("compaction failed, inputs retained",
					"level", level, "error", err)
			}
		}(level)
	}
}

// beginCompaction claims the source and destination levels for one job
// and registers it with the close waiter. A job from level n rewrites
// parts of level n+1, so both must be free. The closed check and the
// WaitGroup add stay under cmu: Close flips closed under the same lock,
// so a claim either completes its add before Close waits or sees the
// index closed and refuses.
func (ix *Index) beginCompaction(level int) bool {
	ix.cmu.Lock()
	defer ix.cmu.Unlock()
	if ix.closed.Load() || ix.compacting[level] || ix.compacting[level+1] {
		return false
	}
	ix.compacting[level] = true
	ix.compacting[level+1] = true
	ix.wg.Add(1)
	return true
}

func (ix *Index) endCompaction(level int) {
	ix.cmu.Lock()
	delete(ix.compacting, level)
	delete(ix.compacting, level+1)
	ix.cmu.Unlock()
}

// compactLevel merges segments from level into level+1.
func (ix *Index) compactLevel(level int) error {
	start := time.Now()
	dst := level + 1

	// Pick inputs under the version lock, taking a job reference on each.
	ix.vmu.RLock()
	if level >= len(ix.levels) || len(ix.levels[level]) <= ix.levelCapacity(level) {
		ix.vmu.RUnlock()
		return nil
	}
	var srcSegs []*segment
	if level == 0 {
		srcSegs = append(srcSegs, ix.levels[0]...)
	} else {
		srcSegs = append(srcSegs, ix.levels[level][0])
	}
	minKey, maxKey := keySpan(srcSegs)
	var dstSegs []*segment
	if dst < len(ix.levels) {
		for _, s := range ix.levels[dst] {
			if s.overlaps(minKey, maxKey) {
				dstSegs = append(dstSegs, s)
			}
		}
	}
	// Tombstones only drop once nothing deeper could hold an older
	// version of the key.
	bottom := true
	for deeper := dst + 1; deeper < len(ix.levels); deeper++ {
		if len(ix.levels[deeper]) > 0 {
			bottom = false
			break
		}
	}
	for _, s := range srcSegs {
		s.ref()
	}
	for _, s := range dstSegs {
		s.ref()
	}
	ix.vmu.RUnlock()

	inputs := append(append([]*segment(nil), srcSegs...), dstSegs...)
	defer func() {
		for _, s := range inputs {
			s.unref()
		}
	}()

	// Newest first: level-0 flush order is oldest to newest, destination
	// segments are older than everything in the source level.
	var streams []*mergeStream
	rank := 0
	for i := len(srcSegs) - 1; i >= 0; i-- {
		streams = append(streams, &mergeStream{rank: rank, segIter: srcSegs[i].iter(nil)})
		rank++
	}
	for _, s := range dstSegs {
		streams = append(streams, &mergeStream{rank: rank, segIter: s.iter(nil)})
	}

	outputs, err := ix.writeMerged(streams, dst, !bottom)
	if err != nil {
		for _, s := range outputs {
			s.markObsolete()
			s.unref()
		}
		return err
	}

	// Commit: swap the segment lists and log the change as one record
	// batch. Readers holding snapshots keep the old segments alive until
	// their references drop.
	records := make([]string, 0, len(inputs)+len(outputs))
	for _, s := range srcSegs {
		records = append(records, delRecord(level, s.id))
	}
	for _, s := range dstSegs {
		records = append(records, delRecord(dst, s.id))
	}
	for _, s := range outputs {
		records = append(records, addRecord(dst, s.id))
	}
	if err := ix.manifest.append(records...); err != nil {
		for _, s := range outputs {
			s.markObsolete()
			s.unref()
		}
		return err
	}

	ix.vmu.Lock()
	ix.levels[level] = removeSegments(ix.levels[level], srcSegs)
	for len(ix.levels) <= dst {
		ix.levels = append(ix.levels, nil)
	}
	merged := append(removeSegments(ix.levels[dst], dstSegs), outputs...)
	sort.Slice(merged, func(i, j int) bool {
		return codec.Compare(merged[i].minKey, merged[j].minKey) < 0
	})
	ix.levels[dst] = merged
	ix.vmu.Unlock()

	for _, s := range inputs {
		s.markObsolete()
		ix.bloomCache.Remove(s.id)
		s.unref() // the version's reference
	}
	ix.logger.Info("compaction complete",
		"level", level, "inputs", len(inputs), "outputs", len(outputs),
		"elapsed", time.Since(start))

	// The destination level may now be over budget itself.
	ix.maybeCompact()
	return nil
}

// writeMerged drains the merge into size-bounded output segments,
// checking for cancellation at every segment boundary.
func (ix *Index) writeMerged(streams []*mergeStream, dst int, keepTombstones bool) ([]*segment, error) {
	var outputs []*segment
	target := ix.targetSegmentBytes(dst)
	merge := newMergeIterator(streams, nil, keepTombstones)

	var sw *segmentWriter
	for merge.next() {
		if sw == nil {
			if err := ix.ctx.Err(); err != nil {
				return outputs, err
			}
			var err error
			sw, err = newSegmentWriter(ix.dir, ix.cfg.FalsePositiveRate, ix.limiter, ix.ctx)
			if err != nil {
				return outputs, err
			}
		}
		if err := sw.add(merge.key, merge.val, merge.tomb); err != nil {
			sw.abort()
			return outputs, err
		}
		if sw.off >= target {
			seg, err := sw.finish(ix.dir)
			if err != nil {
				return outputs, err
			}
			outputs = append(outputs, seg)
			sw = nil
		}
	}
	if merge.err != nil {
		if sw != nil {
			sw.abort()
		}
		return outputs, merge.err
	}
	if sw != nil {
		seg, err := sw.finish(ix.dir)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, seg)
	}
	return outputs, nil
}

// keySpan is the union key range of a segment set.
func keySpan(segs []*segment) (minKey, maxKey []byte) {
	for _, s := range segs {
		if minKey == nil || codec.Compare(s.minKey, minKey) < 0 {
			minKey = s.minKey
		}
		if maxKey == nil || codec.Compare(s.maxKey, maxKey) > 0 {
			maxKey = s.maxKey
		}
	}
	return minKey, maxKey
}

// removeSegments filters out the given segments, preserving order.
func removeSegments(level, gone []*segment) []*segment {
	goneSet := make(map[*segment]bool, len(gone))
	for _, s := range gone {
		goneSet[s] = true
	}
	kept := make([]*segment, 0, len(level))
	for _, s := range level {
		if !goneSet[s] {
			kept = append(kept, s)
		}
	}
	return kept
}
