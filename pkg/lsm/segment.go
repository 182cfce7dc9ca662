package lsm

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/index"
)

// Segment file layout:
//
//	entries:  [klen u16][vlen u32][flags u8][key][val] ...
//	bloom:    encoded filter (may be empty when the build failed)
//	index:    [n u32] then n * ([klen u16][key][offset u64])
//	bounds:   [klen u16][minKey][klen u16][maxKey]
//	footer:   [bloomOff u64][indexOff u64][boundsOff u64][count u64][magic u64]
//
// The sparse index records every sparseInterval-th entry, so a point
// probe scans at most sparseInterval entries after one binary search.
const (
	segMagic       = 0x524944474553470a // "RIDGESG"
	segSuffix      = ".seg"
	sparseInterval = 16
	footerSize     = 40

	flagTombstone byte = 1
)

// segmentPath names a segment's data file inside the index directory.
func segmentPath(dir string, id uuid.UUID) string {
	return filepath.Join(dir, id.String()+segSuffix)
}

// segment is an immutable sorted run on disk. Readers hold references;
// a segment superseded by compaction is deleted only after the last
// reference drops.
type segment struct {
	id     uuid.UUID
	path   string
	minKey []byte
	maxKey []byte
	count  int

	f          *os.File
	dataEnd    uint64
	bloomOff   uint64
	bloomLen   uint64
	sparseKeys [][]byte
	sparseOffs []uint64

	refs     atomic.Int32
	obsolete atomic.Bool
}

func (s *segment) ref() {
	s.refs.Add(1)
}

// unref drops a reference, closing and deleting obsolete segments once
// no reader can still observe them.
func (s *segment) unref() {
	if s.refs.Add(-1) > 0 {
		return
	}
	s.f.Close()
	if s.obsolete.Load() {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove superseded segment", "segment", s.id, "error", err)
		}
	}
}

// markObsolete schedules the segment file for deletion at the final
// unref.
func (s *segment) markObsolete() {
	s.obsolete.Store(true)
}

// contains reports whether key falls inside the segment's key range.
func (s *segment) contains(key []byte) bool {
	return codec.Compare(key, s.minKey) >= 0 && codec.Compare(key, s.maxKey) <= 0
}

// overlaps reports whether the segment's range intersects [start, end];
// nil bounds are open.
func (s *segment) overlaps(start, end []byte) bool {
	if start != nil && codec.Compare(s.maxKey, start) < 0 {
		return false
	}
	if end != nil && codec.Compare(s.minKey, end) > 0 {
		return false
	}
	return true
}

// openSegment opens a segment file and loads its sparse index.
func openSegment(dir string, id uuid.UUID) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening segment %s: %v", index.ErrIO, id, err)
	}
	s := &segment{id: id, path: path, f: f}
	if err := s.loadFooter(); err != nil {
		f.Close()
		return nil, err
	}
	s.refs.Store(1)
	return s, nil
}

func (s *segment) loadFooter() error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat segment %s: %v", index.ErrIO, s.id, err)
	}
	if info.Size() < footerSize {
		return fmt.Errorf("%w: segment %s truncated", index.ErrCorruption, s.id)
	}
	footer := make([]byte, footerSize)
	if _, err := s.f.ReadAt(footer, info.Size()-footerSize); err != nil {
		return fmt.Errorf("%w: reading segment %s footer: %v", index.ErrIO, s.id, err)
	}
	if binary.BigEndian.Uint64(footer[32:]) != segMagic {
		return fmt.Errorf("%w: segment %s has bad magic", index.ErrCorruption, s.id)
	}
	s.bloomOff = binary.BigEndian.Uint64(footer[0:])
	indexOff := binary.BigEndian.Uint64(footer[8:])
	boundsOff := binary.BigEndian.Uint64(footer[16:])
	s.count = int(binary.BigEndian.Uint64(footer[24:]))
	if s.bloomOff > indexOff || indexOff > boundsOff || boundsOff > uint64(info.Size()) {
		return fmt.Errorf("%w: segment %s section offsets out of order", index.ErrCorruption, s.id)
	}
	s.dataEnd = s.bloomOff
	s.bloomLen = indexOff - s.bloomOff

	// Sparse index.
	idxBuf := make([]byte, boundsOff-indexOff)
	if _, err := s.f.ReadAt(idxBuf, int64(indexOff)); err != nil {
		return fmt.Errorf("%w: reading segment %s index: %v", index.ErrIO, s.id, err)
	}
	if len(idxBuf) < 4 {
		return fmt.Errorf("%w: segment %s index truncated", index.ErrCorruption, s.id)
	}
	n := int(binary.BigEndian.Uint32(idxBuf))
	off := 4
	for i := 0; i < n; i++ {
		if off+2 > len(idxBuf) {
			return fmt.Errorf("%w: segment %s index truncated", index.ErrCorruption, s.id)
		}
		klen := int(binary.BigEndian.Uint16(idxBuf[off:]))
		off += 2
		if off+klen+8 > len(idxBuf) {
			return fmt.Errorf("%w: segment %s index truncated", index.ErrCorruption, s.id)
		}
		key := make([]byte, klen)
		copy(key, idxBuf[off:off+klen])
		off += klen
		s.sparseKeys = append(s.sparseKeys, key)
		s.sparseOffs = append(s.sparseOffs, binary.BigEndian.Uint64(idxBuf[off:]))
		off += 8
	}

	// Key bounds.
	boundsBuf := make([]byte, uint64(info.Size())-footerSize-boundsOff)
	if _, err := s.f.ReadAt(boundsBuf, int64(boundsOff)); err != nil {
		return fmt.Errorf("%w: reading segment %s bounds: %v", index.ErrIO, s.id, err)
	}
	s.minKey, off = readBoundKey(boundsBuf, 0)
	s.maxKey, _ = readBoundKey(boundsBuf, off)
	if s.minKey == nil || s.maxKey == nil {
		return fmt.Errorf("%w: segment %s bounds truncated", index.ErrCorruption, s.id)
	}
	return nil
}

func readBoundKey(buf []byte, off int) ([]byte, int) {
	if off+2 > len(buf) {
		return nil, off
	}
	klen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+klen > len(buf) {
		return nil, off
	}
	key := make([]byte, klen)
	copy(key, buf[off:off+klen])
	return key, off + klen
}

// loadBloom reads and decodes the segment's bloom filter. A nil result
// with nil error means the segment was written without a usable filter
// and must always be probed.
func (s *segment) loadBloom() (*Bloom, error) {
	if s.bloomLen == 0 {
		return nil, nil
	}
	buf := make([]byte, s.bloomLen)
	if _, err := s.f.ReadAt(buf, int64(s.bloomOff)); err != nil {
		return nil, fmt.Errorf("%w: reading segment %s bloom: %v", index.ErrIO, s.id, err)
	}
	return DecodeBloom(buf)
}

// readEntryAt decodes one entry at off, returning the next offset.
func (s *segment) readEntryAt(off uint64) (key, val []byte, tomb bool, next uint64, err error) {
	var hdr [7]byte
	if _, err := s.f.ReadAt(hdr[:], int64(off)); err != nil {
		return nil, nil, false, 0, fmt.Errorf("%w: reading segment %s at %d: %v", index.ErrIO, s.id, off, err)
	}
	klen := int(binary.BigEndian.Uint16(hdr[0:]))
	vlen := int(binary.BigEndian.Uint32(hdr[2:]))
	flags := hdr[6]
	if klen == 0 || klen > codec.MaxKeySize || vlen > codec.MaxValueSize {
		return nil, nil, false, 0, fmt.Errorf("%w: segment %s entry at %d has lengths %d/%d",
			index.ErrCorruption, s.id, off, klen, vlen)
	}
	payload := make([]byte, klen+vlen)
	if _, err := s.f.ReadAt(payload, int64(off)+7); err != nil {
		return nil, nil, false, 0, fmt.Errorf("%w: reading segment %s at %d: %v", index.ErrIO, s.id, off, err)
	}
	return payload[:klen:klen], payload[klen:], flags&flagTombstone != 0, off + 7 + uint64(klen+vlen), nil
}

// get performs the authoritative point lookup inside the segment: a
// binary search over the sparse index, then a bounded forward scan.
func (s *segment) get(key []byte) (val []byte, tomb, found bool, err error) {
	if !s.contains(key) {
		return nil, false, false, nil
	}
	off := uint64(0)
	// Greatest sparse entry <= key.
	lo, hi := 0, len(s.sparseKeys)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if codec.Compare(s.sparseKeys[mid], key) <= 0 {
			off = s.sparseOffs[mid]
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	for off < s.dataEnd {
		k, v, tomb, next, err := s.readEntryAt(off)
		if err != nil {
			return nil, false, false, err
		}
		switch codec.Compare(k, key) {
		case 0:
			return v, tomb, true, nil
		case 1:
			return nil, false, false, nil
		}
		off = next
	}
	return nil, false, false, nil
}

// iter returns a sequential iterator positioned at the first entry with
// key >= start (nil means the segment's first entry).
func (s *segment) iter(start []byte) *segmentIter {
	off := uint64(0)
	if start != nil {
		lo, hi := 0, len(s.sparseKeys)-1
		for lo <= hi {
			mid := (lo + hi) / 2
			if codec.Compare(s.sparseKeys[mid], start) <= 0 {
				off = s.sparseOffs[mid]
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}
	}
	return &segmentIter{seg: s, off: off, start: start}
}

// segmentIter streams a segment's entries in key order.
type segmentIter struct {
	seg   *segment
	off   uint64
	start []byte

	key, val []byte
	tomb     bool
	err      error
}

func (it *segmentIter) next() bool {
	for it.off < it.seg.dataEnd {
		key, val, tomb, next, err := it.seg.readEntryAt(it.off)
		if err != nil {
			it.err = err
			return false
		}
		it.off = next
		if it.start != nil && codec.Compare(key, it.start) < 0 {
			continue
		}
		it.key, it.val, it.tomb = key, val, tomb
		return true
	}
	return false
}

/////////////////////////////////////////////////////////////////////////////
// Segment writer.
/////////////////////////////////////////////////////////////////////////////

// segmentWriter streams sorted entries into a new segment file. Entries
// must be added in strictly increasing key order; the bloom filter is
// built at finish time once the entry count is known.
type segmentWriter struct {
	id     uuid.UUID
	path   string
	f      *os.File
	w      *bufio.Writer
	off    uint64
	count  int
	fpRate float64

	sparseKeys [][]byte
	sparseOffs []uint64
	h1s, h2s   []uint64
	minKey     []byte
	maxKey     []byte

	// limiter throttles compaction writes so foreground reads keep
	// bandwidth; nil for unthrottled flushes.
	limiter *rate.Limiter
	ctx     context.Context
}

func newSegmentWriter(dir string, fpRate float64, limiter *rate.Limiter, ctx context.Context) (*segmentWriter, error) {
	id := uuid.New()
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: creating segment %s: %v", index.ErrIO, id, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &segmentWriter{
		id:     id,
		path:   path,
		f:      f,
		w:      bufio.NewWriter(f),
		fpRate: fpRate,
		ctx:    ctx,
	}, nil
}

// add appends one entry. h1/h2 are the key's bloom hashes; addHashed
// lets the flush path supply accelerator-computed hashes.
func (sw *segmentWriter) add(key, val []byte, tomb bool) error {
	h1, h2 := hashPair(key)
	return sw.addHashed(key, val, tomb, h1, h2)
}

func (sw *segmentWriter) addHashed(key, val []byte, tomb bool, h1, h2 uint64) error {
	if sw.count%sparseInterval == 0 {
		k := make([]byte, len(key))
		copy(k, key)
		sw.sparseKeys = append(sw.sparseKeys, k)
		sw.sparseOffs = append(sw.sparseOffs, sw.off)
	}
	var hdr [7]byte
	binary.BigEndian.PutUint16(hdr[0:], uint16(len(key)))
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(val)))
	if tomb {
		hdr[6] = flagTombstone
	}
	entryLen := 7 + len(key) + len(val)
	if sw.limiter != nil {
		if err := sw.limiter.WaitN(sw.ctx, entryLen); err != nil {
			return err
		}
	}
	if _, err := sw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: writing segment %s: %v", index.ErrIO, sw.id, err)
	}
	if _, err := sw.w.Write(key); err != nil {
		return fmt.Errorf("%w: writing segment %s: %v", index.ErrIO, sw.id, err)
	}
	if _, err := sw.w.Write(val); err != nil {
		return fmt.Errorf("%w: writing segment %s: %v", index.ErrIO, sw.id, err)
	}
	if sw.minKey == nil {
		sw.minKey = append([]byte(nil), key...)
	}
	sw.maxKey = append(sw.maxKey[:0], key...)
	sw.h1s = append(sw.h1s, h1)
	sw.h2s = append(sw.h2s, h2)
	sw.off += uint64(entryLen)
	sw.count++
	return nil
}

// finish writes the bloom filter, sparse index, bounds and footer, then
// syncs and reopens the file as a readable segment.
func (sw *segmentWriter) finish(dir string) (*segment, error) {
	if sw.count == 0 {
		sw.abort()
		return nil, fmt.Errorf("%w: empty segment", index.ErrInvalidArgument)
	}
	bloomOff := sw.off

	// A bloom build failure degrades to always-probe; correctness is
	// preserved at a performance cost.
	var bloomBuf []byte
	bloom := NewBloom(sw.count, sw.fpRate)
	for i := range sw.h1s {
		bloom.AddHash(sw.h1s[i], sw.h2s[i])
	}
	if buf, err := bloom.Encode(); err != nil {
		slog.Warn("bloom filter build failed, segment will always be probed",
			"segment", sw.id, "error", err)
	} else {
		bloomBuf = buf
	}
	if _, err := sw.w.Write(bloomBuf); err != nil {
		sw.abort()
		return nil, fmt.Errorf("%w: writing segment %s bloom: %v", index.ErrIO, sw.id, err)
	}

	indexOff := bloomOff + uint64(len(bloomBuf))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(sw.sparseKeys)))
	if _, err := sw.w.Write(n[:]); err != nil {
		sw.abort()
		return nil, fmt.Errorf("%w: writing segment %s index: %v", index.ErrIO, sw.id, err)
	}
	boundsOff := indexOff + 4
	for i, key := range sw.sparseKeys {
		var rec [10]byte
		binary.BigEndian.PutUint16(rec[0:], uint16(len(key)))
		binary.BigEndian.PutUint64(rec[2:], sw.sparseOffs[i])
		if _, err := sw.w.Write(rec[:2]); err != nil {
			sw.abort()
			return nil, fmt.Errorf("%w: writing segment %s index: %v", index.ErrIO, sw.id, err)
		}
		if _, err := sw.w.Write(key); err != nil {
			sw.abort()
			return nil, fmt.Errorf("%w: writing segment %s index: %v", index.ErrIO, sw.id, err)
		}
		if _, err := sw.w.Write(rec[2:]); err != nil {
			sw.abort()
			return nil, fmt.Errorf("%w: writing segment %s index: %v", index.ErrIO, sw.id, err)
		}
		boundsOff += uint64(2 + len(key) + 8)
	}

	for _, key := range [][]byte{sw.minKey, sw.maxKey} {
		var klen [2]byte
		binary.BigEndian.PutUint16(klen[:], uint16(len(key)))
		if _, err := sw.w.Write(klen[:]); err != nil {
			sw.abort()
			return nil, fmt.Errorf("%w: writing segment %s bounds: %v", index.ErrIO, sw.id, err)
		}
		if _, err := sw.w.Write(key); err != nil {
			sw.abort()
			return nil, fmt.Errorf("%w: writing segment %s bounds: %v", index.ErrIO, sw.id, err)
		}
	}

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint64(footer[0:], bloomOff)
	binary.BigEndian.PutUint64(footer[8:], indexOff)
	binary.BigEndian.PutUint64(footer[16:], boundsOff)
	binary.BigEndian.PutUint64(footer[24:], uint64(sw.count))
	binary.BigEndian.PutUint64(footer[32:], segMagic)
	if _, err := sw.w.Write(footer); err != nil {
		sw.abort()
		return nil, fmt.Errorf("%w: writing segment %s footer: %v", index.ErrIO, sw.id, err)
	}
	if err := sw.w.Flush(); err != nil {
		sw.abort()
		return nil, fmt.Errorf("%w: flushing segment %s: %v", index.ErrIO, sw.id, err)
	}
	if err := sw.f.Sync(); err != nil {
		sw.abort()
		return nil, fmt.Errorf("%w: syncing segment %s: %v", index.ErrIO, sw.id, err)
	}
	if err := sw.f.Close(); err != nil {
		os.Remove(sw.path)
		return nil, fmt.Errorf("%w: closing segment %s: %v", index.ErrIO, sw.id, err)
	}
	return openSegment(dir, sw.id)
}

// abort discards a partially written segment.
func (sw *segmentWriter) abort() {
	sw.f.Close()
	os.Remove(sw.path)
}
