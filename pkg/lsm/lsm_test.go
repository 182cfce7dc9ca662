package lsm_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/config"
	"ridgedb/pkg/index"
	"ridgedb/pkg/lsm"
)

// Mod vals by this value to prevent hardcoding tests.
var lsmSalt = rand.Int63n(1000) + 1

func generateValue(key int64) []byte {
	return fmt.Appendf(nil, "v%d", (key*6151)%lsmSalt)
}

func setupLsm(t *testing.T, cfg config.Config) *lsm.Index {
	t.Parallel()
	ix, err := lsm.Open(t.TempDir(), cfg)
	if err != nil {
		t.Fatal("Failed to open LSM index:", err)
	}
	return ix
}

func insertEntry(t *testing.T, ix *lsm.Index, key int64) {
	t.Helper()
	if err := ix.Insert(codec.EncodeInt64(key), generateValue(key)); err != nil {
		t.Errorf("Failed to insert key %d: %s", key, err)
	}
}

func checkFind(t *testing.T, ix *lsm.Index, key int64) {
	t.Helper()
	val, found, err := ix.Search(codec.EncodeInt64(key))
	if err != nil {
		t.Errorf("Search(%d) errored: %s", key, err)
		return
	}
	if !found {
		t.Errorf("inserted key %d not found", key)
		return
	}
	if want := generateValue(key); !bytes.Equal(val, want) {
		t.Errorf("Search(%d) = %q, want %q", key, val, want)
	}
}

func checkAbsent(t *testing.T, ix *lsm.Index, key int64) {
	t.Helper()
	_, found, err := ix.Search(codec.EncodeInt64(key))
	if err != nil {
		t.Errorf("Search(%d) errored: %s", key, err)
		return
	}
	if found {
		t.Errorf("deleted key %d still found", key)
	}
}

// A tiny memtable forces the write path through flushes and segments.
func smallConfig() config.Config {
	return config.Config{MaxMemtableBytes: 1024}
}

func TestInsertAndSearch(t *testing.T) {
	t.Run("MemtableOnly", func(t *testing.T) {
		ix := setupLsm(t, config.Config{})
		defer ix.Close()
		for i := int64(0); i < 100; i++ {
			insertEntry(t, ix, i)
		}
		for i := int64(0); i < 100; i++ {
			checkFind(t, ix, i)
		}
	})

	t.Run("AcrossFlushes", func(t *testing.T) {
		ix := setupLsm(t, smallConfig())
		defer ix.Close()
		for i := int64(0); i < 2000; i++ {
			insertEntry(t, ix, i)
		}
		if t.Failed() {
			t.FailNow()
		}
		total := 0
		for _, n := range ix.LevelSizes() {
			total += n
		}
		if total == 0 {
			t.Fatal("no segments written despite memtable overflow")
		}
		for i := int64(0); i < 2000; i++ {
			checkFind(t, ix, i)
		}
	})

	t.Run("OverwriteNewestWins", func(t *testing.T) {
		ix := setupLsm(t, smallConfig())
		defer ix.Close()
		key := codec.EncodeInt64(7)
		if err := ix.Insert(key, []byte("old")); err != nil {
			t.Fatal(err)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal("Flush errored:", err)
		}
		if err := ix.Insert(key, []byte("new")); err != nil {
			t.Fatal(err)
		}
		val, found, err := ix.Search(key)
		if err != nil || !found {
			t.Fatalf("Search after overwrite: found=%v err=%v", found, err)
		}
		if string(val) != "new" {
			t.Errorf("old segment value shadowed the newer write: %q", val)
		}
	})
}

// MAX_MEMTABLE_SIZE = 1024 with 32-byte entries: the 32 entries fill the
// memtable exactly; the 33rd insert triggers exactly one flush producing
// one level-0 segment, and the byte counter resets to the overflowing
// entry's size.
func TestMemtableOverflowFlush(t *testing.T) {
	ix := setupLsm(t, config.Config{MaxMemtableBytes: 1024})
	defer ix.Close()

	value := bytes.Repeat([]byte{'v'}, 24) // 8-byte key + 24-byte value
	for i := int64(0); i < 32; i++ {
		if err := ix.Insert(codec.EncodeInt64(i), value); err != nil {
			t.Fatal(err)
		}
	}
	if got := ix.MemtableBytes(); got != 1024 {
		t.Fatalf("MemtableBytes() = %d after exact fill, want 1024", got)
	}
	if sizes := ix.LevelSizes(); len(sizes) != 0 {
		t.Fatalf("segments written before the budget was exceeded: %v", sizes)
	}

	if err := ix.Insert(codec.EncodeInt64(32), value); err != nil {
		t.Fatal(err)
	}
	if got := ix.MemtableBytes(); got != 32 {
		t.Errorf("MemtableBytes() = %d after overflow, want the overflowing entry's 32", got)
	}
	sizes := ix.LevelSizes()
	if len(sizes) == 0 || sizes[0] != 1 {
		t.Errorf("expected exactly one level-0 segment, got %v", sizes)
	}
	for i := int64(0); i <= 32; i++ {
		val, found, err := ix.Search(codec.EncodeInt64(i))
		if err != nil || !found || !bytes.Equal(val, value) {
			t.Fatalf("key %d lost across flush: found=%v err=%v", i, found, err)
		}
	}
}

// The memtable bound holds at every observable point.
func TestMemtableBoundInvariant(t *testing.T) {
	ix := setupLsm(t, config.Config{MaxMemtableBytes: 512})
	defer ix.Close()
	for i := int64(0); i < 500; i++ {
		insertEntry(t, ix, i)
		if got := ix.MemtableBytes(); got > 512 {
			t.Fatalf("MemtableBytes() = %d exceeds budget 512 after insert %d", got, i)
		}
	}
}

// An entry larger than the whole memtable budget can never be staged.
func TestOversizedEntry(t *testing.T) {
	ix := setupLsm(t, config.Config{MaxMemtableBytes: 64})
	defer ix.Close()
	err := ix.Insert(codec.EncodeInt64(1), bytes.Repeat([]byte{'v'}, 100))
	if !errors.Is(err, index.ErrCapacity) {
		t.Errorf("expected ErrCapacity, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	t.Run("TombstoneShadowsSegments", func(t *testing.T) {
		ix := setupLsm(t, smallConfig())
		defer ix.Close()
		for i := int64(0); i < 500; i++ {
			insertEntry(t, ix, i)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
		for i := int64(0); i < 500; i += 2 {
			if err := ix.Delete(codec.EncodeInt64(i)); err != nil {
				t.Fatalf("Delete(%d) errored: %s", i, err)
			}
		}
		for i := int64(0); i < 500; i++ {
			if i%2 == 0 {
				checkAbsent(t, ix, i)
			} else {
				checkFind(t, ix, i)
			}
		}
	})

	t.Run("DeleteThenReinsert", func(t *testing.T) {
		ix := setupLsm(t, smallConfig())
		defer ix.Close()
		key := codec.EncodeInt64(5)
		if err := ix.Insert(key, []byte("one")); err != nil {
			t.Fatal(err)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
		if err := ix.Delete(key); err != nil {
			t.Fatal(err)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
		if err := ix.Insert(key, []byte("two")); err != nil {
			t.Fatal(err)
		}
		val, found, err := ix.Search(key)
		if err != nil || !found {
			t.Fatalf("Search after reinsert: found=%v err=%v", found, err)
		}
		if string(val) != "two" {
			t.Errorf("reinsert shadowed by tombstone, got %q", val)
		}
	})
}

func scanKeys(t *testing.T, it index.Iterator) []int64 {
	t.Helper()
	defer it.Close()
	var keys []int64
	for it.Next() {
		k, err := codec.DecodeInt64(it.Key())
		if err != nil {
			t.Fatal("scan returned undecodable key:", err)
		}
		keys = append(keys, k)
	}
	if err := it.Err(); err != nil {
		t.Fatal("scan errored:", err)
	}
	return keys
}

func TestRangeScan(t *testing.T) {
	t.Run("MergesMemtableAndSegments", func(t *testing.T) {
		ix := setupLsm(t, smallConfig())
		defer ix.Close()
		// Even keys land in segments, odd keys stay in the memtable.
		for i := int64(0); i < 200; i += 2 {
			insertEntry(t, ix, i)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
		for i := int64(1); i < 200; i += 2 {
			insertEntry(t, ix, i)
		}
		it, err := ix.RangeScan(codec.EncodeInt64(50), codec.EncodeInt64(149))
		if err != nil {
			t.Fatal(err)
		}
		got := scanKeys(t, it)
		if len(got) != 100 {
			t.Fatalf("scan returned %d keys, want 100", len(got))
		}
		for i, k := range got {
			if k != int64(50+i) {
				t.Fatalf("scan[%d] = %d, want %d", i, k, 50+i)
			}
		}
	})

	t.Run("SuppressesTombstones", func(t *testing.T) {
		ix := setupLsm(t, smallConfig())
		defer ix.Close()
		for i := int64(0); i < 100; i++ {
			insertEntry(t, ix, i)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
		for i := int64(20); i < 40; i++ {
			if err := ix.Delete(codec.EncodeInt64(i)); err != nil {
				t.Fatal(err)
			}
		}
		it, err := ix.RangeScan(nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		got := scanKeys(t, it)
		if len(got) != 80 {
			t.Fatalf("scan returned %d keys, want 80", len(got))
		}
		for _, k := range got {
			if k >= 20 && k < 40 {
				t.Fatalf("deleted key %d appeared in scan", k)
			}
		}
	})

	t.Run("SnapshotSurvivesConcurrentWrites", func(t *testing.T) {
		ix := setupLsm(t, smallConfig())
		defer ix.Close()
		for i := int64(0); i < 300; i++ {
			insertEntry(t, ix, i)
		}
		it, err := ix.RangeScan(codec.EncodeInt64(0), codec.EncodeInt64(299))
		if err != nil {
			t.Fatal(err)
		}
		// Keep writing while the iterator drains; flushes and compactions
		// must not invalidate the snapshot underneath it.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := int64(1000); i < 3000; i++ {
				if err := ix.Insert(codec.EncodeInt64(i), generateValue(i)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
		got := scanKeys(t, it)
		<-done
		if len(got) != 300 {
			t.Fatalf("snapshot scan returned %d keys, want 300", len(got))
		}
	})
}

// Compaction changes physical layout only: the logical mapping observed
// through Search and RangeScan is identical before and after.
func TestCompactionPreservesMapping(t *testing.T) {
	ix := setupLsm(t, config.Config{
		MaxMemtableBytes:    512,
		MaxSegmentsPerLevel: 2,
		LevelGrowthFactor:   2,
		CompactionRateBytes: -1, // unthrottled
	})
	defer ix.Close()

	const n = 3000
	for i := int64(0); i < n; i++ {
		insertEntry(t, ix, i)
	}
	// Overwrite a band and delete another so compaction has shadowing and
	// tombstones to resolve.
	for i := int64(100); i < 200; i++ {
		if err := ix.Insert(codec.EncodeInt64(i), []byte("rewritten")); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(300); i < 400; i++ {
		if err := ix.Delete(codec.EncodeInt64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if t.Failed() {
		t.FailNow()
	}

	// Give background compaction time to reshape the levels.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sizes := ix.LevelSizes()
		if len(sizes) > 1 && sizes[1] > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sizes := ix.LevelSizes(); len(sizes) < 2 || sizes[1] == 0 {
		t.Fatalf("compaction never populated level 1: %v", sizes)
	}

	for i := int64(0); i < n; i++ {
		switch {
		case i >= 300 && i < 400:
			checkAbsent(t, ix, i)
		case i >= 100 && i < 200:
			val, found, err := ix.Search(codec.EncodeInt64(i))
			if err != nil || !found || string(val) != "rewritten" {
				t.Fatalf("overwritten key %d wrong after compaction: %q found=%v err=%v", i, val, found, err)
			}
		default:
			checkFind(t, ix, i)
		}
	}

	it, err := ix.RangeScan(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := scanKeys(t, it)
	if len(got) != n-100 {
		t.Fatalf("scan returned %d keys after compaction, want %d", len(got), n-100)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("scan out of order at %d", i)
		}
	}
}

func TestReopenRecoversState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ix, err := lsm.Open(dir, smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 1000; i++ {
		insertEntry(t, ix, i)
	}
	for i := int64(0); i < 1000; i += 5 {
		if err := ix.Delete(codec.EncodeInt64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := ix.Close(); err != nil {
		t.Fatal("Close errored:", err)
	}

	reopened, err := lsm.Open(dir, smallConfig())
	if err != nil {
		t.Fatal("reopen errored:", err)
	}
	defer reopened.Close()
	for i := int64(0); i < 1000; i++ {
		if i%5 == 0 {
			checkAbsent(t, reopened, i)
		} else {
			checkFind(t, reopened, i)
		}
	}
}

func TestBackup(t *testing.T) {
	t.Parallel()
	ix, err := lsm.Open(t.TempDir(), smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	for i := int64(0); i < 500; i++ {
		insertEntry(t, ix, i)
	}
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir() + "/backup"
	if err := ix.Backup(dest); err != nil {
		t.Fatal("Backup errored:", err)
	}
	restored, err := lsm.Open(dest, smallConfig())
	if err != nil {
		t.Fatal("opening backup errored:", err)
	}
	defer restored.Close()
	for i := int64(0); i < 500; i++ {
		checkFind(t, restored, i)
	}
}

type countingAccel struct {
	mu    sync.Mutex
	calls int
}

func (a *countingAccel) BatchHash(keys [][]byte) []uint64 {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	out := make([]uint64, len(keys))
	for i, k := range keys {
		out[i] = lsm.HashKey(k)
	}
	return out
}

func TestAcceleratorFlush(t *testing.T) {
	t.Parallel()
	accel := &countingAccel{}
	ix, err := lsm.Open(t.TempDir(), smallConfig(), lsm.WithAccelerator(accel))
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	for i := int64(0); i < 100; i++ {
		insertEntry(t, ix, i)
	}
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}
	if accel.calls == 0 {
		t.Error("accelerator was never consulted during flush")
	}
	// Bloom filters built from accelerator hashes must still answer
	// correctly for every present key.
	for i := int64(0); i < 100; i++ {
		checkFind(t, ix, i)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	ix := setupLsm(t, smallConfig())
	defer ix.Close()
	for i := int64(0); i < 1000; i++ {
		insertEntry(t, ix, i)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1000); i < 3000; i++ {
			if err := ix.Insert(codec.EncodeInt64(i), generateValue(i)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rep := 0; rep < 500; rep++ {
				key := int64(rep % 1000)
				val, found, err := ix.Search(codec.EncodeInt64(key))
				if err != nil {
					t.Error(err)
					return
				}
				if !found || !bytes.Equal(val, generateValue(key)) {
					t.Errorf("stable key %d wrong under concurrent writes", key)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestClosedIndex(t *testing.T) {
	ix := setupLsm(t, config.Config{})
	insertEntry(t, ix, 1)
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ix.Insert(codec.EncodeInt64(2), []byte("v")); !errors.Is(err, index.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, _, err := ix.Search(codec.EncodeInt64(1)); !errors.Is(err, index.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := ix.Close(); err != nil {
		t.Errorf("second Close errored: %s", err)
	}
}
