package page_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ridgedb/pkg/index"
	"ridgedb/pkg/page"
)

// tempStorePath names a page file in the test's temp directory. The
// file itself is created by OpenFileStore.
func tempStorePath(t *testing.T) string {
	t.Parallel()
	return filepath.Join(t.TempDir(), "pages.db")
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := tempStorePath(t)
	store, err := page.OpenFileStore(path)
	if err != nil {
		t.Fatal("Failed to open file store:", err)
	}
	defer store.Close()

	id, err := store.AllocatePage()
	if err != nil {
		t.Fatal("Failed to allocate page:", err)
	}
	data := bytes.Repeat([]byte{0xAB}, page.Size)
	if err := store.WritePage(id, data); err != nil {
		t.Fatal("Failed to write page:", err)
	}
	got, err := store.ReadPage(id)
	if err != nil {
		t.Fatal("Failed to read page back:", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("page contents changed across write/read")
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := tempStorePath(t)
	store, err := page.OpenFileStore(path)
	if err != nil {
		t.Fatal("Failed to open file store:", err)
	}
	id, err := store.AllocatePage()
	if err != nil {
		t.Fatal("Failed to allocate page:", err)
	}
	data := make([]byte, page.Size)
	copy(data, "persistent payload")
	if err := store.WritePage(id, data); err != nil {
		t.Fatal("Failed to write page:", err)
	}
	numPages := store.NumPages()
	if err := store.Close(); err != nil {
		t.Fatal("Failed to close store:", err)
	}

	reopened, err := page.OpenFileStore(path)
	if err != nil {
		t.Fatal("Failed to reopen file store:", err)
	}
	defer reopened.Close()
	if got := reopened.NumPages(); got != numPages {
		t.Errorf("NumPages() = %d after reopen, want %d", got, numPages)
	}
	got, err := reopened.ReadPage(id)
	if err != nil {
		t.Fatal("Failed to read page after reopen:", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("page contents changed across reopen")
	}
}

// Freed pages must be recycled before the file grows, and the free list
// must survive a reopen.
func TestFileStoreFreeListReuse(t *testing.T) {
	path := tempStorePath(t)
	store, err := page.OpenFileStore(path)
	if err != nil {
		t.Fatal("Failed to open file store:", err)
	}

	var ids []page.ID
	for i := 0; i < 4; i++ {
		id, err := store.AllocatePage()
		if err != nil {
			t.Fatal("Failed to allocate page:", err)
		}
		ids = append(ids, id)
	}
	freed := ids[1]
	if err := store.FreePage(freed); err != nil {
		t.Fatal("Failed to free page:", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal("Failed to close store:", err)
	}

	reopened, err := page.OpenFileStore(path)
	if err != nil {
		t.Fatal("Failed to reopen file store:", err)
	}
	defer reopened.Close()
	before := reopened.NumPages()
	id, err := reopened.AllocatePage()
	if err != nil {
		t.Fatal("Failed to allocate after reopen:", err)
	}
	if id != freed {
		t.Errorf("allocation returned page %d, want recycled page %d", id, freed)
	}
	if reopened.NumPages() != before {
		t.Errorf("file grew to %d pages despite a free page being available", reopened.NumPages())
	}
}

func TestFileStoreRejectsCorruptHeader(t *testing.T) {
	path := tempStorePath(t)
	store, err := page.OpenFileStore(path)
	if err != nil {
		t.Fatal("Failed to open file store:", err)
	}
	if _, err := store.AllocatePage(); err != nil {
		t.Fatal("Failed to allocate page:", err)
	}
	store.Close()

	// Stomp the header magic.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("garbage!"), 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := page.OpenFileStore(path); !errors.Is(err, index.ErrCorruption) {
		t.Errorf("expected ErrCorruption opening stomped file, got %v", err)
	}
}

func TestMemStore(t *testing.T) {
	t.Parallel()
	store := page.NewMemStore()
	id, err := store.AllocatePage()
	if err != nil {
		t.Fatal("Failed to allocate page:", err)
	}
	data := make([]byte, page.Size)
	copy(data, "in memory")
	if err := store.WritePage(id, data); err != nil {
		t.Fatal("Failed to write page:", err)
	}
	got, err := store.ReadPage(id)
	if err != nil {
		t.Fatal("Failed to read page:", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("page contents changed across write/read")
	}
	if err := store.FreePage(id); err != nil {
		t.Fatal("Failed to free page:", err)
	}
	if _, err := store.ReadPage(id); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument reading freed page, got %v", err)
	}
	next, err := store.AllocatePage()
	if err != nil {
		t.Fatal("Failed to allocate page:", err)
	}
	if next != id {
		t.Errorf("allocation returned page %d, want recycled page %d", next, id)
	}
}
