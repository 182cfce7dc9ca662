// Package page defines the page store the paged indexes persist through,
// together with a direct-I/O file implementation and an in-memory
// implementation for tests and ephemeral indexes.
package page

import (
	"github.com/ncw/directio"
)

// Size is the fixed size of a page in bytes, aligned to the direct-I/O
// block size (4 KiB on every supported platform).
const Size = directio.BlockSize

// ID identifies a page within a store. IDs are stable for the lifetime of
// the store; freed IDs may be recycled by AllocatePage.
type ID int64

// NoPage is the nil page id.
const NoPage ID = -1

// Store is the disk collaborator consumed by the paged indexes. The
// B-Tree and LSM tree never own pages; they hold IDs and read or write
// through a Store.
type Store interface {
	// ReadPage returns the Size bytes stored at id. The returned slice is
	// owned by the caller.
	ReadPage(id ID) ([]byte, error)

	// WritePage persists exactly Size bytes at id. Shorter input is
	// zero-padded; longer input is an error.
	WritePage(id ID, data []byte) error

	// AllocatePage reserves a fresh (or recycled) page id.
	AllocatePage() (ID, error)

	// FreePage returns id to the store for later reuse.
	FreePage(id ID) error

	// NumPages returns the number of pages ever allocated, including
	// freed ones.
	NumPages() int64

	// Close flushes and releases the store.
	Close() error
}
