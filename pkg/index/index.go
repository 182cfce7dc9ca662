// Package index defines the capability contract shared by every index
// structure in ridgedb. The query executor dispatches through the Index
// interface and never inspects the concrete type.
package index

import "io"

// Type identifies one of the concrete index implementations.
type Type string

const (
	BTreeType Type = "btree"
	LsmType   Type = "lsm"
	HashType  Type = "hash"
)

// Index is the capability consumed by the query executor.
//
// Keys and values are opaque byte sequences. Keys are unique per entry;
// inserting an existing key overwrites its value. A missing key is not an
// error: Search reports it as found == false with a nil error.
type Index interface {
	// Insert stores a key-value entry, overwriting any previous value.
	Insert(key, value []byte) error

	// Search returns the value for key, or found == false if absent.
	Search(key []byte) (value []byte, found bool, err error)

	// Delete removes the entry for key. Deleting an absent key is a no-op.
	Delete(key []byte) error

	// RangeScan returns an iterator over entries with start <= key <= end,
	// in key order for ordered indexes. Hash indexes only support this as a
	// full scan in directory order; see the package documentation.
	RangeScan(start, end []byte) (Iterator, error)

	// Close releases all resources owned by the index.
	Close() error
}

// Iterator is a lazy, forward-only cursor over index entries.
//
// Usage follows the sql.Rows pattern: call Next until it returns false,
// then check Err. Key and Value are only valid after a true Next and
// until the following Next call.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Printable is implemented by indexes that can dump their structure for
// debugging and the maintenance CLI.
type Printable interface {
	Print(w io.Writer)
}
