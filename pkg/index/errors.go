package index

import "errors"

// Error kinds surfaced by the index implementations. Callers classify with
// errors.Is; implementations wrap these with context via fmt.Errorf("%w").
var (
	// ErrNotFound is used internally for absent keys. The Index interface
	// itself reports absence as (nil, false, nil), never as an error.
	ErrNotFound = errors.New("key not found")

	// ErrCapacity reports that a structure reached a hard growth bound:
	// a hash directory at its maximum global depth, or a bucket that can
	// no longer split. The caller must reorganize or reject the write.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrCorruption reports a deserialization or invariant violation.
	// Fatal and non-retriable.
	ErrCorruption = errors.New("corrupted index data")

	// ErrIO wraps page read/write failures. Retriable by the caller's
	// policy; never retried internally.
	ErrIO = errors.New("io failure")

	// ErrInvalidArgument reports a malformed key or value, such as an
	// empty key or one exceeding the maximum encodable size.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed reports use of an index after Close.
	ErrClosed = errors.New("index is closed")
)
