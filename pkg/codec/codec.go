// Package codec serializes keys, values and entry cells for the index
// structures. Keys and values are opaque byte sequences ordered by
// bytes.Compare; the integer encoders here preserve that ordering so
// numeric workloads scan in numeric order.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"ridgedb/pkg/index"
)

// Size limits for a single entry. Oversized keys or values are rejected
// with ErrInvalidArgument before they reach any on-disk structure.
const (
	MaxKeySize   = 64
	MaxValueSize = 256
)

// CellSize is the fixed on-page footprint of one entry cell:
// two uint16 length prefixes plus the maximum key and value payloads.
const CellSize = 2 + MaxKeySize + 2 + MaxValueSize

// Validate checks that key and value are storable.
func Validate(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", index.ErrInvalidArgument)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes exceeds maximum %d",
			index.ErrInvalidArgument, len(key), MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds maximum %d",
			index.ErrInvalidArgument, len(value), MaxValueSize)
	}
	return nil
}

// Compare orders two keys byte-wise.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// EncodeInt64 encodes v into a fixed 8-byte, order-preserving form:
// big-endian with the sign bit flipped, so bytes.Compare on the encodings
// matches the numeric order of the inputs.
func EncodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: int64 key must be 8 bytes, got %d",
			index.ErrInvalidArgument, len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

// EncodeUint64 encodes v big-endian, which is already order-preserving.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 reverses EncodeUint64.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: uint64 key must be 8 bytes, got %d",
			index.ErrInvalidArgument, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// PutCell writes a key-value entry into a fixed-size cell at buf[:CellSize].
// The key and value must already have passed Validate.
func PutCell(buf []byte, key, value []byte) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:2+MaxKeySize], key)
	binary.BigEndian.PutUint16(buf[2+MaxKeySize:4+MaxKeySize], uint16(len(value)))
	copy(buf[4+MaxKeySize:], value)
}

// GetCell reads the entry stored at buf[:CellSize]. The returned slices
// are copies and remain valid after the page is evicted or rewritten.
func GetCell(buf []byte) (key, value []byte, err error) {
	klen := binary.BigEndian.Uint16(buf[0:2])
	if int(klen) > MaxKeySize {
		return nil, nil, fmt.Errorf("%w: cell key length %d", index.ErrCorruption, klen)
	}
	vlen := binary.BigEndian.Uint16(buf[2+MaxKeySize : 4+MaxKeySize])
	if int(vlen) > MaxValueSize {
		return nil, nil, fmt.Errorf("%w: cell value length %d", index.ErrCorruption, vlen)
	}
	key = make([]byte, klen)
	copy(key, buf[2:2+klen])
	value = make([]byte, vlen)
	copy(value, buf[4+MaxKeySize:4+MaxKeySize+int(vlen)])
	return key, value, nil
}

// EntrySize is the logical byte footprint of an entry, used for memtable
// accounting.
func EntrySize(key, value []byte) int {
	return len(key) + len(value)
}
