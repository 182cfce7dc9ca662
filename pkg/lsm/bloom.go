package lsm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"

	"ridgedb/pkg/index"
)

// Bloom is the per-segment membership filter. It uses the standard
// double-hashing scheme: k probe positions derived from an xxhash and a
// murmur3 hash of the key, so adding n keys at the configured false
// positive rate needs k full hashes only twice.
//
// No false negatives: a key that was added always tests positive.
type Bloom struct {
	bits *bitset.BitSet
	k    uint32
}

// NewBloom sizes a filter for n keys at false positive rate p using the
// textbook optima m = -n*ln(p)/ln(2)^2 and k = (m/n)*ln(2).
func NewBloom(n int, p float64) *Bloom {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Bloom{bits: bitset.New(m), k: k}
}

// hashPair returns the two independent hashes combined into the k probe
// positions.
func hashPair(key []byte) (uint64, uint64) {
	return xxhash.Sum64(key), murmur3.Sum64(key)
}

// HashKey is the primary bloom hash of a key. An Accelerator's BatchHash
// must agree with it exactly.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Add records key in the filter.
func (b *Bloom) Add(key []byte) {
	h1, h2 := hashPair(key)
	b.AddHash(h1, h2)
}

// AddHash records a pre-hashed key. Bulk builders use this with the
// batch hashing accelerator.
func (b *Bloom) AddHash(h1, h2 uint64) {
	m := uint64(b.bits.Len())
	for i := uint64(0); i < uint64(b.k); i++ {
		b.bits.Set(uint((h1 + i*h2) % m))
	}
}

// MayContain reports whether key might be in the filter. False means the
// key was definitely never added.
func (b *Bloom) MayContain(key []byte) bool {
	h1, h2 := hashPair(key)
	m := uint64(b.bits.Len())
	for i := uint64(0); i < uint64(b.k); i++ {
		if !b.bits.Test(uint((h1 + i*h2) % m)) {
			return false
		}
	}
	return true
}

// SizeBytes approximates the filter's memory footprint, used to size the
// bloom cache from the memory budget.
func (b *Bloom) SizeBytes() int {
	return int(b.bits.Len()/8) + 16
}

// Encode serializes the filter as [k u32][bitset].
func (b *Bloom) Encode() ([]byte, error) {
	bits, err := b.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding bloom filter: %v", index.ErrCorruption, err)
	}
	out := make([]byte, 4+len(bits))
	binary.BigEndian.PutUint32(out, b.k)
	copy(out[4:], bits)
	return out, nil
}

// DecodeBloom reverses Encode.
func DecodeBloom(buf []byte) (*Bloom, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: bloom filter truncated", index.ErrCorruption)
	}
	b := &Bloom{k: binary.BigEndian.Uint32(buf), bits: bitset.New(8)}
	if err := b.bits.UnmarshalBinary(buf[4:]); err != nil {
		return nil, fmt.Errorf("%w: decoding bloom filter: %v", index.ErrCorruption, err)
	}
	if b.k == 0 {
		return nil, fmt.Errorf("%w: bloom filter with zero hashes", index.ErrCorruption)
	}
	return b, nil
}
