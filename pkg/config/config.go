// Package config holds the global index configuration.
package config

import "fmt"

// Defaults used when a Config field is left zero.
const (
	DefaultNodeCacheCapacity   = 256
	DefaultMaxMemtableBytes    = 4 << 20 // 4 MiB
	DefaultBloomCacheCapacity  = 64
	DefaultMaxGlobalHashDepth  = 12
	DefaultCompactionRateBytes = 8 << 20 // 8 MiB/s of compaction writes
	DefaultMaxSegmentsPerLevel = 4
	DefaultLevelGrowthFactor   = 10
	DefaultFalsePositiveRate   = 0.01
	DefaultBucketCapacity      = 64
)

// Config carries the recognized index options. The zero value is usable;
// Normalize fills in defaults.
type Config struct {
	// NodeCacheCapacity bounds the B-Tree node cache, in nodes.
	NodeCacheCapacity int

	// MaxMemtableBytes is the hard byte bound on the LSM memtable. An
	// insert that would exceed it triggers a flush first.
	MaxMemtableBytes int

	// BloomCacheCapacity bounds the LSM bloom-filter cache, in filters.
	BloomCacheCapacity int

	// MaxGlobalHashDepth caps the extendible hash directory at
	// 2^MaxGlobalHashDepth slots. Exceeding it is a capacity error.
	MaxGlobalHashDepth uint8

	// CompactionConcurrency bounds the number of levels compacting at
	// once. Within a level at most one job ever runs.
	CompactionConcurrency int

	// CompactionRateBytes throttles compaction writes, in bytes/second,
	// so foreground reads keep I/O bandwidth. Zero means the default;
	// negative disables throttling.
	CompactionRateBytes int

	// MaxSegmentsPerLevel is the level-0 segment budget; level n holds
	// MaxSegmentsPerLevel * LevelGrowthFactor^n segments.
	MaxSegmentsPerLevel int

	// LevelGrowthFactor is the geometric growth of level capacity.
	LevelGrowthFactor int

	// FalsePositiveRate is the target bloom filter false-positive rate.
	FalsePositiveRate float64

	// Order overrides the B-Tree fan-out. Zero derives it from the page
	// size. Values below 4 are rejected.
	Order int

	// BucketCapacity is the number of entries per hash bucket.
	BucketCapacity int
}

// Normalize returns a copy of c with zero fields replaced by defaults.
func (c Config) Normalize() Config {
	if c.NodeCacheCapacity == 0 {
		c.NodeCacheCapacity = DefaultNodeCacheCapacity
	}
	if c.MaxMemtableBytes == 0 {
		c.MaxMemtableBytes = DefaultMaxMemtableBytes
	}
	if c.BloomCacheCapacity == 0 {
		c.BloomCacheCapacity = DefaultBloomCacheCapacity
	}
	if c.MaxGlobalHashDepth == 0 {
		c.MaxGlobalHashDepth = DefaultMaxGlobalHashDepth
	}
	if c.CompactionConcurrency == 0 {
		c.CompactionConcurrency = 1
	}
	if c.CompactionRateBytes == 0 {
		c.CompactionRateBytes = DefaultCompactionRateBytes
	}
	if c.MaxSegmentsPerLevel == 0 {
		c.MaxSegmentsPerLevel = DefaultMaxSegmentsPerLevel
	}
	if c.LevelGrowthFactor == 0 {
		c.LevelGrowthFactor = DefaultLevelGrowthFactor
	}
	if c.FalsePositiveRate == 0 {
		c.FalsePositiveRate = DefaultFalsePositiveRate
	}
	if c.BucketCapacity == 0 {
		c.BucketCapacity = DefaultBucketCapacity
	}
	return c
}

// Validate reports the first invalid option, if any.
func (c Config) Validate() error {
	if c.NodeCacheCapacity < 0 {
		return fmt.Errorf("config: negative NodeCacheCapacity %d", c.NodeCacheCapacity)
	}
	if c.MaxMemtableBytes < 0 {
		return fmt.Errorf("config: negative MaxMemtableBytes %d", c.MaxMemtableBytes)
	}
	if c.BloomCacheCapacity < 0 {
		return fmt.Errorf("config: negative BloomCacheCapacity %d", c.BloomCacheCapacity)
	}
	if c.CompactionConcurrency < 0 {
		return fmt.Errorf("config: negative CompactionConcurrency %d", c.CompactionConcurrency)
	}
	if c.MaxSegmentsPerLevel < 0 {
		return fmt.Errorf("config: negative MaxSegmentsPerLevel %d", c.MaxSegmentsPerLevel)
	}
	if c.BucketCapacity < 0 {
		return fmt.Errorf("config: negative BucketCapacity %d", c.BucketCapacity)
	}
	if c.FalsePositiveRate < 0 || c.FalsePositiveRate >= 1 {
		return fmt.Errorf("config: FalsePositiveRate %g outside (0, 1)", c.FalsePositiveRate)
	}
	if c.Order != 0 && c.Order < 4 {
		return fmt.Errorf("config: Order %d below minimum 4", c.Order)
	}
	if c.LevelGrowthFactor < 0 || c.LevelGrowthFactor == 1 {
		return fmt.Errorf("config: LevelGrowthFactor %d must be 0 or >= 2", c.LevelGrowthFactor)
	}
	return nil
}
