// Package cache wires the segment heaps, the hash index and the TTL bucket
// groups into the two-tier cache the daemon exposes: a small in-memory tier
// for short values and a file-backed tier for larger ones. The Cache handle
// is the sole root; nothing in the lower packages holds global state.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/osedukhin/proxyd/internal/cache/index"
	"github.com/osedukhin/proxyd/internal/cache/segment"
	"github.com/osedukhin/proxyd/internal/cache/ttlbucket"
)

const (
	// TierRAM holds values smaller than the RAM segment size.
	TierRAM = 0
	// TierFile holds everything up to the file segment size.
	TierFile = 1

	tierCount = 2
)

var (
	ErrNotFound      = index.ErrNotFound
	ErrValueTooLarge = errors.New("cache: value exceeds every tier's segment size")
	ErrTTLOutOfRange = ttlbucket.ErrTTLOutOfRange
	ErrOutOfSegments = ttlbucket.ErrOutOfSegments
)

// Config holds the cache geometry.
type Config struct {
	HashSize     int
	RAMSegCount  uint32
	FileSegCount uint32
	RAMSegSize   uint32
	FileSegSize  uint32
	CacheDir     string

	MaintenanceInterval time.Duration

	FS     afero.Fs // nil means the OS filesystem
	Logger *slog.Logger
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.HashSize == 0 {
		cfg.HashSize = 1024
	}
	if cfg.RAMSegCount == 0 {
		cfg.RAMSegCount = 64
	}
	if cfg.FileSegCount == 0 {
		cfg.FileSegCount = 16
	}
	if cfg.RAMSegSize == 0 {
		cfg.RAMSegSize = 16 * 1024
	}
	if cfg.FileSegSize == 0 {
		cfg.FileSegSize = 512 * 1024
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 10 * time.Second
	}
	return cfg
}

// Validate checks the geometry against the packed-pointer field limits.
func (cfg Config) Validate() error {
	if cfg.HashSize <= 0 || cfg.HashSize&(cfg.HashSize-1) != 0 {
		return fmt.Errorf("cache: hash size %d must be a power of two", cfg.HashSize)
	}
	if cfg.RAMSegCount == 0 || cfg.FileSegCount == 0 {
		return fmt.Errorf("cache: segment counts must be positive")
	}
	if cfg.RAMSegSize == 0 || cfg.FileSegSize == 0 {
		return fmt.Errorf("cache: segment sizes must be positive")
	}
	if cfg.RAMSegSize > index.MaxSegmentOffset+1 || cfg.FileSegSize > index.MaxSegmentOffset+1 {
		return fmt.Errorf("cache: segment size exceeds the %d-byte pointer offset range", index.MaxSegmentOffset+1)
	}
	if cfg.CacheDir == "" {
		return fmt.Errorf("cache: cache dir is required")
	}
	return nil
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Puts   int64 `json:"puts"`
	Gets   int64 `json:"gets"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`

	Tiers [tierCount]TierStats `json:"tiers"`
}

// TierStats describes one tier's segment population.
type TierStats struct {
	SegmentSize   uint32 `json:"segment_size"`
	TotalSegments uint32 `json:"total_segments"`
	FreeSegments  int    `json:"free_segments"`
}

// Cache is the two-tier segmented TTL cache. All operations serialize on an
// internal mutex: the engine itself is single-threaded by design, callers
// (API handlers, the maintenance loop) are not.
type Cache struct {
	mu sync.Mutex

	cfg    Config
	heaps  [tierCount]*segment.Heap
	groups [tierCount]*ttlbucket.Group
	table  *index.Table
	log    *slog.Logger

	puts, gets, hits, misses int64
}

// New builds both heaps, both TTL groups and the hash index.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	ramHeap, err := segment.NewHeap(cfg.RAMSegSize, cfg.RAMSegCount, "", cfg.FS, logger)
	if err != nil {
		return nil, fmt.Errorf("cache: init ram tier: %w", err)
	}
	fileHeap, err := segment.NewHeap(cfg.FileSegSize, cfg.FileSegCount, cfg.CacheDir, cfg.FS, logger)
	if err != nil {
		return nil, fmt.Errorf("cache: init file tier: %w", err)
	}

	heaps := []*segment.Heap{ramHeap, fileHeap}
	table, err := index.New(cfg.HashSize, heaps)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:   cfg,
		heaps: [tierCount]*segment.Heap{ramHeap, fileHeap},
		table: table,
		log:   logger,
	}
	for tier := 0; tier < tierCount; tier++ {
		c.groups[tier] = ttlbucket.NewGroup(uint8(tier), c.heaps[tier], table, logger)
	}

	logger.Info("cache initialized",
		"hash_size", cfg.HashSize,
		"ram_segments", cfg.RAMSegCount, "ram_segment_size", cfg.RAMSegSize,
		"file_segments", cfg.FileSegCount, "file_segment_size", cfg.FileSegSize,
		"cache_dir", cfg.CacheDir)
	return c, nil
}

// Put stores value under key for ttl seconds. The first tier whose segment
// size exceeds the value size takes the write; no tier fits means
// ErrValueTooLarge.
func (c *Cache) Put(key string, ttl int64, value []byte) error {
	if key == "" || len(key) > segment.MaxKeySize {
		return fmt.Errorf("cache: key length %d out of range [1, %d]", len(key), segment.MaxKeySize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for tier := 0; tier < tierCount; tier++ {
		if uint32(len(value)) >= c.heaps[tier].SegmentSize() {
			continue
		}
		hdr := segment.ItemHeader{Key: key, ValueSize: uint32(len(value))}
		if err := c.groups[tier].Write(ttl, hdr, value); err != nil {
			if !errors.Is(err, ttlbucket.ErrTTLOutOfRange) {
				c.log.Warn("cache write failed", "key", key, "tier", tier, "error", err)
			}
			return err
		}
		c.puts++
		return nil
	}
	return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
}

// Get returns the most recent value stored under key, or ErrNotFound.
// Misses are an expected outcome and are never logged.
func (c *Cache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gets++
	_, value, err := c.table.Get(key)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			c.misses++
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.hits++
	return value, nil
}

// Sweep runs one expired-segment pass over both tiers and returns the
// number of segments reclaimed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := 0
	for _, g := range c.groups {
		freed += g.Sweep()
	}
	return freed
}

// Stats returns a snapshot of cache counters and tier population.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Puts: c.puts, Gets: c.gets, Hits: c.hits, Misses: c.misses}
	for tier, heap := range c.heaps {
		s.Tiers[tier] = TierStats{
			SegmentSize:   heap.SegmentSize(),
			TotalSegments: heap.Size(),
			FreeSegments:  heap.FreeCount(),
		}
	}
	return s
}

// Close tears the cache down in reverse dependency order. The file tier's
// cache files are removed; the in-memory tier is lost by definition.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for tier := tierCount - 1; tier >= 0; tier-- {
		if err := c.heaps[tier].Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.table = nil
	return firstErr
}
