package cache

import (
	"errors"
	"time"

	"github.com/ppiankov/regtruth/internal/model"
)

const memoryCleanupInterval = 10 * time.Minute

// LayeredCache reads memory first, then disk. Disk hits are promoted into
// memory for no longer than the disk entry has left.
type LayeredCache struct {
	memory    *MemoryCache
	disk      *DiskCache
	memoryTTL time.Duration
}

var _ Cache = (*LayeredCache)(nil)

// NewLayeredCache creates a memory-over-disk cache
func NewLayeredCache(memoryTTL time.Duration, diskDir string, diskTTL time.Duration) *LayeredCache {
	return &LayeredCache{
		memory:    NewMemoryCache(memoryTTL, memoryCleanupInterval),
		disk:      NewDiskCache(diskDir, diskTTL),
		memoryTTL: memoryTTL,
	}
}

// FromConfig builds the cache section's store: nil when disabled, memory
// only without a directory, layered otherwise
func FromConfig(cfg model.CacheConfig) Cache {
	switch {
	case !cfg.Enabled:
		return nil
	case cfg.Dir == "":
		return NewMemoryCache(cfg.MemoryTTL, memoryCleanupInterval)
	default:
		return NewLayeredCache(cfg.MemoryTTL, cfg.Dir, cfg.DiskTTL)
	}
}

func (c *LayeredCache) Get(key string) ([]byte, bool) {
	if v, ok := c.memory.Get(key); ok {
		return v, true
	}
	e, ok := c.disk.load(key)
	if !ok {
		return nil, false
	}
	ttl := e.ExpiresAt.Sub(c.disk.now())
	if c.memoryTTL > 0 && c.memoryTTL < ttl {
		ttl = c.memoryTTL
	}
	if ttl > 0 {
		_ = c.memory.Set(key, e.Value, ttl)
	}
	return e.Value, true
}

// Set writes disk first so memory never holds a value the disk write lost
func (c *LayeredCache) Set(key string, value []byte, ttl time.Duration) error {
	if err := c.disk.Set(key, value, ttl); err != nil {
		return err
	}
	memTTL := ttl
	if memTTL <= 0 || (c.memoryTTL > 0 && c.memoryTTL < memTTL) {
		memTTL = c.memoryTTL
	}
	return c.memory.Set(key, value, memTTL)
}

func (c *LayeredCache) Delete(key string) error {
	return errors.Join(c.memory.Delete(key), c.disk.Delete(key))
}
