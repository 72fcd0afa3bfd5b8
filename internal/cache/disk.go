package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskCache keeps one JSON file per key under dir/<ns>/<xx>/, where xx is
// the first two hex digits of the key hash
type DiskCache struct {
	dir        string
	defaultTTL time.Duration
	now        func() time.Time
}

var _ Cache = (*DiskCache)(nil)

// NewDiskCache creates a disk cache rooted at dir; the directory is created on first write
func NewDiskCache(dir string, defaultTTL time.Duration) *DiskCache {
	return &DiskCache{dir: dir, defaultTTL: defaultTTL, now: time.Now}
}

type diskEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *DiskCache) Get(key string) ([]byte, bool) {
	e, ok := c.load(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// load returns the live entry for key. Expired, corrupt or foreign files
// are removed.
func (c *DiskCache) load(key string) (diskEntry, bool) {
	path := c.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return diskEntry{}, false
	}
	var e diskEntry
	if err := json.Unmarshal(data, &e); err != nil || e.Key != key || !c.now().Before(e.ExpiresAt) {
		_ = os.Remove(path)
		return diskEntry{}, false
	}
	return e, true
}

// Set replaces the entry atomically via rename
func (c *DiskCache) Set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(diskEntry{Key: key, Value: value, ExpiresAt: c.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func (c *DiskCache) Delete(key string) error {
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// path maps "regtruth:v1:<ns>:<hash>" to dir/<ns>/<hash[:2]>/<hash>.json.
// Keys not built by Namespace.Key land in dir/misc.
func (c *DiskCache) path(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) == 4 && len(parts[3]) > 2 {
		ns, hash := parts[2], parts[3]
		return filepath.Join(c.dir, ns, hash[:2], hash+".json")
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, "misc", hex.EncodeToString(sum[:])+".json")
}
