// Package cache keeps per-URL fetch state between runs: conditional-request
// validators and robots.txt bodies. Entries live in memory, optionally over a
// sharded directory that survives restarts.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache stores byte values with an expiry. A zero ttl means the store's default.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}

// Namespace separates the kinds of state kept per URL
type Namespace string

const (
	Validators Namespace = "validators" // ETag and Last-Modified of the last full response
	Robots     Namespace = "robots"     // robots.txt body per origin
)

const keyVersion = "regtruth:v1"

// Key returns the cache key of url within n
func (n Namespace) Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return keyVersion + ":" + string(n) + ":" + hex.EncodeToString(sum[:])
}
