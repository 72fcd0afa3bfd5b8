// Package blob archives raw evidence bytes under content-addressed keys
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/regtruth/internal/model"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("blob not found")

// Backends accepted by storage.blob_backend
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendNone  = "none"
)

// Storage is a write-once object store
type Storage interface {
	// Put stores data under key; storing an existing key is a no-op
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// EvidenceKey is the archive key of a content hash: evidence/<hash[0:2]>/<hash>
func EvidenceKey(contentHash string) string {
	prefix := contentHash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return "evidence/" + prefix + "/" + contentHash
}

// NewStorage creates the configured backend. BackendNone returns a nil Storage.
func NewStorage(ctx context.Context, cfg model.StorageConfig) (Storage, error) {
	switch cfg.BlobBackend {
	case "", BackendNone:
		return nil, nil
	case BackendLocal:
		s, err := NewLocalStorage(cfg.BlobDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendS3:
		s, err := NewS3Storage(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob backend: %s", cfg.BlobBackend)
	}
}
