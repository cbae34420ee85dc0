package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns object metadata; missing objects yield an error matching
	// os.ErrNotExist.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns the objects directly under prefix, without recursing.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Bucket returns the bucket the client is bound to.
	Bucket() string
}
