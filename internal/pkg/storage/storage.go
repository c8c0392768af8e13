// Package storage archives objects in a single bucket on S3, MinIO, Google
// Cloud Storage or in memory.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Get for missing keys on every backend.
var ErrObjectNotFound = errors.New("storage: object not found")

// Storage is bucket scoped; the bucket is fixed when the backend is built.
type Storage interface {
	io.Closer

	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// List returns up to limit objects under prefix in key order. A
	// non-positive limit means no limit.
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)
}

// PutOptions configures upload behavior.
type PutOptions struct {
	// Size is the content length, or -1 when unknown.
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ETag        string            `json:"etag,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitzero"`
}

func reachedLimit(n, limit int) bool {
	return limit > 0 && n >= limit
}
