// Package storage abstracts object storage for training artifacts:
// checkpoints, run metadata, and final model exports.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the object storage surface the trainer needs
type ObjectStore interface {
	// EnsureBucket creates the bucket when it does not exist
	EnsureBucket(ctx context.Context, bucket, region string) error

	// PutObject uploads one object; size may be -1 when unknown
	PutObject(ctx context.Context, req *PutObjectRequest) (*ObjectInfo, error)

	// GetObject streams one object
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// StatObject returns object metadata without the body
	StatObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// ListObjects lists objects under a prefix
	ListObjects(ctx context.Context, bucket, prefix string) ([]*ObjectInfo, error)

	// DeleteObject removes one object
	DeleteObject(ctx context.Context, bucket, key string) error

	// Ping verifies connectivity
	Ping(ctx context.Context) error

	// Close releases the client
	Close() error
}

// PutObjectRequest describes one upload
type PutObjectRequest struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}
