// Package minio implements the artifact object store over MinIO.
package minio

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/deep-alignment/OpenRLHF/internal/infrastructure/storage"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// Config holds MinIO connection settings
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	Timeout         time.Duration
}

// Client implements storage.ObjectStore over minio-go
type Client struct {
	client *minio.Client
	config Config
}

// NewClient connects to MinIO and verifies connectivity
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.ValidationError("minio endpoint cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.InfrastructureError("minio", err)
	}

	c := &Client{client: client, config: cfg}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		return nil, err
	}
	return c, nil
}

// EnsureBucket creates the bucket when it does not exist
func (c *Client) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return errors.InfrastructureError("minio", err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return errors.InfrastructureError("minio", err)
	}
	return nil
}

// PutObject uploads one object
func (c *Client) PutObject(ctx context.Context, req *storage.PutObjectRequest) (*storage.ObjectInfo, error) {
	if req == nil || req.Bucket == "" || req.Key == "" {
		return nil, errors.ValidationError("bucket and key cannot be empty")
	}

	info, err := c.client.PutObject(ctx, req.Bucket, req.Key, req.Body, req.Size, minio.PutObjectOptions{
		ContentType:  req.ContentType,
		UserMetadata: req.Metadata,
	})
	if err != nil {
		return nil, errors.InfrastructureError("minio", err)
	}

	return &storage.ObjectInfo{
		Bucket:       req.Bucket,
		Key:          req.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// GetObject streams one object
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if bucket == "" || key == "" {
		return nil, errors.ValidationError("bucket and key cannot be empty")
	}
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.InfrastructureError("minio", err)
	}
	return obj, nil
}

// StatObject returns object metadata
func (c *Client) StatObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, errors.InfrastructureError("minio", err)
	}
	return &storage.ObjectInfo{
		Bucket:       bucket,
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
		Metadata:     info.UserMetadata,
	}, nil
}

// ListObjects lists objects under a prefix
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]*storage.ObjectInfo, error) {
	var objects []*storage.ObjectInfo
	for object := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, errors.InfrastructureError("minio", object.Err)
		}
		objects = append(objects, &storage.ObjectInfo{
			Bucket:       bucket,
			Key:          object.Key,
			Size:         object.Size,
			ETag:         object.ETag,
			LastModified: object.LastModified,
		})
	}
	return objects, nil
}

// DeleteObject removes one object
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.InfrastructureError("minio", err)
	}
	return nil
}

// Ping verifies connectivity by listing buckets
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListBuckets(ctx); err != nil {
		return errors.InfrastructureError("minio", err)
	}
	return nil
}

// Close releases the client; minio-go holds no persistent connections
func (c *Client) Close() error {
	return nil
}
