// Package minio holds the raw CSV upload blobs.  Uploads are written once,
// streamed back during ingestion (with byte-range reads for checkpoint
// resume), and expired by a bucket lifecycle rule once abandoned.
package minio

import (
	"context"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

var (
	ErrClientClosed   = errors.New(errors.ErrCodeInternal, "object storage client is closed")
	ErrObjectNotFound = errors.New(errors.ErrCodeNotFound, "object not found")
)

// staleUploadExpiryDays is how long an abandoned raw upload survives before
// the bucket lifecycle rule removes it.
const staleUploadExpiryDays = 30

// API is the subset of the minio-go client the platform uses.
type API interface {
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	SetBucketLifecycle(ctx context.Context, bucketName string, config *lifecycle.Configuration) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expiry time.Duration) (*url.URL, error)
}

// Client manages the object storage connection and the upload bucket.
type Client struct {
	api           API
	bucket        string
	presignExpiry time.Duration
	logger        logging.Logger
	mu            sync.RWMutex
	closed        bool
}

// NewClient connects to object storage, verifies the connection, and ensures
// the upload bucket exists with its expiry rule.
func NewClient(cfg config.MinIOConfig, log logging.Logger) (*Client, error) {
	api, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create object storage client")
	}

	client, err := NewClientWithAPI(api, cfg, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := api.ListBuckets(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to connect to object storage")
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	log.Info("Object storage connected",
		logging.String("endpoint", cfg.Endpoint),
		logging.String("bucket", client.bucket))
	return client, nil
}

// NewClientWithAPI wraps an existing API implementation (for testing).
// It performs no network calls.
func NewClientWithAPI(api API, cfg config.MinIOConfig, log logging.Logger) (*Client, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "molforge-uploads"
	}
	presign := cfg.PresignExpiry
	if presign <= 0 {
		presign = time.Hour
	}
	return &Client{
		api:           api,
		bucket:        bucket,
		presignExpiry: presign,
		logger:        log.Named("object_storage"),
	}, nil
}

// EnsureBucket creates the upload bucket if missing and applies the stale
// upload expiry rule.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to check bucket existence")
	}
	if !exists {
		if err := c.api.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create bucket").
				WithDetail("bucket=" + c.bucket)
		}
		c.logger.Info("Created bucket", logging.String("bucket", c.bucket))
	}

	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:         "stale-upload-cleanup",
			Status:     "Enabled",
			Expiration: lifecycle.Expiration{Days: staleUploadExpiryDays},
			Prefix:     uploadPrefix,
		},
	}
	if err := c.api.SetBucketLifecycle(ctx, c.bucket, lc); err != nil {
		// Not fatal: some backends (or restricted credentials) reject
		// lifecycle configuration.
		c.logger.Warn("Failed to set bucket lifecycle", logging.Err(err))
	}
	return nil
}

// Bucket returns the upload bucket name.
func (c *Client) Bucket() string { return c.bucket }

// API exposes the underlying storage API.
func (c *Client) API() API { return c.api }

// HealthCheck verifies connectivity and the bucket's presence.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	exists, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "object storage unreachable")
	}
	if !exists {
		return errors.New(errors.ErrCodeServiceUnavailable, "upload bucket missing").
			WithDetail("bucket=" + c.bucket)
	}
	return nil
}

// Close marks the client closed.  The minio SDK holds no persistent
// connection, so this only fences further use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
