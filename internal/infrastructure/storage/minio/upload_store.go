package minio

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

// uploadPrefix namespaces raw CSV blobs inside the bucket.
const uploadPrefix = "uploads/"

// csvContentType is stored on every raw upload object.
const csvContentType = "text/csv"

// ObjectInfo describes a stored upload blob.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// UploadStore persists raw CSV upload blobs and streams them back for
// ingestion.  OpenFrom serves checkpoint resume: the ingestion worker asks
// for the byte offset its last committed checkpoint recorded.
type UploadStore struct {
	client *Client
	logger logging.Logger
}

// NewUploadStore constructs a store over the client's bucket.
func NewUploadStore(client *Client, log logging.Logger) *UploadStore {
	return &UploadStore{client: client, logger: log.Named("upload_store")}
}

// ObjectKeyFor returns the canonical object key for an upload ID.
func ObjectKeyFor(uploadID string) string {
	return uploadPrefix + uploadID + ".csv"
}

// Put streams a raw CSV into the bucket.  size may be -1 when unknown; the
// SDK then falls back to multipart upload.
func (s *UploadStore) Put(ctx context.Context, objectKey string, r io.Reader, size int64) (*ObjectInfo, error) {
	if s.client.isClosed() {
		return nil, ErrClientClosed
	}
	if objectKey == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "object key required")
	}

	info, err := s.client.api.PutObject(ctx, s.client.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType: csvContentType,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to store upload blob").
			WithDetail("key=" + objectKey)
	}

	s.logger.Debug("Upload blob stored",
		logging.String("key", objectKey),
		logging.Int64("size", info.Size))
	return &ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  csvContentType,
		LastModified: time.Now().UTC(),
	}, nil
}

// Open returns a reader over the whole blob.
func (s *UploadStore) Open(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	return s.OpenFrom(ctx, objectKey, 0)
}

// OpenFrom returns a reader starting at byteOffset, for checkpoint resume.
func (s *UploadStore) OpenFrom(ctx context.Context, objectKey string, byteOffset int64) (io.ReadCloser, error) {
	if s.client.isClosed() {
		return nil, ErrClientClosed
	}
	if byteOffset < 0 {
		return nil, errors.New(errors.ErrCodeBadRequest, "byte offset must be >= 0")
	}

	// Existence is checked eagerly: GetObject is lazy and would surface
	// NoSuchKey only on the first Read.
	if _, err := s.Stat(ctx, objectKey); err != nil {
		return nil, err
	}

	opts := minio.GetObjectOptions{}
	if byteOffset > 0 {
		if err := opts.SetRange(byteOffset, 0); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeBadRequest, "invalid byte range")
		}
	}
	obj, err := s.client.api.GetObject(ctx, s.client.bucket, objectKey, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to open upload blob").
			WithDetail("key=" + objectKey)
	}
	return obj, nil
}

// Stat returns blob metadata, ErrObjectNotFound when the key is absent.
func (s *UploadStore) Stat(ctx context.Context, objectKey string) (*ObjectInfo, error) {
	if s.client.isClosed() {
		return nil, ErrClientClosed
	}

	info, err := s.client.api.StatObject(ctx, s.client.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound.WithDetail("key=" + objectKey)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to stat upload blob").
			WithDetail("key=" + objectKey)
	}
	return &ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// Remove deletes a blob.  Removing an absent key is not an error.
func (s *UploadStore) Remove(ctx context.Context, objectKey string) error {
	if s.client.isClosed() {
		return ErrClientClosed
	}
	if err := s.client.api.RemoveObject(ctx, s.client.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to remove upload blob").
			WithDetail("key=" + objectKey)
	}
	return nil
}

// PresignedPutURL returns a URL a client can upload the raw CSV to directly.
func (s *UploadStore) PresignedPutURL(ctx context.Context, objectKey string) (string, error) {
	if s.client.isClosed() {
		return "", ErrClientClosed
	}
	u, err := s.client.api.PresignedPutObject(ctx, s.client.bucket, objectKey, s.client.presignExpiry)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to presign upload URL")
	}
	return u.String(), nil
}

// PresignedGetURL returns a download URL for a stored blob.
func (s *UploadStore) PresignedGetURL(ctx context.Context, objectKey string) (string, error) {
	if s.client.isClosed() {
		return "", ErrClientClosed
	}
	u, err := s.client.api.PresignedGetObject(ctx, s.client.bucket, objectKey, s.client.presignExpiry, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to presign download URL")
	}
	return u.String(), nil
}
