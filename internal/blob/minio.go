package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/abduss/nullpath/internal/token"
	"github.com/minio/minio-go/v7"
)

const noSuchKey = "NoSuchKey"

// MinIOStore keeps blobs as objects in a single MinIO bucket, named by storage
// identifier.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore constructs an adapter.
func NewMinIOStore(client *minio.Client, bucket string) *MinIOStore {
	return &MinIOStore{client: client, bucket: bucket}
}

// Put uploads r as the object id. sizeHint may be -1 when the length is unknown.
func (s *MinIOStore) Put(ctx context.Context, id string, r io.Reader, sizeHint int64) (int64, error) {
	if !token.ValidStorageID(id) {
		return 0, ErrInvalidIdentifier
	}
	if sizeHint == 0 {
		sizeHint = -1
	}
	info, err := s.client.PutObject(ctx, s.bucket, id, r, sizeHint, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}
	return info.Size, nil
}

// Open returns the object body. GetObject is lazy, so the object is stat'ed
// first to surface a missing key as ErrNotFound.
func (s *MinIOStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if !token.ValidStorageID(id) {
		return nil, ErrInvalidIdentifier
	}
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == noSuchKey {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return obj, nil
}

// Delete removes the object and reports whether it existed.
func (s *MinIOStore) Delete(ctx context.Context, id string) (bool, error) {
	if !token.ValidStorageID(id) {
		return false, ErrInvalidIdentifier
	}
	if _, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == noSuchKey {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("remove object: %w", err)
	}
	return true, nil
}

// Ping verifies the bucket is reachable.
func (s *MinIOStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", s.bucket)
	}
	return nil
}
