package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store surface used to archive grade results.
// It is kept small so a different S3-compatible client can replace MinIO.
type ObjectStorage interface {
	// EnsureBucket creates bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// PutObject uploads size bytes from reader. A negative size streams
	// until EOF.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// ListObjects returns the objects under prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is one listed object.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
}
