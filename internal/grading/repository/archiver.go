package repository

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"autograder/internal/common/storage"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const archiveContentType = "application/zstd"

// Archiver packs the result store into a tar.zst and uploads it to object storage.
type Archiver struct {
	store   *FileStore
	storage storage.ObjectStorage
	bucket  string
	prefix  string
}

// NewArchiver creates an archiver. prefix is prepended to every object key.
func NewArchiver(store *FileStore, objectStorage storage.ObjectStorage, bucket, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if objectStorage == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Archiver{store: store, storage: objectStorage, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Key returns the object key an archive named name is stored under.
func (a *Archiver) Key(name string) string {
	return path.Join(a.prefix, name+".tar.zst")
}

// Archive uploads every stored result and returns the object key.
func (a *Archiver) Archive(ctx context.Context, name string) (string, error) {
	tmp, err := os.CreateTemp("", "grader-archive-*.tar.zst")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "create archive file")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	count, err := a.WriteArchive(ctx, tmp)
	if err != nil {
		return "", err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "size archive")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "rewind archive")
	}

	if err := a.storage.EnsureBucket(ctx, a.bucket); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "prepare bucket %s", a.bucket)
	}
	key := a.Key(name)
	if err := a.storage.PutObject(ctx, a.bucket, key, tmp, size, archiveContentType); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload archive %s", key)
	}
	logger.Info(ctx, "results archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("results", count),
		zap.Int64("bytes", size),
	)
	return key, nil
}

// WriteArchive writes the stored results to w as a zstd-compressed tar and
// returns how many results it packed.
func (a *Archiver) WriteArchive(ctx context.Context, w io.Writer) (int, error) {
	ids, err := a.store.List(ctx)
	if err != nil {
		return 0, err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.StorageError, "create zstd writer")
	}
	tw := tar.NewWriter(enc)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			_ = enc.Close()
			return 0, err
		}
		if err := addFile(tw, filepath.Join(a.store.Dir(), id+resultSuffix), id+resultSuffix); err != nil {
			_ = enc.Close()
			return 0, appErr.Wrapf(err, appErr.StorageError, "pack result %s", id)
		}
	}
	if err := tw.Close(); err != nil {
		_ = enc.Close()
		return 0, appErr.Wrapf(err, appErr.StorageError, "finish tar")
	}
	if err := enc.Close(); err != nil {
		return 0, appErr.Wrapf(err, appErr.StorageError, "finish zstd")
	}
	return len(ids), nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
