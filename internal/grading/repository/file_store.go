// Package repository persists grade results and mirrors grading state.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"autograder/internal/grading/model"
	appErr "autograder/pkg/errors"
)

const resultSuffix = ".json"

// ResultStore keeps one GradeResult per submission.
type ResultStore interface {
	Save(ctx context.Context, result *model.GradeResult) error
	Get(ctx context.Context, submissionID string) (*model.GradeResult, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, submissionID string) error
}

// FileStore writes each result to <dir>/<submission id>.json. A write lands
// in a temp file that is synced and renamed over the target, so readers see
// either the old result or the new one.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, appErr.New(appErr.ResultStoreError).WithMessage("result dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.ResultStoreError, "create result dir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory results are written to.
func (s *FileStore) Dir() string { return s.dir }

// Encode renders a result the way Save writes it. Equal results encode to
// equal bytes.
func Encode(result *model.GradeResult) ([]byte, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save replaces the stored result for result.SubmissionID.
func (s *FileStore) Save(ctx context.Context, result *model.GradeResult) error {
	if result == nil {
		return appErr.New(appErr.ResultStoreError).WithMessage("result is nil")
	}
	path, err := s.path(result.SubmissionID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(result)
	if err != nil {
		return appErr.Wrapf(err, appErr.ResultStoreError, "encode result %s", result.SubmissionID)
	}
	if err := writeFileAtomic(s.dir, path, data); err != nil {
		return appErr.Wrapf(err, appErr.ResultStoreError, "write result %s", result.SubmissionID).
			WithDetail("submission_id", result.SubmissionID)
	}
	return nil
}

// Get reads a stored result.
func (s *FileStore) Get(ctx context.Context, submissionID string) (*model.GradeResult, error) {
	path, err := s.path(submissionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, appErr.Newf(appErr.ResultNotFound, "no result for %s", submissionID).WithDetail("submission_id", submissionID)
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ResultStoreError, "read result %s", submissionID)
	}
	var result model.GradeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, appErr.Wrapf(err, appErr.ResultStoreError, "decode result %s", submissionID)
	}
	return &result, nil
}

// List returns the stored submission ids in sorted order.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ResultStoreError, "list results")
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, resultSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, resultSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a stored result. Deleting a missing result is not an error.
func (s *FileStore) Delete(ctx context.Context, submissionID string) error {
	path, err := s.path(submissionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return appErr.Wrapf(err, appErr.ResultStoreError, "delete result %s", submissionID)
	}
	return nil
}

func (s *FileStore) path(submissionID string) (string, error) {
	if submissionID == "" || submissionID != filepath.Base(submissionID) || strings.HasPrefix(submissionID, ".") {
		return "", appErr.ValidationError("submission_id", fmt.Sprintf("invalid id %q", submissionID))
	}
	return filepath.Join(s.dir, submissionID+resultSuffix), nil
}

func writeFileAtomic(dir, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
