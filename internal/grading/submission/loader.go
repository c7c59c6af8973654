// Package submission discovers submissions laid out as one directory per
// student under a common root.
package submission

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"autograder/internal/grading/model"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MetaFileName is the optional per-submission metadata file. It is read but
// never written.
const MetaFileName = ".submission.yaml"

var submittedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

type metaDoc struct {
	Owner       string `yaml:"owner"`
	SubmittedAt string `yaml:"submitted-at"`
}

// Loader reads submissions from Root.
type Loader struct {
	Root string
}

// NewLoader returns a Loader for root, which must be an existing directory.
func NewLoader(root string) (*Loader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionIOError, "resolve submissions dir %s", root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionIOError, "open submissions dir %s", root)
	}
	if !info.IsDir() {
		return nil, appErr.Newf(appErr.SubmissionIOError, "%s is not a directory", root)
	}
	return &Loader{Root: abs}, nil
}

// List returns every submission sorted by id. With only set, the result is
// restricted to those ids and a missing id is an error.
func (l *Loader) List(ctx context.Context, only ...string) ([]*model.Submission, error) {
	if len(only) > 0 {
		out := make([]*model.Submission, 0, len(only))
		for _, id := range only {
			sub, err := l.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, sub)
		}
		return out, nil
	}

	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionIOError, "read submissions dir %s", l.Root)
	}
	out := make([]*model.Submission, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.IsDir() {
			logger.Debug(ctx, "skip non-directory entry", zap.String("name", name))
			continue
		}
		sub, err := l.load(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get loads one submission by id.
func (l *Loader) Get(ctx context.Context, id string) (*model.Submission, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "invalid submission id %q", id).WithDetail("submission_id", id)
	}
	info, err := os.Stat(filepath.Join(l.Root, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id).WithDetail("submission_id", id)
		}
		return nil, appErr.Wrapf(err, appErr.SubmissionIOError, "stat submission %s", id)
	}
	if !info.IsDir() {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s is not a directory", id).WithDetail("submission_id", id)
	}
	return l.load(ctx, id)
}

func (l *Loader) load(ctx context.Context, id string) (*model.Submission, error) {
	dir := filepath.Join(l.Root, id)
	sub := model.NewSubmission(id, id, dir)

	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return sub, nil
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionIOError, "read %s metadata", id)
	}
	var meta metaDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&meta); err != nil && !errors.Is(err, io.EOF) {
		return nil, appErr.Wrapf(err, appErr.SubmissionIOError, "parse %s metadata", id).WithDetail("submission_id", id)
	}
	if meta.Owner != "" {
		sub.Owner = meta.Owner
	}
	if meta.SubmittedAt != "" {
		at, err := parseSubmittedAt(meta.SubmittedAt)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.SubmissionIOError, "parse %s metadata", id).WithDetail("submission_id", id)
		}
		sub.SubmittedAt = &at
	}
	logger.Debug(ctx, "loaded submission metadata", zap.String("submission_id", id), zap.String("owner", sub.Owner))
	return sub, nil
}

func parseSubmittedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range submittedAtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("submitted-at must be RFC 3339 or YYYY-MM-DD HH:MM:SS")
}
