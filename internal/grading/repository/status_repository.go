package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autograder/internal/common/cache"
	"autograder/internal/grading/model"
	appErr "autograder/pkg/errors"
)

const statusKeyPrefix = "grader:"

// StatusEntry is the mirrored state of one submission.
type StatusEntry struct {
	Status model.Status `json:"status"`
	Cause  string       `json:"cause,omitempty"`
}

// StatusRepository mirrors submission status into a Redis hash per
// assignment so other tools can watch a run. The file store stays the
// source of truth.
type StatusRepository struct {
	cache      cache.Cache
	assignment string
	TTL        time.Duration
}

// NewStatusRepository creates a repository for one assignment.
func NewStatusRepository(cacheClient cache.Cache, assignment string, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, assignment: assignment, TTL: ttl}
}

func (r *StatusRepository) statusKey() string {
	return statusKeyPrefix + r.assignment + ":status"
}

func (r *StatusRepository) lockKey() string {
	return statusKeyPrefix + r.assignment + ":lock"
}

// Record stores the status of one submission.
func (r *StatusRepository) Record(ctx context.Context, submissionID string, status model.Status, cause string) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(StatusEntry{Status: status, Cause: cause})
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.HSet(ctx, r.statusKey(), submissionID, string(data)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	if r.TTL > 0 {
		if err := r.cache.Expire(ctx, r.statusKey(), r.TTL); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "set status ttl failed")
		}
	}
	return nil
}

// Get returns the mirrored status of one submission.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (StatusEntry, error) {
	if submissionID == "" {
		return StatusEntry{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return StatusEntry{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.HGet(ctx, r.statusKey(), submissionID)
	if err != nil {
		return StatusEntry{}, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if val == "" {
		return StatusEntry{}, appErr.New(appErr.NotFound).WithMessage("submission status not found")
	}
	var entry StatusEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return StatusEntry{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return entry, nil
}

// Snapshot returns every mirrored status keyed by submission id.
func (r *StatusRepository) Snapshot(ctx context.Context) (map[string]StatusEntry, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	raw, err := r.cache.HGetAll(ctx, r.statusKey())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "load statuses failed")
	}
	out := make(map[string]StatusEntry, len(raw))
	for id, val := range raw {
		var entry StatusEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "decode status of %s failed", id)
		}
		out[id] = entry
	}
	return out, nil
}

// Clear drops every mirrored status for the assignment.
func (r *StatusRepository) Clear(ctx context.Context) error {
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if err := r.cache.Del(ctx, r.statusKey()); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "clear statuses failed")
	}
	return nil
}

// Lock claims the assignment for one grading run. It returns false when
// another run holds it.
func (r *StatusRepository) Lock(ctx context.Context, ttl time.Duration) (bool, error) {
	if r.cache == nil {
		return false, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	ok, err := r.cache.TryLock(ctx, r.lockKey(), ttl)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "acquire run lock failed")
	}
	return ok, nil
}

// Refresh extends a held run lock.
func (r *StatusRepository) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := r.cache.ExtendLock(ctx, r.lockKey(), ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "extend run lock failed")
	}
	return nil
}

// Unlock releases the run lock.
func (r *StatusRepository) Unlock(ctx context.Context) error {
	if err := r.cache.Unlock(ctx, r.lockKey()); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "release run lock failed")
	}
	return nil
}
