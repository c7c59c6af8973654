package service

import (
	"context"

	"autograder/internal/grading/model"
	"autograder/internal/grading/repository"
	appErr "autograder/pkg/errors"
)

// Resume restores each submission's state from its stored result so a later
// session can pick up where a run left off. Submissions without a stored
// result stay Pending.
func Resume(ctx context.Context, store repository.ResultStore, subs []*model.Submission) error {
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := store.Get(ctx, sub.ID)
		if appErr.Is(err, appErr.ResultNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		sub.Status = res.Status
		sub.Cause = res.BrokenCause
		sub.Result = res
		sub.Placements = nil
		for expected, actual := range res.Placements {
			sub.Place(expected, actual)
		}
	}
	return nil
}
