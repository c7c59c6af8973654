package service

import (
	"context"
	"fmt"
	"io"
	"sort"

	"autograder/internal/grading/model"
	"autograder/internal/grading/repository"
)

// BrokenEntry names a Broken submission and why it broke.
type BrokenEntry struct {
	SubmissionID string `json:"submission_id"`
	Cause        string `json:"cause"`
}

// Summary counts submissions per state at the end of a run.
type Summary struct {
	Total   int           `json:"total"`
	Graded  int           `json:"graded"`
	Pending int           `json:"pending"`
	Broken  []BrokenEntry `json:"broken"`
}

// Summarize counts the given submissions. Anything neither Graded nor
// Broken is reported as pending.
func Summarize(subs []*model.Submission) Summary {
	s := Summary{Total: len(subs), Broken: []BrokenEntry{}}
	for _, sub := range subs {
		s.add(sub.ID, sub.Status, sub.Cause)
	}
	s.sort()
	return s
}

// SummarizeResults counts stored results.
func SummarizeResults(results []*model.GradeResult) Summary {
	s := Summary{Total: len(results), Broken: []BrokenEntry{}}
	for _, r := range results {
		s.add(r.SubmissionID, r.Status, r.BrokenCause)
	}
	s.sort()
	return s
}

// LoadResults reads every stored result in id order.
func LoadResults(ctx context.Context, store repository.ResultStore) ([]*model.GradeResult, error) {
	ids, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*model.GradeResult, 0, len(ids))
	for _, id := range ids {
		res, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Summary) add(id string, status model.Status, cause string) {
	switch status {
	case model.StatusGraded:
		s.Graded++
	case model.StatusBroken:
		s.Broken = append(s.Broken, BrokenEntry{SubmissionID: id, Cause: cause})
	default:
		s.Pending++
	}
}

func (s *Summary) sort() {
	sort.Slice(s.Broken, func(i, j int) bool { return s.Broken[i].SubmissionID < s.Broken[j].SubmissionID })
}

// ExitCode is 0 when nothing is Broken.
func (s Summary) ExitCode() int {
	if len(s.Broken) > 0 {
		return 1
	}
	return 0
}

// Write prints the operator report.
func (s Summary) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d submissions: %d graded, %d broken, %d pending\n",
		s.Total, s.Graded, len(s.Broken), s.Pending); err != nil {
		return err
	}
	for _, b := range s.Broken {
		if _, err := fmt.Fprintf(w, "  BROKEN %s: %s\n", b.SubmissionID, b.Cause); err != nil {
			return err
		}
	}
	return nil
}
