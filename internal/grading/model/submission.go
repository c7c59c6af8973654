package model

import (
	"time"

	appErr "autograder/pkg/errors"
)

// Submission is one student's work. Root is read-only; grading copies out of it.
type Submission struct {
	ID          string
	Owner       string
	Root        string
	SubmittedAt *time.Time
	Status      Status
	// Cause explains the Broken state.
	Cause string
	// Placements maps an expected input name to the path inside Root that
	// satisfies it. Set by operator recovery.
	Placements map[string]string
	Result     *GradeResult
}

// NewSubmission creates a Pending submission.
func NewSubmission(id, owner, root string) *Submission {
	return &Submission{
		ID:     id,
		Owner:  owner,
		Root:   root,
		Status: StatusPending,
	}
}

// Transition moves the submission to the next state.
func (s *Submission) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return appErr.Newf(appErr.InvalidTransition, "submission %s: cannot move from %s to %s", s.ID, s.Status, to).
			WithDetail("from", string(s.Status)).
			WithDetail("to", string(to))
	}
	s.Status = to
	if to != StatusBroken {
		s.Cause = ""
	}
	return nil
}

// MarkBroken moves the submission to Broken with a cause.
func (s *Submission) MarkBroken(cause string) error {
	if err := s.Transition(StatusBroken); err != nil {
		return err
	}
	s.Cause = cause
	return nil
}

// Place records that the expected input name is satisfied by actual, a path relative to Root.
func (s *Submission) Place(expected, actual string) {
	if s.Placements == nil {
		s.Placements = make(map[string]string)
	}
	s.Placements[expected] = actual
}

// Unplace removes a recorded placement.
func (s *Submission) Unplace(expected string) {
	delete(s.Placements, expected)
	if len(s.Placements) == 0 {
		s.Placements = nil
	}
}
