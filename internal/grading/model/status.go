package model

// Status is the grading lifecycle state of a Submission.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusExtracted Status = "Extracted"
	StatusGrading   Status = "Grading"
	StatusGraded    Status = "Graded"
	StatusBroken    Status = "Broken"
)

// transitions lists the legal next states. Graded and Broken may return to
// Extracted for a regrade or an operator recovery.
var transitions = map[Status][]Status{
	StatusPending:   {StatusExtracted},
	StatusExtracted: {StatusGrading, StatusBroken},
	StatusGrading:   {StatusGraded, StatusBroken},
	StatusGraded:    {StatusExtracted},
	StatusBroken:    {StatusExtracted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a run leaves the submission in this state.
func (s Status) Terminal() bool {
	return s == StatusGraded || s == StatusBroken
}
