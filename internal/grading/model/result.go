package model

import (
	"math/big"

	"autograder/internal/grading/weight"
)

// DiagnosticNotGraded marks components skipped after a submission broke.
const DiagnosticNotGraded = "not graded: submission broken"

// GradeResult is the persisted outcome tree for one submission. Rationals
// encode as exact "a/b" strings.
type GradeResult struct {
	SubmissionID string            `json:"submission_id"`
	Owner        string            `json:"owner,omitempty"`
	Assignment   string            `json:"assignment"`
	Status       Status            `json:"status"`
	BrokenCause  string            `json:"broken_cause,omitempty"`
	RawScore     *big.Rat          `json:"raw_score"`
	FinalScore   *big.Rat          `json:"final_score"`
	MaxPoints    *big.Rat          `json:"max_points"`
	Points       *big.Rat          `json:"points"`
	Percent      string            `json:"percent"`
	Components   []ComponentResult `json:"components"`
	Penalties    []PenaltyResult   `json:"penalties,omitempty"`
	Placements   map[string]string `json:"placements,omitempty"`
}

// ComponentResult mirrors one Component.
type ComponentResult struct {
	Name       string       `json:"name"`
	Weight     *big.Rat     `json:"weight"`
	NormWeight *big.Rat     `json:"norm_weight"`
	Fraction   *big.Rat     `json:"fraction"`
	Earned     *big.Rat     `json:"earned"`
	Graded     bool         `json:"graded"`
	Diagnostic string       `json:"diagnostic,omitempty"`
	Log        string       `json:"log,omitempty"`
	Parts      []PartResult `json:"parts"`
}

// PartResult mirrors one Part. Earned = Score × Weight.
type PartResult struct {
	ID         string   `json:"id"`
	Weight     *big.Rat `json:"weight"`
	Score      *big.Rat `json:"score"`
	Earned     *big.Rat `json:"earned"`
	Passed     bool     `json:"passed"`
	Diagnostic string   `json:"diagnostic,omitempty"`
}

// PenaltyResult records how much one penalizer removed from the normalized score.
type PenaltyResult struct {
	Name     string   `json:"name"`
	Deducted *big.Rat `json:"deducted"`
}

// NewGradeResult builds a zero-scored tree with the assignment's shape.
func NewGradeResult(a *Assignment, sub *Submission) *GradeResult {
	res := &GradeResult{
		SubmissionID: sub.ID,
		Owner:        sub.Owner,
		Assignment:   a.Name,
		Status:       sub.Status,
		RawScore:     weight.Zero(),
		FinalScore:   weight.Zero(),
		MaxPoints:    maxPoints(a),
		Points:       weight.Zero(),
		Percent:      weight.Percent(weight.Zero(), 2),
		Components:   make([]ComponentResult, len(a.Components)),
	}
	norm, err := weight.Normalize(a.Weights())
	for i := range a.Components {
		comp := &a.Components[i]
		nw := weight.Zero()
		if err == nil {
			nw = norm[i]
		}
		res.Components[i] = ComponentResult{
			Name:       comp.Name,
			Weight:     ratOrZero(comp.Weight),
			NormWeight: nw,
			Fraction:   weight.Zero(),
			Earned:     weight.Zero(),
			Diagnostic: DiagnosticNotGraded,
			Parts:      ZeroParts(comp.Parts, DiagnosticNotGraded),
		}
	}
	if len(sub.Placements) > 0 {
		res.Placements = make(map[string]string, len(sub.Placements))
		for k, v := range sub.Placements {
			res.Placements[k] = v
		}
	}
	return res
}

// ZeroParts returns zero-scored results for the given Parts, all carrying diag.
func ZeroParts(parts []Part, diag string) []PartResult {
	out := make([]PartResult, len(parts))
	for i, p := range parts {
		out[i] = PartResult{
			ID:         p.ID,
			Weight:     ratOrZero(p.Weight),
			Score:      weight.Zero(),
			Earned:     weight.Zero(),
			Diagnostic: diag,
		}
	}
	return out
}

// Scores converts part results into weight algebra inputs.
func (c *ComponentResult) Scores() []weight.PartScore {
	out := make([]weight.PartScore, len(c.Parts))
	for i, p := range c.Parts {
		out[i] = weight.PartScore{Weight: p.Weight, Score: p.Score}
	}
	return out
}

func maxPoints(a *Assignment) *big.Rat {
	if a.TotalPoints == nil {
		return big.NewRat(100, 1)
	}
	return new(big.Rat).Set(a.TotalPoints)
}

func ratOrZero(r *big.Rat) *big.Rat {
	if r == nil {
		return weight.Zero()
	}
	return new(big.Rat).Set(r)
}
