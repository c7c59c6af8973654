package penalty

import (
	"fmt"
	"math/big"
	"time"

	"autograder/internal/grading/model"
	appErr "autograder/pkg/errors"
)

// Policy adjusts a normalized [0,1] aggregate score.
type Policy interface {
	Name() string
	Adjust(score *big.Rat, submittedAt, due *time.Time) *big.Rat
}

// Build constructs the policies declared on an assignment.
func Build(specs []model.PenaltySpec) ([]Policy, error) {
	out := make([]Policy, 0, len(specs))
	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("penalty-%d", i)
		}
		switch spec.Kind {
		case KindLate:
			late, err := NewLate(name, spec.Options)
			if err != nil {
				return nil, err
			}
			out = append(out, late)
		default:
			return nil, appErr.ConfigError(appErr.InvalidPenalty, fmt.Sprintf("penalties[%d].kind", i), fmt.Sprintf("unknown penalty kind %q", spec.Kind))
		}
	}
	return out, nil
}

// Apply runs the policies in order and records what each one deducted.
func Apply(policies []Policy, raw *big.Rat, submittedAt, due *time.Time) (*big.Rat, []model.PenaltyResult) {
	score := new(big.Rat).Set(raw)
	var applied []model.PenaltyResult
	for _, p := range policies {
		next := p.Adjust(score, submittedAt, due)
		deducted := new(big.Rat).Sub(score, next)
		if deducted.Sign() != 0 {
			applied = append(applied, model.PenaltyResult{Name: p.Name(), Deducted: deducted})
		}
		score = next
	}
	return score, applied
}
