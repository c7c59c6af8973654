package weight

import (
	"fmt"
	"math/big"
)

// ErrZeroSum is returned when a sibling set of weights sums to zero.
var ErrZeroSum = fmt.Errorf("sibling weights sum to zero")

// PartScore is one Part's weight and raw backend score, a fraction in [0,1].
type PartScore struct {
	Weight *big.Rat
	Score  *big.Rat
}

// Passed reports whether the backend awarded full credit.
func (p PartScore) Passed() bool {
	return p.Score != nil && p.Score.Cmp(One()) == 0
}

// ComponentScore is one Component's weight and its [0,1] fraction.
type ComponentScore struct {
	Weight   *big.Rat
	Fraction *big.Rat
}

// Normalize returns w_i / Σw for every weight.
func Normalize(weights []*big.Rat) ([]*big.Rat, error) {
	total := Sum(weights...)
	if total.Sign() == 0 {
		return nil, ErrZeroSum
	}
	out := make([]*big.Rat, len(weights))
	for i, w := range weights {
		if w == nil {
			out[i] = Zero()
			continue
		}
		out[i] = new(big.Rat).Quo(w, total)
	}
	return out, nil
}

// ComponentFraction folds Part scores into the Component's [0,1] fraction:
// Σ score_p × w_p / Σw. Zero-weight Parts contribute nothing. When every
// Part weight is zero the fraction is 1 if any Part passed and 0 otherwise.
func ComponentFraction(parts []PartScore) *big.Rat {
	if len(parts) == 0 {
		return Zero()
	}
	weights := make([]*big.Rat, len(parts))
	for i, p := range parts {
		weights[i] = p.Weight
	}
	norm, err := Normalize(weights)
	if err != nil {
		for _, p := range parts {
			if p.Passed() {
				return One()
			}
		}
		return Zero()
	}
	fraction := Zero()
	for i, p := range parts {
		if norm[i].Sign() == 0 {
			continue
		}
		term := new(big.Rat).Mul(Clamp01(p.Score), norm[i])
		fraction.Add(fraction, term)
	}
	return fraction
}

// Contributions returns fraction_c × w_c / Σw for every Component.
func Contributions(components []ComponentScore) ([]*big.Rat, error) {
	weights := make([]*big.Rat, len(components))
	for i, c := range components {
		weights[i] = c.Weight
	}
	norm, err := Normalize(weights)
	if err != nil {
		return nil, err
	}
	out := make([]*big.Rat, len(components))
	for i, c := range components {
		out[i] = new(big.Rat).Mul(Clamp01(c.Fraction), norm[i])
	}
	return out, nil
}

// Aggregate returns the Assignment-level score Σ fraction_c × w_c / Σw.
func Aggregate(components []ComponentScore) (*big.Rat, error) {
	parts, err := Contributions(components)
	if err != nil {
		return nil, err
	}
	return Sum(parts...), nil
}
