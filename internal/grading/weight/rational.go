// Package weight implements exact rational scoring over the assignment tree.
// All arithmetic uses math/big.Rat; decimals appear only in Format and Percent.
package weight

import (
	"fmt"
	"math/big"
	"strings"
)

// Zero returns a fresh rational 0.
func Zero() *big.Rat { return new(big.Rat) }

// One returns a fresh rational 1.
func One() *big.Rat { return big.NewRat(1, 1) }

// Parse converts an integer, decimal or "a/b" literal into an exact rational.
// Negative values are rejected.
func Parse(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty weight")
	}
	if strings.ContainsAny(s, "eEpPxX_") {
		return nil, fmt.Errorf("unsupported number format %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", s)
	}
	return r, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) *big.Rat {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Sum adds rationals without mutating them.
func Sum(values ...*big.Rat) *big.Rat {
	total := Zero()
	for _, v := range values {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Clamp01 returns r limited to [0,1] as a new value.
func Clamp01(r *big.Rat) *big.Rat {
	if r == nil || r.Sign() < 0 {
		return Zero()
	}
	if r.Cmp(One()) > 0 {
		return One()
	}
	return new(big.Rat).Set(r)
}

// Format renders r as a decimal with the given number of places.
func Format(r *big.Rat, places int) string {
	if r == nil {
		return Zero().FloatString(places)
	}
	return r.FloatString(places)
}

// Percent renders a [0,1] fraction as a percentage string.
func Percent(r *big.Rat, places int) string {
	if r == nil {
		r = Zero()
	}
	return new(big.Rat).Mul(r, big.NewRat(100, 1)).FloatString(places)
}
