// Package penalty adjusts an aggregate score after weighting. Penalties never
// touch Component or Part fractions.
package penalty

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"autograder/internal/grading/options"
	"autograder/internal/grading/weight"
	appErr "autograder/pkg/errors"
)

// KindLate is the assignment penalty kind handled by Late.
const KindLate = "late"

// Mode says how a late rule changes the score.
type Mode int

const (
	// ModeMultiply multiplies the score by (1 - amount).
	ModeMultiply Mode = iota
	// ModeSubtract subtracts amount, never going below zero.
	ModeSubtract
	// ModeCap limits the score to amount.
	ModeCap
)

var unitsPattern = regexp.MustCompile(`^(?P<mag>[0-9./]+)\s*(?P<unit>[a-z_-]*)$`)

// Rule applies once the submission is more than After past the due date.
type Rule struct {
	After  time.Duration
	Mode   Mode
	Amount *big.Rat
}

// Adjust applies the rule to a normalized score.
func (r Rule) Adjust(score *big.Rat) *big.Rat {
	out := new(big.Rat).Set(score)
	switch r.Mode {
	case ModeSubtract:
		out.Sub(out, r.Amount)
		if out.Sign() < 0 {
			out.SetInt64(0)
		}
	case ModeCap:
		if out.Cmp(r.Amount) > 0 {
			out.Set(r.Amount)
		}
	default:
		factor := new(big.Rat).Sub(weight.One(), r.Amount)
		out.Mul(out, factor)
	}
	return out
}

// Late penalizes submissions received after the assignment due date. Rules
// keep their declaration order; thresholds need not increase.
type Late struct {
	name       string
	rules      []Rule
	applyFirst bool
}

type lateOptions struct {
	Penalties []struct {
		After   string `yaml:"after"`
		Penalty string `yaml:"penalty"`
	} `yaml:"penalties"`
	ApplyFirst bool `yaml:"apply-first"`
}

// NewLate builds a Late policy from assignment options.
func NewLate(name string, opts map[string]interface{}) (*Late, error) {
	var cfg lateOptions
	if err := options.Decode(opts, &cfg); err != nil {
		return nil, appErr.ConfigError(appErr.InvalidPenalty, "penalties."+name, err.Error())
	}
	if len(cfg.Penalties) == 0 {
		return nil, appErr.ConfigError(appErr.InvalidPenalty, "penalties."+name, "at least one rule is required")
	}
	rules := make([]Rule, 0, len(cfg.Penalties))
	for i, p := range cfg.Penalties {
		rule, err := ParseRule(p.After, p.Penalty)
		if err != nil {
			return nil, appErr.ConfigError(appErr.InvalidPenalty, fmt.Sprintf("penalties.%s[%d]", name, i), err.Error())
		}
		rules = append(rules, rule)
	}
	return &Late{name: name, rules: rules, applyFirst: cfg.ApplyFirst}, nil
}

// Name returns the penalty name recorded in the grade result.
func (l *Late) Name() string { return l.name }

// Adjust applies every rule whose threshold the lateness exceeds, in the
// order the rules were declared. With apply-first only the first declared
// match applies.
func (l *Late) Adjust(score *big.Rat, submittedAt, due *time.Time) *big.Rat {
	out := new(big.Rat).Set(score)
	if submittedAt == nil || due == nil {
		return out
	}
	late := submittedAt.Sub(*due)
	for _, rule := range l.rules {
		if late <= rule.After {
			continue
		}
		out = rule.Adjust(out)
		if l.applyFirst {
			break
		}
	}
	return out
}

// ParseRule parses an "after" threshold and a penalty amount.
func ParseRule(after, penalty string) (Rule, error) {
	d, err := parseAfter(after)
	if err != nil {
		return Rule{}, err
	}
	mag, unit, err := splitUnits(penalty)
	if err != nil {
		return Rule{}, err
	}
	rule := Rule{After: d}
	switch unit {
	case "pt", "pts":
		rule.Mode = ModeSubtract
		rule.Amount = mag.Quo(mag, big.NewRat(100, 1))
	case "maxpts", "max-pts", "max_pts", "maxpt", "max-pt", "max_pt":
		rule.Mode = ModeCap
		rule.Amount = mag.Quo(mag, big.NewRat(100, 1))
	case "":
		if mag.Cmp(weight.One()) > 0 {
			return Rule{}, fmt.Errorf("multiplicative penalty %q must be at most 1", penalty)
		}
		rule.Mode = ModeMultiply
		rule.Amount = mag
	default:
		return Rule{}, fmt.Errorf("unknown penalty unit %q, use a fraction optionally followed by 'pts' or 'max-pts'", unit)
	}
	return rule, nil
}

func splitUnits(s string) (*big.Rat, string, error) {
	m := unitsPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return nil, "", fmt.Errorf("unknown units format %q", s)
	}
	mag, err := weight.Parse(m[1])
	if err != nil {
		return nil, "", err
	}
	return mag, m[2], nil
}

var timeUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

func parseAfter(s string) (time.Duration, error) {
	mag, unit, err := splitUnits(s)
	if err != nil {
		if d, derr := time.ParseDuration(strings.TrimSpace(s)); derr == nil {
			return d, nil
		}
		return 0, err
	}
	if unit == "" {
		unit = "s"
	}
	base, ok := timeUnits[unit]
	if !ok {
		if d, derr := time.ParseDuration(strings.TrimSpace(s)); derr == nil {
			return d, nil
		}
		return 0, fmt.Errorf("unknown time unit %q, try one of s, m, h, d", unit)
	}
	total := new(big.Rat).Mul(mag, new(big.Rat).SetInt64(int64(base)))
	if !total.IsInt() {
		total = new(big.Rat).SetInt(new(big.Int).Quo(total.Num(), total.Denom()))
	}
	return time.Duration(total.Num().Int64()), nil
}
