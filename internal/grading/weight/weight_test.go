package weight

import (
	"errors"
	"math/big"
	"testing"
)

func r(s string) *big.Rat { return MustParse(s) }

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "3", want: "3/1"},
		{in: " 0.25 ", want: "1/4"},
		{in: "0.1", want: "1/10"},
		{in: "1/3", want: "1/3"},
		{in: "0", want: "0/1"},
		{in: "-1", wantErr: true},
		{in: "", wantErr: true},
		{in: "1e3", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.in, err)
			}
			if got.String() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.String())
			}
		})
	}
}

func TestNormalizeSumsToOne(t *testing.T) {
	sets := [][]string{
		{"1", "3"},
		{"0.1", "0.2", "0.3"},
		{"7", "11", "13", "0.5"},
		{"1/3", "1/3", "1/3"},
		{"0.333", "100", "2.5", "0"},
	}
	for _, set := range sets {
		weights := make([]*big.Rat, len(set))
		for i, s := range set {
			weights[i] = r(s)
		}
		norm, err := Normalize(weights)
		if err != nil {
			t.Fatalf("normalize %v: %v", set, err)
		}
		if got := Sum(norm...); got.Cmp(One()) != 0 {
			t.Fatalf("expected normalized weights of %v to sum to 1, got %s", set, got)
		}
	}
}

func TestNormalizeZeroSum(t *testing.T) {
	if _, err := Normalize([]*big.Rat{r("0"), r("0")}); !errors.Is(err, ErrZeroSum) {
		t.Fatalf("expected ErrZeroSum, got %v", err)
	}
}

func TestAggregateScenario(t *testing.T) {
	got, err := Aggregate([]ComponentScore{
		{Weight: r("1"), Fraction: r("1")},
		{Weight: r("3"), Fraction: r("1/2")},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got.Cmp(big.NewRat(5, 8)) != 0 {
		t.Fatalf("expected 5/8, got %s", got)
	}
	if Format(got, 3) != "0.625" || Percent(got, 1) != "62.5" {
		t.Fatalf("unexpected presentation %s / %s", Format(got, 3), Percent(got, 1))
	}
}

func TestComponentFraction(t *testing.T) {
	cases := []struct {
		name  string
		parts []PartScore
		want  *big.Rat
	}{
		{
			name:  "weighted",
			parts: []PartScore{{Weight: r("1"), Score: r("1")}, {Weight: r("3"), Score: r("0")}},
			want:  big.NewRat(1, 4),
		},
		{
			name:  "partial_credit",
			parts: []PartScore{{Weight: r("2"), Score: r("1/2")}, {Weight: r("2"), Score: r("1")}},
			want:  big.NewRat(3, 4),
		},
		{
			name:  "all_zero_weights_with_pass",
			parts: []PartScore{{Weight: r("0"), Score: r("0")}, {Weight: r("0"), Score: r("1")}},
			want:  One(),
		},
		{
			name:  "all_zero_weights_without_pass",
			parts: []PartScore{{Weight: r("0"), Score: r("1/2")}, {Weight: r("0"), Score: r("0")}},
			want:  Zero(),
		},
		{
			name:  "no_parts",
			parts: nil,
			want:  Zero(),
		},
		{
			name:  "scores_clamped",
			parts: []PartScore{{Weight: r("1"), Score: r("3/2")}},
			want:  One(),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComponentFraction(tc.parts); got.Cmp(tc.want) != 0 {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestZeroWeightPartNeverChangesFraction(t *testing.T) {
	base := []PartScore{{Weight: r("2"), Score: r("1")}, {Weight: r("3"), Score: r("1/3")}}
	want := ComponentFraction(base)
	for _, score := range []string{"0", "1/2", "1"} {
		withInfo := append([]PartScore{{Weight: r("0"), Score: r(score)}}, base...)
		if got := ComponentFraction(withInfo); got.Cmp(want) != 0 {
			t.Fatalf("zero-weight part with score %s changed fraction: %s != %s", score, got, want)
		}
	}
}

func TestClamp01DoesNotAlias(t *testing.T) {
	in := r("1/2")
	out := Clamp01(in)
	out.Add(out, One())
	if in.Cmp(big.NewRat(1, 2)) != 0 {
		t.Fatalf("Clamp01 mutated its input")
	}
}
