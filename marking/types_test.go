package marking

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestClampScoreBounds(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want decimal.Decimal
	}{
		{"above one clamps to one", 1.4, decimal.NewFromInt(1)},
		{"below zero clamps to zero", -0.2, decimal.Zero},
		{"zero passes through", 0, decimal.Zero},
		{"one passes through", 1, decimal.NewFromInt(1)},
		{"interior value passes through", 0.75, decimal.NewFromFloat(0.75)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClampScore(tc.in)
			if !got.Equal(tc.want) {
				t.Fatalf("ClampScore(%v) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}
