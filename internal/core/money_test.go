package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"1", "1.00", true},
		{"1.0", "1.00", true},
		{"1.23", "1.23", true},
		{"1,23", "1.23", true},
		{"0.01", "0.01", true},
		{"1.005", "1.01", true}, // half-up rounding
		{" 2.50 ", "2.50", true},
		{"-1", "", false},
		{"+1", "", false},
		{"0", "", false},
		{"0.001", "", false},
		{"1e3", "", false},
		{"abc", "", false},
		{"1.2.3", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || FormatAmount(got) != tc.out {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.out, FormatAmount(got), err)
			}
		} else {
			if err == nil {
				t.Fatalf("%q expected error", tc.in)
			}
		}
	}
}

func TestPercentage(t *testing.T) {
	cases := []struct {
		part, whole string
		want        string
	}{
		{"850.00", "1000.00", "85"},
		{"790", "1000", "79"},
		{"0", "1000", "0"},
		{"10", "0", "0"},
	}
	for _, tc := range cases {
		got := Percentage(decimal.RequireFromString(tc.part), decimal.RequireFromString(tc.whole))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Percentage(%s, %s) = %s, want %s", tc.part, tc.whole, got, tc.want)
		}
	}
}
