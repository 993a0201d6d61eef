package symbol

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	tests := map[string]string{
		"AAPL":    "AAPL",
		" aapl ":  "AAPL",
		"brk.b":   "BRK.B",
		"RDS-A":   "RDS-A",
		"x":       "X",
		"GOOGL\n": "GOOGL",
	}
	for in, want := range tests {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q) unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"1ABC",        // must start with a letter
		"AAPL MSFT",   // embedded space
		"TOOLONGTICKER",
		"$SPY",
		".B",
	}
	for _, in := range tests {
		_, err := Normalize(in)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Normalize(%q) expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}
