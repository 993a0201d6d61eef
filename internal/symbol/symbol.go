// Package symbol handles equity ticker normalization and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches plain exchange tickers with an optional share-class
// suffix. Examples: AAPL, BRK.B, RDS-A.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// ErrInvalidSymbol is returned for tickers that fail normalization.
var ErrInvalidSymbol = errors.New("symbol: invalid ticker")

// Normalize trims and uppercases a ticker and validates its shape.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}
