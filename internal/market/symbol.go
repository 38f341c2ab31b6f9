package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches exchange tickers: 1-5 letters with an optional
// share-class suffix. Examples: AAPL, GOOGL, BRK.B
var symbolRegex = regexp.MustCompile(`^[A-Z]{1,5}(\.[A-Z]{1,2})?$`)

var ErrInvalidSymbol = errors.New("market: invalid symbol format")

// NormalizeSymbol trims and upper-cases a user supplied symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseSymbol normalizes and validates a ticker symbol.
func ParseSymbol(s string) (string, error) {
	sym := NormalizeSymbol(s)
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q (expected 1-5 letters, optional .CLASS)", ErrInvalidSymbol, s)
	}
	return sym, nil
}
