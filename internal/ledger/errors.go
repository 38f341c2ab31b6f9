package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/model"
)

var (
	// ErrSymbolNotFound is returned when the pricing source has no price
	// for the traded symbol.
	ErrSymbolNotFound = errors.New("ledger: symbol not found")

	// ErrInsufficientFunds is returned when a buy costs more than the
	// available cash.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sell asks for more shares
	// than the account holds, including symbols it does not hold at all.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrInvalidQuantity is returned for non-positive or fractional
	// share quantities.
	ErrInvalidQuantity = errors.New("ledger: quantity must be a positive integer")

	// ErrInvalidSide is returned when the side is neither BUY nor SELL.
	ErrInvalidSide = errors.New("ledger: side must be BUY or SELL")

	// ErrPersistence is returned when the gateway cannot load or save the
	// ledger snapshot. The in-memory ledger is unchanged when it occurs.
	ErrPersistence = errors.New("ledger: persistence failure")
)

// TradeError describes a rejected trade. It matches its sentinel (and the
// underlying storage error, if any) with errors.Is.
type TradeError struct {
	Err      error // one of the sentinels above
	Cause    error // underlying error for ErrPersistence
	Symbol   string
	Side     model.Side
	Quantity int64
}

func (e *TradeError) Error() string {
	msg := fmt.Sprintf("%s %d %s: %v", e.Side, e.Quantity, e.Symbol, e.Err)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TradeError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// ParseQuantity converts a decimal share count to an integer quantity.
// Zero, negative, fractional and out-of-range values fail with
// ErrInvalidQuantity.
func ParseQuantity(q decimal.Decimal) (int64, error) {
	if !q.IsPositive() || !q.IsInteger() || q.GreaterThan(maxQuantity) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidQuantity, q)
	}
	return q.IntPart(), nil
}
