package cli

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// formatMoney renders a decimal amount in the currency's conventional form,
// e.g. $98,245.70. Amounts are rounded to the currency's minor unit.
func formatMoney(amount decimal.Decimal, currency string) string {
	// money.New is the only way to get a never-nil currency
	cur := money.New(0, currency).Currency()
	minor := amount.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(minor.IntPart())
}

// formatSigned is formatMoney with an explicit sign for non-negative values.
func formatSigned(amount decimal.Decimal, currency string) string {
	if amount.IsNegative() {
		return formatMoney(amount, currency)
	}
	return "+" + formatMoney(amount, currency)
}

// formatPercent renders a percentage with two decimals and a sign.
func formatPercent(p decimal.Decimal) string {
	s := p.StringFixed(2) + "%"
	if !p.IsNegative() {
		s = "+" + s
	}
	return s
}
