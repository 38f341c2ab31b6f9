// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// TradeRecord is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID          string          `json:"id"` // ULID, strictly increasing per account
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"company_name,omitempty"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Side        Side            `json:"side"`
	Total       decimal.Decimal `json:"total"` // quantity * price
	Timestamp   time.Time       `json:"timestamp"`
}

// Position represents an account's holdings in one symbol, valued at the
// last known price.
type Position struct {
	Symbol          string          `json:"symbol"`
	CompanyName     string          `json:"company_name,omitempty"`
	Quantity        int64           `json:"quantity"`
	AverageCost     decimal.Decimal `json:"average_cost"`      // totalCost / quantity, for display
	TotalCost       decimal.Decimal `json:"cost_basis"`        // cash paid for the shares still held
	CurrentPrice    decimal.Decimal `json:"current_price"`
	TotalValue      decimal.Decimal `json:"total_value"`       // quantity * currentPrice
	GainLoss        decimal.Decimal `json:"gain_loss"`         // totalValue - totalCost
	PercentGainLoss decimal.Decimal `json:"percent_gain_loss"` // relative to totalCost
	LastUpdated     time.Time       `json:"last_updated"`
}

// CostBasis is the amount paid for the shares still held.
func (p Position) CostBasis() decimal.Decimal {
	return p.TotalCost
}

// PortfolioSummary aggregates all positions of an account with P&L.
type PortfolioSummary struct {
	AccountID       string          `json:"account_id"`
	Positions       []Position      `json:"positions"`
	TotalValue      decimal.Decimal `json:"total_value"`
	TotalCostBasis  decimal.Decimal `json:"total_cost_basis"`
	TotalGainLoss   decimal.Decimal `json:"total_gain_loss"`
	PercentGainLoss decimal.Decimal `json:"percent_gain_loss"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	NetWorth        decimal.Decimal `json:"net_worth"` // cash + totalValue
}

// Account is a simulator user. Every account owns exactly one ledger.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Quote is the current market state of one stock.
type Quote struct {
	Symbol        string          `json:"symbol"`
	CompanyName   string          `json:"company_name"`
	Exchange      string          `json:"exchange"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Open          decimal.Decimal `json:"open"`
	DayHigh       decimal.Decimal `json:"day_high"`
	DayLow        decimal.Decimal `json:"day_low"`
	Volume        int64           `json:"volume"`
	MarketCap     decimal.Decimal `json:"market_cap"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// Bar is one historical OHLCV data point.
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Watchlist is the list of symbols an account follows.
type Watchlist struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Name      string          `json:"name"`
	Items     []WatchlistItem `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WatchlistItem is a followed symbol with its last quote snapshot.
type WatchlistItem struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	CompanyName   string          `json:"company_name"`
	AddedAt       time.Time       `json:"added_at"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PriceChange   decimal.Decimal `json:"price_change"`
	PercentChange decimal.Decimal `json:"percent_change"`
	LastUpdated   time.Time       `json:"last_updated"`
}
