// Package ledger implements the trade-accounting core of the simulator: one
// Engine per account owns the cash balance, the open positions and the
// append-only trade log.
//
// Positions use average cost basis. Every state change is staged, written
// to the persistence gateway as a full snapshot, and only then committed in
// memory, so a rejected or failed operation never leaves partial state.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/id"
	"github.com/stocksim/ledger-engine/internal/model"
	"github.com/stocksim/ledger-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// PriceSource supplies the current price of a symbol. ok is false for
// symbols it does not know.
type PriceSource interface {
	PriceOf(symbol string) (price decimal.Decimal, ok bool)
}

// PriceMap is a fixed PriceSource, handy for revaluation and tests.
type PriceMap map[string]decimal.Decimal

func (m PriceMap) PriceOf(symbol string) (decimal.Decimal, bool) {
	p, ok := m[symbol]
	return p, ok
}

// Options configures an Engine.
type Options struct {
	AccountID       string
	StartingBalance decimal.Decimal
	Prices          PriceSource
	Store           store.Gateway

	// CompanyName, when set, labels positions and trade records.
	CompanyName func(symbol string) string
	// IDs issues trade ids. Defaults to a fresh generator.
	IDs *id.Generator
	// Now defaults to time.Now.
	Now func() time.Time
}

// EventKind names the change an Event reports.
type EventKind string

const (
	EventTrade   EventKind = "trade"
	EventRevalue EventKind = "revalue"
	EventReset   EventKind = "reset"
)

// Event is delivered to subscribers after a state change commits.
type Event struct {
	Kind      EventKind
	AccountID string
	Trade     *model.TradeRecord // set for EventTrade
	Summary   model.PortfolioSummary
}

// TradeFilter narrows Trades. Zero values match everything.
type TradeFilter struct {
	Symbol string
	Side   model.Side
	Limit  int // keep only the most recent Limit records
}

// Engine is the ledger of a single account. It assumes a single writer;
// the internal mutex only makes overlapping revaluation ticks safe.
type Engine struct {
	accountID   string
	starting    decimal.Decimal
	prices      PriceSource
	store       store.Gateway
	companyName func(string) string
	ids         *id.Generator
	now         func() time.Time

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]model.Position
	trades    []model.TradeRecord

	subMu sync.Mutex
	subs  []func(Event)
}

// Open loads the account's ledger from the gateway, or creates and saves
// an empty one holding the starting balance.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.AccountID == "" {
		return nil, errors.New("ledger: account id is required")
	}
	if opts.Prices == nil || opts.Store == nil {
		return nil, errors.New("ledger: price source and store are required")
	}
	if opts.StartingBalance.IsNegative() {
		return nil, fmt.Errorf("ledger: negative starting balance %s", opts.StartingBalance)
	}

	e := &Engine{
		accountID:   opts.AccountID,
		starting:    opts.StartingBalance,
		prices:      opts.Prices,
		store:       opts.Store,
		companyName: opts.CompanyName,
		ids:         opts.IDs,
		now:         opts.Now,
		cash:        opts.StartingBalance,
		positions:   make(map[string]model.Position),
	}
	if e.ids == nil {
		e.ids = id.NewGenerator()
	}
	if e.now == nil {
		e.now = time.Now
	}

	data, err := e.store.Load(ctx, Key(e.accountID))
	switch {
	case errors.Is(err, store.ErrNotFound):
		snap := e.snapshot(e.cash, e.positions, nil, e.now().UTC())
		if err := e.persist(ctx, snap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return e, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if snap.AccountID != e.accountID {
		return nil, fmt.Errorf("%w: snapshot belongs to account %q", ErrPersistence, snap.AccountID)
	}
	if err := e.ids.Observe(snap.LastTradeID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	e.starting = snap.StartingBalance
	e.cash = snap.CashBalance
	for _, p := range snap.Positions {
		e.positions[p.Symbol] = p
	}
	e.trades = snap.Trades
	return e, nil
}

// AccountID returns the account the ledger belongs to.
func (e *Engine) AccountID() string { return e.accountID }

// Subscribe registers fn to receive every committed change. Callbacks run
// synchronously after the engine lock is released.
func (e *Engine) Subscribe(fn func(Event)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, fn)
}

// ExecuteTrade buys or sells quantity shares of symbol at the pricing
// source's current price. On success exactly one snapshot is saved and
// the new trade record is returned; on failure nothing changes.
func (e *Engine) ExecuteTrade(ctx context.Context, symbol string, quantity int64, side model.Side) (model.TradeRecord, error) {
	sym := normalize(symbol)
	reject := func(sentinel, cause error) (model.TradeRecord, error) {
		return model.TradeRecord{}, &TradeError{
			Err: sentinel, Cause: cause,
			Symbol: sym, Side: side, Quantity: quantity,
		}
	}

	if quantity <= 0 {
		return reject(ErrInvalidQuantity, nil)
	}
	if !side.Valid() {
		return reject(ErrInvalidSide, nil)
	}
	price, ok := e.prices.PriceOf(sym)
	if !ok || !price.IsPositive() {
		return reject(ErrSymbolNotFound, nil)
	}

	e.mu.Lock()

	qty := decimal.NewFromInt(quantity)
	total := price.Mul(qty)
	now := e.now().UTC()
	held, isHeld := e.positions[sym]

	var nextCash decimal.Decimal
	nextPositions := copyPositions(e.positions)

	switch side {
	case model.Buy:
		if e.cash.LessThan(total) {
			e.mu.Unlock()
			return reject(ErrInsufficientFunds, nil)
		}
		nextCash = e.cash.Sub(total)

		pos := model.Position{
			Symbol:      sym,
			CompanyName: e.nameOf(sym),
			Quantity:    quantity,
			AverageCost: price,
			TotalCost:   total,
		}
		if isHeld {
			// The exact cost is carried; the average is derived from it.
			pos = held
			pos.Quantity = held.Quantity + quantity
			pos.TotalCost = held.TotalCost.Add(total)
			pos.AverageCost = pos.TotalCost.Div(decimal.NewFromInt(pos.Quantity))
		}
		nextPositions[sym] = revalue(pos, price, now)

	case model.Sell:
		if !isHeld || held.Quantity < quantity {
			e.mu.Unlock()
			return reject(ErrInsufficientShares, nil)
		}
		nextCash = e.cash.Add(total)

		if remaining := held.Quantity - quantity; remaining == 0 {
			delete(nextPositions, sym)
		} else {
			// Average cost is unchanged; the held cost shrinks pro rata.
			pos := held
			pos.Quantity = remaining
			pos.TotalCost = held.TotalCost.Mul(decimal.NewFromInt(remaining)).Div(decimal.NewFromInt(held.Quantity))
			nextPositions[sym] = revalue(pos, price, now)
		}
	}

	rec := model.TradeRecord{
		ID:          e.ids.Next(now),
		AccountID:   e.accountID,
		Symbol:      sym,
		CompanyName: e.nameOf(sym),
		Quantity:    quantity,
		Price:       price,
		Side:        side,
		Total:       total,
		Timestamp:   now,
	}
	// Full slice expression forces a copy so a failed save cannot alias e.trades.
	nextTrades := append(e.trades[:len(e.trades):len(e.trades)], rec)

	if err := e.persist(ctx, e.snapshot(nextCash, nextPositions, nextTrades, now)); err != nil {
		e.mu.Unlock()
		return reject(ErrPersistence, err)
	}

	e.cash = nextCash
	e.positions = nextPositions
	e.trades = nextTrades
	summary := e.aggregateLocked()
	e.mu.Unlock()

	e.notify(Event{Kind: EventTrade, AccountID: e.accountID, Trade: &rec, Summary: summary})
	return rec, nil
}

// RevaluePositions marks every held position to the price supplied by
// priceOf. Symbols priceOf does not know keep their last price. A snapshot
// is saved only when some price changed, which makes repeated calls with
// the same prices free.
func (e *Engine) RevaluePositions(ctx context.Context, priceOf PriceSource) error {
	e.mu.Lock()

	now := e.now().UTC()
	next := copyPositions(e.positions)
	changed := false
	for sym, pos := range next {
		price, ok := priceOf.PriceOf(sym)
		if !ok || price.Equal(pos.CurrentPrice) {
			continue
		}
		next[sym] = revalue(pos, price, now)
		changed = true
	}
	if !changed {
		e.mu.Unlock()
		return nil
	}

	if err := e.persist(ctx, e.snapshot(e.cash, next, e.trades, now)); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: revalue: %v", ErrPersistence, err)
	}
	e.positions = next
	summary := e.aggregateLocked()
	e.mu.Unlock()

	e.notify(Event{Kind: EventRevalue, AccountID: e.accountID, Summary: summary})
	return nil
}

// Aggregate summarizes the current valuation. It has no side effects.
func (e *Engine) Aggregate() model.PortfolioSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregateLocked()
}

// Reset returns the ledger to its starting state: starting balance, no
// positions, empty trade log. Trade ids issued later still sort after the
// discarded ones.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()

	empty := make(map[string]model.Position)
	if err := e.persist(ctx, e.snapshot(e.starting, empty, nil, e.now().UTC())); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: reset: %v", ErrPersistence, err)
	}
	e.cash = e.starting
	e.positions = empty
	e.trades = nil
	summary := e.aggregateLocked()
	e.mu.Unlock()

	e.notify(Event{Kind: EventReset, AccountID: e.accountID, Summary: summary})
	return nil
}

// CashBalance returns the available cash.
func (e *Engine) CashBalance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash
}

// StartingBalance returns the allowance the account was created with.
func (e *Engine) StartingBalance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starting
}

// Position returns the position in symbol, if held.
func (e *Engine) Position(symbol string) (model.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[normalize(symbol)]
	return p, ok
}

// Positions returns all held positions sorted by symbol.
func (e *Engine) Positions() []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedPositions(e.positions)
}

// Trades returns a chronological copy of the trade log narrowed by f.
func (e *Engine) Trades(f TradeFilter) []model.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym := normalize(f.Symbol)
	out := make([]model.TradeRecord, 0, len(e.trades))
	for _, t := range e.trades {
		if sym != "" && t.Symbol != sym {
			continue
		}
		if f.Side != "" && t.Side != f.Side {
			continue
		}
		out = append(out, t)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Snapshot returns the current persisted form of the ledger.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.snapshot(e.cash, e.positions, e.trades, e.now().UTC())
	s.Trades = append([]model.TradeRecord(nil), s.Trades...)
	return *s
}

// --- internals ---

func (e *Engine) aggregateLocked() model.PortfolioSummary {
	sum := model.PortfolioSummary{
		AccountID:   e.accountID,
		Positions:   sortedPositions(e.positions),
		CashBalance: e.cash,
	}
	for _, p := range sum.Positions {
		sum.TotalValue = sum.TotalValue.Add(p.TotalValue)
		sum.TotalGainLoss = sum.TotalGainLoss.Add(p.GainLoss)
		sum.TotalCostBasis = sum.TotalCostBasis.Add(p.CostBasis())
	}
	if sum.TotalCostBasis.IsPositive() {
		sum.PercentGainLoss = sum.TotalGainLoss.Div(sum.TotalCostBasis).Mul(hundred)
	}
	sum.NetWorth = sum.CashBalance.Add(sum.TotalValue)
	return sum
}

func (e *Engine) snapshot(cash decimal.Decimal, positions map[string]model.Position, trades []model.TradeRecord, now time.Time) *Snapshot {
	s := &Snapshot{
		Version:         SnapshotVersion,
		AccountID:       e.accountID,
		StartingBalance: e.starting,
		CashBalance:     cash,
		Positions:       sortedPositions(positions),
		Trades:          trades,
		LastTradeID:     e.ids.Last(),
		UpdatedAt:       now,
	}
	if s.Trades == nil {
		s.Trades = []model.TradeRecord{}
	}
	return s
}

func (e *Engine) persist(ctx context.Context, s *Snapshot) error {
	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	return e.store.Save(ctx, Key(e.accountID), data)
}

func (e *Engine) notify(ev Event) {
	e.subMu.Lock()
	subs := append([]func(Event){}, e.subs...)
	e.subMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (e *Engine) nameOf(symbol string) string {
	if e.companyName == nil {
		return ""
	}
	return e.companyName(symbol)
}

// revalue sets the current price and recomputes the derived fields.
func revalue(p model.Position, price decimal.Decimal, now time.Time) model.Position {
	qty := decimal.NewFromInt(p.Quantity)
	p.CurrentPrice = price
	p.TotalValue = price.Mul(qty)
	p.GainLoss = p.TotalValue.Sub(p.TotalCost)
	p.PercentGainLoss = decimal.Zero
	if p.TotalCost.IsPositive() {
		p.PercentGainLoss = p.GainLoss.Div(p.TotalCost).Mul(hundred)
	}
	p.LastUpdated = now
	return p
}

func copyPositions(m map[string]model.Position) map[string]model.Position {
	out := make(map[string]model.Position, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
