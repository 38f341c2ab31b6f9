// Package market implements the simulated pricing source: a handful of mock
// stocks whose prices take a bounded random walk on a timer, plus symbol
// search and generated price history.
//
// Random draws are float64; every value handed out is converted to
// decimal and rounded to cents.
package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/model"
)

var (
	ErrUnknownSymbol = errors.New("market: unknown symbol")
	ErrInvalidRange  = errors.New("market: unsupported history range")
)

var hundred = decimal.NewFromInt(100)

// rangeDays maps a history range to the number of calendar days it spans.
var rangeDays = map[string]int{
	"1d": 1,
	"5d": 5,
	"1m": 30,
	"3m": 90,
	"6m": 180,
	"1y": 365,
	"5y": 365 * 5,
}

// Ranges lists the supported history ranges, shortest first.
func Ranges() []string {
	return []string{"1d", "5d", "1m", "3m", "6m", "1y", "5y"}
}

// Config holds the simulator tuning knobs.
type Config struct {
	Stocks            []model.Quote
	StepVolatility    float64 // max fractional move per Step, both directions
	HistoryVolatility float64 // daily volatility used by History
	Seed              int64   // 0 seeds from the clock
}

// DefaultConfig returns the simulator settings of the demo market.
func DefaultConfig() Config {
	return Config{
		Stocks:            DefaultStocks(),
		StepVolatility:    0.01, // ±1% per tick
		HistoryVolatility: 0.02, // 2% daily
	}
}

// Simulator is an in-memory market. It is safe for concurrent use.
type Simulator struct {
	mu     sync.RWMutex
	quotes map[string]*model.Quote
	cfg    Config
	rng    *rand.Rand
	now    func() time.Time
}

// NewSimulator creates a simulator with the default market.
func NewSimulator() *Simulator {
	return NewSimulatorWithConfig(DefaultConfig())
}

// NewSimulatorWithConfig creates a simulator with custom config.
func NewSimulatorWithConfig(cfg Config) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Simulator{
		quotes: make(map[string]*model.Quote, len(cfg.Stocks)),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		now:    time.Now,
	}
	now := s.now().UTC()
	for _, q := range cfg.Stocks {
		q := q
		q.Symbol = NormalizeSymbol(q.Symbol)
		if q.Exchange == "" {
			q.Exchange = Exchange
		}
		if q.LastUpdated.IsZero() {
			q.LastUpdated = now
		}
		s.quotes[q.Symbol] = &q
	}
	return s
}

// PriceOf returns the current price of symbol. It satisfies the ledger's
// pricing source contract.
func (s *Simulator) PriceOf(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[NormalizeSymbol(symbol)]
	if !ok {
		return decimal.Zero, false
	}
	return q.Price, true
}

// Quote returns a copy of the current quote for symbol.
func (s *Simulator) Quote(symbol string) (model.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[NormalizeSymbol(symbol)]
	if !ok {
		return model.Quote{}, false
	}
	return *q, true
}

// Quotes returns all quotes sorted by symbol.
func (s *Simulator) Quotes() []model.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Search returns the quotes whose symbol or company name contains query,
// case-insensitively. An empty query matches everything.
func (s *Simulator) Search(query string) []model.Quote {
	needle := strings.ToLower(strings.TrimSpace(query))

	var out []model.Quote
	for _, q := range s.Quotes() {
		if strings.Contains(strings.ToLower(q.Symbol), needle) ||
			strings.Contains(strings.ToLower(q.CompanyName), needle) {
			out = append(out, q)
		}
	}
	return out
}

// SetPrice forces the price of a listed symbol, updating the day's change
// the same way a Step does.
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[NormalizeSymbol(symbol)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	s.applyPrice(q, price, s.now().UTC())
	return nil
}

// Step moves every price by a uniform random fraction in
// [-StepVolatility, +StepVolatility) and returns the new quotes.
func (s *Simulator) Step() []model.Quote {
	s.mu.Lock()
	now := s.now().UTC()
	v := s.cfg.StepVolatility
	for _, sym := range s.sortedSymbolsLocked() {
		q := s.quotes[sym]
		factor := 1 + (s.rng.Float64()*2*v - v)
		next := q.Price.Mul(decimal.NewFromFloat(factor)).Round(2)
		if !next.IsPositive() {
			next = q.Price
		}
		s.applyPrice(q, next, now)
		q.Volume += s.rng.Int63n(10000)
	}
	s.mu.Unlock()

	return s.Quotes()
}

// Run steps the market every interval until ctx is cancelled. onTick, when
// non-nil, receives the quotes after each step.
func (s *Simulator) Run(ctx context.Context, interval time.Duration, onTick func([]model.Quote)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			quotes := s.Step()
			if onTick != nil {
				onTick(quotes)
			}
		case <-ctx.Done():
			return
		}
	}
}

// History generates daily bars for symbol over the given range, oldest
// first and ending today. Bars hover around the current price.
func (s *Simulator) History(symbol, rng string) ([]model.Bar, error) {
	days, ok := rangeDays[rng]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, rng)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	base := q.Price.InexactFloat64()
	vol := s.cfg.HistoryVolatility
	today := s.now().UTC().Truncate(24 * time.Hour)

	bars := make([]model.Bar, 0, days+1)
	for i := days; i >= 0; i-- {
		randomChange := (s.rng.Float64() - 0.5) * vol * base
		open := base + randomChange*(float64(i)/float64(days))
		high := open * (1 + s.rng.Float64()*0.01)
		low := open * (1 - s.rng.Float64()*0.01)
		closing := (open+high+low)/3 + (s.rng.Float64()-0.5)*0.005*base

		bars = append(bars, model.Bar{
			Date:   today.AddDate(0, 0, -i),
			Open:   decimal.NewFromFloat(open).Round(2),
			High:   decimal.NewFromFloat(high).Round(2),
			Low:    decimal.NewFromFloat(low).Round(2),
			Close:  decimal.NewFromFloat(closing).Round(2),
			Volume: 5_000_000 + s.rng.Int63n(10_000_000),
		})
	}
	return bars, nil
}

// applyPrice sets a new price and recomputes the derived day fields.
// Caller holds s.mu.
func (s *Simulator) applyPrice(q *model.Quote, price decimal.Decimal, now time.Time) {
	q.Price = price
	q.Change = price.Sub(q.PreviousClose)
	if q.PreviousClose.IsPositive() {
		q.ChangePercent = q.Change.Div(q.PreviousClose).Mul(hundred).Round(2)
	}
	if price.GreaterThan(q.DayHigh) {
		q.DayHigh = price
	}
	if q.DayLow.IsZero() || price.LessThan(q.DayLow) {
		q.DayLow = price
	}
	q.LastUpdated = now
}

func (s *Simulator) sortedSymbolsLocked() []string {
	syms := make([]string, 0, len(s.quotes))
	for sym := range s.quotes {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}
