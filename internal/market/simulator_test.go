package market

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestSimulator() *Simulator {
	cfg := DefaultConfig()
	cfg.Seed = 42
	return NewSimulatorWithConfig(cfg)
}

func TestParseSymbol_Valid(t *testing.T) {
	tests := map[string]string{
		"AAPL":   "AAPL",
		" aapl ": "AAPL",
		"googl":  "GOOGL",
		"BRK.B":  "BRK.B",
		"f":      "F",
	}
	for in, want := range tests {
		got, err := ParseSymbol(in)
		if err != nil {
			t.Errorf("ParseSymbol(%q): unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"TOOLONG",
		"AA1",
		"AAPL-X",
		"BRK.",
		"BRK.ABC",
	}
	for _, in := range tests {
		if _, err := ParseSymbol(in); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("ParseSymbol(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}

func TestPriceOf_SeededStocks(t *testing.T) {
	sim := newTestSimulator()

	p, ok := sim.PriceOf("AAPL")
	if !ok {
		t.Fatal("AAPL should be listed")
	}
	if !p.Equal(d(175.43)) {
		t.Errorf("expected AAPL=175.43, got %s", p)
	}

	if _, ok := sim.PriceOf("msft"); !ok {
		t.Error("lookups should be case-insensitive")
	}
	if _, ok := sim.PriceOf("NOPE"); ok {
		t.Error("unknown symbol should not resolve")
	}
}

func TestQuotes_SortedAndComplete(t *testing.T) {
	sim := newTestSimulator()
	quotes := sim.Quotes()

	want := []string{"AAPL", "AMZN", "GOOGL", "MSFT", "TSLA"}
	if len(quotes) != len(want) {
		t.Fatalf("expected %d quotes, got %d", len(want), len(quotes))
	}
	for i, q := range quotes {
		if q.Symbol != want[i] {
			t.Errorf("quote %d: expected %s, got %s", i, want[i], q.Symbol)
		}
		if q.Exchange != Exchange {
			t.Errorf("%s: expected exchange %s, got %s", q.Symbol, Exchange, q.Exchange)
		}
	}
}

func TestSearch(t *testing.T) {
	sim := newTestSimulator()

	got := sim.Search("micro")
	if len(got) != 1 || got[0].Symbol != "MSFT" {
		t.Errorf("expected MSFT for 'micro', got %+v", got)
	}

	got = sim.Search("a")
	if len(got) != 5 {
		// every company name or symbol contains an "a"
		t.Errorf("expected 5 matches for 'a', got %d", len(got))
	}

	if got := sim.Search("zzz"); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
	if got := sim.Search(""); len(got) != 5 {
		t.Errorf("empty query should match everything, got %d", len(got))
	}
}

func TestStep_BoundedMove(t *testing.T) {
	sim := newTestSimulator()
	before := sim.Quotes()

	for i := 0; i < 50; i++ {
		prev := make(map[string]decimal.Decimal)
		for _, q := range sim.Quotes() {
			prev[q.Symbol] = q.Price
		}
		for _, q := range sim.Step() {
			p := prev[q.Symbol]
			// ±1% plus half a cent of rounding
			limit := p.Mul(d(0.01)).Add(d(0.005))
			if q.Price.Sub(p).Abs().GreaterThan(limit) {
				t.Fatalf("step %d: %s moved from %s to %s", i, q.Symbol, p, q.Price)
			}
			if !q.Change.Equal(q.Price.Sub(q.PreviousClose)) {
				t.Errorf("%s: change %s does not match price-previousClose", q.Symbol, q.Change)
			}
			if q.Price.GreaterThan(q.DayHigh) || q.Price.LessThan(q.DayLow) {
				t.Errorf("%s: price %s outside day range [%s, %s]", q.Symbol, q.Price, q.DayLow, q.DayHigh)
			}
		}
	}

	after := sim.Quotes()
	moved := false
	for i := range before {
		if !before[i].Price.Equal(after[i].Price) {
			moved = true
		}
	}
	if !moved {
		t.Error("expected at least one price to move after 50 steps")
	}
}

func TestSetPrice(t *testing.T) {
	sim := newTestSimulator()

	if err := sim.SetPrice("AAPL", d(180)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	q, _ := sim.Quote("AAPL")
	if !q.Price.Equal(d(180)) {
		t.Errorf("expected 180, got %s", q.Price)
	}
	if !q.Change.Equal(d(6.92)) {
		t.Errorf("expected change 6.92 vs previous close 173.08, got %s", q.Change)
	}
	if !q.DayHigh.Equal(d(180)) {
		t.Errorf("day high should follow new price, got %s", q.DayHigh)
	}

	if err := sim.SetPrice("NOPE", d(1)); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	sim := newTestSimulator()

	for rng, days := range rangeDays {
		bars, err := sim.History("AAPL", rng)
		if err != nil {
			t.Fatalf("%s: %v", rng, err)
		}
		if len(bars) != days+1 {
			t.Errorf("%s: expected %d bars, got %d", rng, days+1, len(bars))
		}
		for i, b := range bars {
			if b.High.LessThan(b.Low) {
				t.Errorf("%s bar %d: high %s < low %s", rng, i, b.High, b.Low)
			}
			if b.Volume < 5_000_000 || b.Volume >= 15_000_000 {
				t.Errorf("%s bar %d: volume %d out of range", rng, i, b.Volume)
			}
			if i > 0 && !b.Date.After(bars[i-1].Date) {
				t.Errorf("%s bar %d: dates not ascending", rng, i)
			}
		}
	}
}

func TestHistory_Errors(t *testing.T) {
	sim := newTestSimulator()

	if _, err := sim.History("NOPE", "1m"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
	if _, err := sim.History("AAPL", "2w"); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	sim := newTestSimulator()
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	done := make(chan struct{})
	go func() {
		sim.Run(ctx, 5*time.Millisecond, func(quotes []model.Quote) {
			ticks.Add(1)
		})
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if ticks.Load() == 0 {
		t.Error("expected at least one tick")
	}
}
