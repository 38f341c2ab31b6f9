package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/id"
	"github.com/stocksim/ledger-engine/internal/ledger"
	"github.com/stocksim/ledger-engine/internal/model"
	"github.com/stocksim/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// flakyStore fails every Save while fail is set.
type flakyStore struct {
	*store.MemoryStore
	fail bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) Save(ctx context.Context, key string, value []byte) error {
	if s.fail {
		return errDiskFull
	}
	return s.MemoryStore.Save(ctx, key, value)
}

type testEnv struct {
	engine *ledger.Engine
	prices ledger.PriceMap
	store  *flakyStore
}

func newTestEnv(t *testing.T, balance string) *testEnv {
	t.Helper()
	env := &testEnv{
		prices: ledger.PriceMap{"AAPL": d("175.43"), "MSFT": d("338.11")},
		store:  &flakyStore{MemoryStore: store.NewMemoryStore()},
	}
	env.engine = env.open(t, balance)
	return env
}

func (env *testEnv) open(t *testing.T, balance string) *ledger.Engine {
	t.Helper()
	clock := time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)
	e, err := ledger.Open(context.Background(), ledger.Options{
		AccountID:       "acct-1",
		StartingBalance: d(balance),
		Prices:          env.prices,
		Store:           env.store,
		IDs:             id.NewGeneratorWithSource(rand.NewSource(1)),
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return e
}

func (env *testEnv) trade(t *testing.T, symbol string, qty int64, side model.Side) model.TradeRecord {
	t.Helper()
	rec, err := env.engine.ExecuteTrade(context.Background(), symbol, qty, side)
	if err != nil {
		t.Fatalf("%s %d %s: %v", side, qty, symbol, err)
	}
	return rec
}

// --- Trade execution ---

func TestExecuteTrade_BuyDebitsCash(t *testing.T) {
	env := newTestEnv(t, "100000")

	rec := env.trade(t, "AAPL", 10, model.Buy)

	if !env.engine.CashBalance().Equal(d("98245.70")) {
		t.Errorf("expected cash 98245.70, got %s", env.engine.CashBalance())
	}
	if !rec.Total.Equal(d("1754.30")) {
		t.Errorf("expected total 1754.30, got %s", rec.Total)
	}
	if rec.ID == "" || rec.AccountID != "acct-1" || rec.Side != model.Buy {
		t.Errorf("unexpected record %+v", rec)
	}

	pos, ok := env.engine.Position("AAPL")
	if !ok {
		t.Fatal("expected AAPL position")
	}
	if pos.Quantity != 10 || !pos.AverageCost.Equal(d("175.43")) {
		t.Errorf("unexpected position %+v", pos)
	}
	if !pos.TotalValue.Equal(d("1754.30")) || !pos.GainLoss.IsZero() {
		t.Errorf("fresh position should be valued at cost, got value=%s gain=%s", pos.TotalValue, pos.GainLoss)
	}
}

// Buy 10 AAPL@175.43 then sell 5 AAPL@180.00.
func TestExecuteTrade_BuyThenPartialSell(t *testing.T) {
	env := newTestEnv(t, "100000")

	env.trade(t, "AAPL", 10, model.Buy)
	env.prices["AAPL"] = d("180.00")
	rec := env.trade(t, "AAPL", 5, model.Sell)

	if !rec.Total.Equal(d("900")) {
		t.Errorf("expected sell total 900, got %s", rec.Total)
	}
	if !env.engine.CashBalance().Equal(d("99145.70")) {
		t.Errorf("expected cash 99145.70, got %s", env.engine.CashBalance())
	}
	pos, ok := env.engine.Position("AAPL")
	if !ok {
		t.Fatal("position should remain after partial sell")
	}
	if pos.Quantity != 5 {
		t.Errorf("expected 5 shares, got %d", pos.Quantity)
	}
	if !pos.AverageCost.Equal(d("175.43")) {
		t.Errorf("average cost must not change on sell, got %s", pos.AverageCost)
	}
	if !pos.CurrentPrice.Equal(d("180")) || !pos.GainLoss.Equal(d("22.85")) {
		t.Errorf("expected price 180 and gain 22.85, got %s / %s", pos.CurrentPrice, pos.GainLoss)
	}
}

func TestExecuteTrade_WeightedAverageCost(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.prices["XYZ"] = d("100")

	env.trade(t, "XYZ", 10, model.Buy)
	env.prices["XYZ"] = d("200")
	env.trade(t, "XYZ", 10, model.Buy)

	pos, _ := env.engine.Position("XYZ")
	if pos.Quantity != 20 {
		t.Errorf("expected 20 shares, got %d", pos.Quantity)
	}
	if !pos.AverageCost.Equal(d("150")) {
		t.Errorf("expected average cost 150, got %s", pos.AverageCost)
	}
	if !env.engine.CashBalance().Equal(d("97000")) {
		t.Errorf("expected cash 97000, got %s", env.engine.CashBalance())
	}
}

func TestExecuteTrade_SellAllRemovesPosition(t *testing.T) {
	env := newTestEnv(t, "100000")

	env.trade(t, "MSFT", 3, model.Buy)
	env.trade(t, "MSFT", 3, model.Sell)

	if _, ok := env.engine.Position("MSFT"); ok {
		t.Error("position should be removed when quantity reaches 0")
	}
	if len(env.engine.Positions()) != 0 {
		t.Errorf("expected no positions, got %d", len(env.engine.Positions()))
	}
	if !env.engine.CashBalance().Equal(d("100000")) {
		t.Errorf("round trip at same price should restore cash, got %s", env.engine.CashBalance())
	}
}

func TestExecuteTrade_NormalizesSymbol(t *testing.T) {
	env := newTestEnv(t, "100000")

	rec := env.trade(t, " aapl ", 1, model.Buy)
	if rec.Symbol != "AAPL" {
		t.Errorf("expected normalized symbol AAPL, got %q", rec.Symbol)
	}
	if _, ok := env.engine.Position("aapl"); !ok {
		t.Error("position lookups should normalize too")
	}
}

// --- Rejections leave the ledger untouched ---

func TestExecuteTrade_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		qty    int64
		side   model.Side
		want   error
	}{
		{"zero quantity", "AAPL", 0, model.Buy, ledger.ErrInvalidQuantity},
		{"negative quantity", "AAPL", -5, model.Sell, ledger.ErrInvalidQuantity},
		{"unknown symbol", "NOPE", 1, model.Buy, ledger.ErrSymbolNotFound},
		{"bad side", "AAPL", 1, model.Side("HOLD"), ledger.ErrInvalidSide},
		{"insufficient funds", "MSFT", 1000, model.Buy, ledger.ErrInsufficientFunds},
		{"sell not held", "MSFT", 1, model.Sell, ledger.ErrInsufficientShares},
		{"sell more than held", "AAPL", 3, model.Sell, ledger.ErrInsufficientShares},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "10000")
			env.trade(t, "AAPL", 2, model.Buy)
			before := env.engine.Snapshot()
			saves := env.store.Saves()

			_, err := env.engine.ExecuteTrade(context.Background(), tt.symbol, tt.qty, tt.side)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var te *ledger.TradeError
			if !errors.As(err, &te) || te.Quantity != tt.qty {
				t.Errorf("expected *TradeError carrying the request, got %#v", err)
			}

			after := env.engine.Snapshot()
			if !after.CashBalance.Equal(before.CashBalance) {
				t.Errorf("cash changed: %s -> %s", before.CashBalance, after.CashBalance)
			}
			if len(after.Positions) != len(before.Positions) || after.Positions[0].Quantity != 2 {
				t.Errorf("positions changed: %+v", after.Positions)
			}
			if len(after.Trades) != 1 {
				t.Errorf("trade log changed: %d records", len(after.Trades))
			}
			if env.store.Saves() != saves {
				t.Error("a rejected trade must not write a snapshot")
			}
		})
	}
}

func TestExecuteTrade_ExactFundsAllowed(t *testing.T) {
	env := newTestEnv(t, "1754.30")

	env.trade(t, "AAPL", 10, model.Buy)
	if !env.engine.CashBalance().IsZero() {
		t.Errorf("expected cash 0, got %s", env.engine.CashBalance())
	}
}

func TestExecuteTrade_PersistenceFailureIsAtomic(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.trade(t, "AAPL", 10, model.Buy)

	env.store.fail = true
	_, err := env.engine.ExecuteTrade(context.Background(), "AAPL", 5, model.Sell)
	if !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("underlying cause should be preserved, got %v", err)
	}

	if !env.engine.CashBalance().Equal(d("98245.70")) {
		t.Errorf("cash must be unchanged, got %s", env.engine.CashBalance())
	}
	if pos, _ := env.engine.Position("AAPL"); pos.Quantity != 10 {
		t.Errorf("position must be unchanged, got %d", pos.Quantity)
	}
	if n := len(env.engine.Trades(ledger.TradeFilter{})); n != 1 {
		t.Errorf("trade log must be unchanged, got %d records", n)
	}

	// The engine stays usable once storage recovers.
	env.store.fail = false
	env.trade(t, "AAPL", 5, model.Sell)
}

func TestExecuteTrade_OneSnapshotPerTrade(t *testing.T) {
	env := newTestEnv(t, "100000")
	base := env.store.Saves() // the initial empty snapshot

	env.trade(t, "AAPL", 1, model.Buy)
	env.trade(t, "MSFT", 1, model.Buy)
	env.trade(t, "AAPL", 1, model.Sell)

	if got := env.store.Saves() - base; got != 3 {
		t.Errorf("expected 3 snapshot writes, got %d", got)
	}
}

func TestExecuteTrade_IDsStrictlyIncreasing(t *testing.T) {
	env := newTestEnv(t, "100000")

	prev := ""
	for i := 0; i < 20; i++ {
		rec := env.trade(t, "AAPL", 1, model.Buy)
		if rec.ID <= prev {
			t.Fatalf("trade %d: id %s not greater than %s", i, rec.ID, prev)
		}
		prev = rec.ID
	}
}

// Buy 1@100 then 2@101: the average repeats, the cost basis must not.
func TestExecuteTrade_RepeatingAverageKeepsExactCost(t *testing.T) {
	env := newTestEnv(t, "1000")
	env.prices["XYZ"] = d("100")
	env.trade(t, "XYZ", 1, model.Buy)
	env.prices["XYZ"] = d("101")
	env.trade(t, "XYZ", 2, model.Buy)

	paid := d("1000").Sub(env.engine.CashBalance())
	if !paid.Equal(d("302")) {
		t.Fatalf("expected 302 paid, got %s", paid)
	}
	pos, _ := env.engine.Position("XYZ")
	if !pos.CostBasis().Equal(paid) {
		t.Errorf("cost basis %s does not reconcile with cash paid %s", pos.CostBasis(), paid)
	}
	if !pos.GainLoss.Equal(d("1")) {
		t.Errorf("expected gain 1 at 101, got %s", pos.GainLoss)
	}
	sum := env.engine.Aggregate()
	if !sum.TotalCostBasis.Equal(d("302")) || !sum.TotalGainLoss.Equal(d("1")) {
		t.Errorf("expected cost 302 gain 1, got %s / %s", sum.TotalCostBasis, sum.TotalGainLoss)
	}
	if !sum.NetWorth.Equal(d("999")) {
		t.Errorf("expected net worth 999, got %s", sum.NetWorth)
	}

	// Selling everything returns the ledger to cash only.
	env.trade(t, "XYZ", 1, model.Sell)
	env.trade(t, "XYZ", 2, model.Sell)
	if _, ok := env.engine.Position("XYZ"); ok {
		t.Error("position should be closed")
	}
	if !env.engine.CashBalance().Equal(d("1001")) {
		t.Errorf("expected cash 1001, got %s", env.engine.CashBalance())
	}
}

func TestOpen_DerivesCostBasisForOlderSnapshots(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	data := []byte(`{"version":1,"account_id":"acct-1","starting_balance":"1000","cash_balance":"700",
		"positions":[{"symbol":"XYZ","quantity":3,"average_cost":"100","current_price":"100"}],"trades":[]}`)
	if err := ms.Save(ctx, ledger.Key("acct-1"), data); err != nil {
		t.Fatal(err)
	}
	e, err := ledger.Open(ctx, ledger.Options{AccountID: "acct-1", Prices: ledger.PriceMap{}, Store: ms})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, _ := e.Position("XYZ")
	if !pos.CostBasis().Equal(d("300")) {
		t.Errorf("expected cost basis 300, got %s", pos.CostBasis())
	}
}

// --- Valuation ---

func TestAggregate_Empty(t *testing.T) {
	env := newTestEnv(t, "100000")

	sum := env.engine.Aggregate()
	if !sum.TotalValue.IsZero() || !sum.TotalGainLoss.IsZero() || !sum.PercentGainLoss.IsZero() {
		t.Errorf("expected zero valuation, got %+v", sum)
	}
	if !sum.CashBalance.Equal(d("100000")) || !sum.NetWorth.Equal(d("100000")) {
		t.Errorf("expected cash/net worth 100000, got %s / %s", sum.CashBalance, sum.NetWorth)
	}
	if len(sum.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(sum.Positions))
	}
}

func TestRevaluePositions(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.prices["XYZ"] = d("100")
	env.trade(t, "XYZ", 10, model.Buy)
	env.trade(t, "AAPL", 10, model.Buy)

	err := env.engine.RevaluePositions(context.Background(), ledger.PriceMap{
		"XYZ": d("110"),
		// AAPL missing: keeps its last price
	})
	if err != nil {
		t.Fatalf("revalue: %v", err)
	}

	xyz, _ := env.engine.Position("XYZ")
	if !xyz.CurrentPrice.Equal(d("110")) || !xyz.TotalValue.Equal(d("1100")) {
		t.Errorf("unexpected XYZ valuation %+v", xyz)
	}
	if !xyz.GainLoss.Equal(d("100")) || !xyz.PercentGainLoss.Equal(d("10")) {
		t.Errorf("expected gain 100 (10%%), got %s (%s%%)", xyz.GainLoss, xyz.PercentGainLoss)
	}
	aapl, _ := env.engine.Position("AAPL")
	if !aapl.CurrentPrice.Equal(d("175.43")) {
		t.Errorf("unpriced symbol should keep its price, got %s", aapl.CurrentPrice)
	}

	sum := env.engine.Aggregate()
	if !sum.TotalValue.Equal(d("2854.30")) {
		t.Errorf("expected total value 2854.30, got %s", sum.TotalValue)
	}
	if !sum.TotalCostBasis.Equal(d("2754.30")) {
		t.Errorf("expected cost basis 2754.30, got %s", sum.TotalCostBasis)
	}
	if !sum.TotalGainLoss.Equal(d("100")) {
		t.Errorf("expected total gain 100, got %s", sum.TotalGainLoss)
	}
	wantPct := d("100").Div(d("2754.30")).Mul(d("100"))
	if !sum.PercentGainLoss.Equal(wantPct) {
		t.Errorf("expected percent %s, got %s", wantPct, sum.PercentGainLoss)
	}
	if !sum.NetWorth.Equal(sum.CashBalance.Add(sum.TotalValue)) {
		t.Errorf("net worth should be cash + value, got %s", sum.NetWorth)
	}
}

func TestRevaluePositions_IdempotentAndSavesOnlyOnChange(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.trade(t, "AAPL", 10, model.Buy)
	ctx := context.Background()

	prices := ledger.PriceMap{"AAPL": d("170")}
	if err := env.engine.RevaluePositions(ctx, prices); err != nil {
		t.Fatalf("revalue: %v", err)
	}
	saves := env.store.Saves()
	first := env.engine.Aggregate()

	for i := 0; i < 3; i++ {
		if err := env.engine.RevaluePositions(ctx, prices); err != nil {
			t.Fatalf("revalue %d: %v", i, err)
		}
	}
	if env.store.Saves() != saves {
		t.Errorf("unchanged prices must not write snapshots (%d extra)", env.store.Saves()-saves)
	}
	again := env.engine.Aggregate()
	if !again.TotalValue.Equal(first.TotalValue) || !again.TotalGainLoss.Equal(first.TotalGainLoss) {
		t.Error("repeated revaluation with equal prices changed the valuation")
	}
	if !first.TotalGainLoss.Equal(d("-54.30")) {
		t.Errorf("expected loss -54.30, got %s", first.TotalGainLoss)
	}
}

func TestRevaluePositions_Overlapping(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.trade(t, "AAPL", 10, model.Buy)
	env.trade(t, "MSFT", 5, model.Buy)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			price := decimal.NewFromInt(int64(150 + i))
			errs <- env.engine.RevaluePositions(ctx, ledger.PriceMap{"AAPL": price, "MSFT": price.Add(d("200"))})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("revalue: %v", err)
		}
	}

	// Whichever tick won, both positions come from the same tick.
	aapl, _ := env.engine.Position("AAPL")
	msft, _ := env.engine.Position("MSFT")
	if !msft.CurrentPrice.Sub(aapl.CurrentPrice).Equal(d("200")) {
		t.Errorf("positions from different ticks: AAPL %s MSFT %s", aapl.CurrentPrice, msft.CurrentPrice)
	}
	if !aapl.TotalValue.Equal(aapl.CurrentPrice.Mul(d("10"))) {
		t.Errorf("AAPL value %s inconsistent with price %s", aapl.TotalValue, aapl.CurrentPrice)
	}

	// The stored snapshot matches memory.
	e2 := env.open(t, "1")
	if got, _ := e2.Position("AAPL"); !got.CurrentPrice.Equal(aapl.CurrentPrice) {
		t.Errorf("stored price %s != in-memory %s", got.CurrentPrice, aapl.CurrentPrice)
	}
	if !e2.CashBalance().Equal(env.engine.CashBalance()) {
		t.Errorf("stored cash %s != in-memory %s", e2.CashBalance(), env.engine.CashBalance())
	}
}

func TestRevaluePositions_PersistenceFailure(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.trade(t, "AAPL", 10, model.Buy)

	env.store.fail = true
	err := env.engine.RevaluePositions(context.Background(), ledger.PriceMap{"AAPL": d("1")})
	if !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	pos, _ := env.engine.Position("AAPL")
	if !pos.CurrentPrice.Equal(d("175.43")) {
		t.Errorf("failed revaluation must not change prices, got %s", pos.CurrentPrice)
	}
}

func TestRevalue_ZeroAverageCost(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	// A gifted share: no cost basis, so the percentage is defined as 0.
	snap := ledger.Snapshot{
		Version:         ledger.SnapshotVersion,
		AccountID:       "acct-1",
		StartingBalance: d("100"),
		CashBalance:     d("100"),
		Positions: []model.Position{
			{Symbol: "GIFT", Quantity: 2, AverageCost: decimal.Zero, CurrentPrice: d("1")},
		},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.Save(ctx, ledger.Key("acct-1"), data); err != nil {
		t.Fatal(err)
	}

	e, err := ledger.Open(ctx, ledger.Options{
		AccountID: "acct-1",
		Prices:    ledger.PriceMap{},
		Store:     ms,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.RevaluePositions(ctx, ledger.PriceMap{"GIFT": d("5")}); err != nil {
		t.Fatalf("revalue: %v", err)
	}

	pos, _ := e.Position("GIFT")
	if !pos.PercentGainLoss.IsZero() {
		t.Errorf("expected 0%% for zero cost basis, got %s", pos.PercentGainLoss)
	}
	if !pos.GainLoss.Equal(d("10")) {
		t.Errorf("expected gain 10, got %s", pos.GainLoss)
	}
	if sum := e.Aggregate(); !sum.PercentGainLoss.IsZero() {
		t.Errorf("expected aggregate 0%%, got %s", sum.PercentGainLoss)
	}
}

// --- History ---

func TestTrades_Filter(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.trade(t, "AAPL", 1, model.Buy)
	env.trade(t, "MSFT", 2, model.Buy)
	env.trade(t, "AAPL", 3, model.Buy)
	env.trade(t, "AAPL", 1, model.Sell)

	all := env.engine.Trades(ledger.TradeFilter{})
	if len(all) != 4 {
		t.Fatalf("expected 4 trades, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Error("trade log should be chronological")
		}
	}

	if got := env.engine.Trades(ledger.TradeFilter{Symbol: "aapl"}); len(got) != 3 {
		t.Errorf("expected 3 AAPL trades, got %d", len(got))
	}
	if got := env.engine.Trades(ledger.TradeFilter{Side: model.Sell}); len(got) != 1 {
		t.Errorf("expected 1 sell, got %d", len(got))
	}
	last := env.engine.Trades(ledger.TradeFilter{Limit: 2})
	if len(last) != 2 || last[0].Symbol != "AAPL" || last[1].Side != model.Sell {
		t.Errorf("limit should keep the most recent trades, got %+v", last)
	}

	// Returned slices are copies.
	all[0].Quantity = 999
	if env.engine.Trades(ledger.TradeFilter{})[0].Quantity != 1 {
		t.Error("mutating a returned record changed the log")
	}
}

// Total cash movement reconciles with the trade log.
func TestCashReconcilesWithTradeLog(t *testing.T) {
	env := newTestEnv(t, "50000")
	env.trade(t, "AAPL", 7, model.Buy)
	env.prices["AAPL"] = d("181.17")
	env.trade(t, "MSFT", 4, model.Buy)
	env.trade(t, "AAPL", 3, model.Sell)
	env.trade(t, "AAPL", 2, model.Buy)

	cash := d("50000")
	for _, tr := range env.engine.Trades(ledger.TradeFilter{}) {
		if tr.Side == model.Buy {
			cash = cash.Sub(tr.Total)
		} else {
			cash = cash.Add(tr.Total)
		}
		if !tr.Total.Equal(tr.Price.Mul(decimal.NewFromInt(tr.Quantity))) {
			t.Errorf("trade %s: total %s != qty*price", tr.ID, tr.Total)
		}
	}
	if !cash.Equal(env.engine.CashBalance()) {
		t.Errorf("replayed cash %s != ledger cash %s", cash, env.engine.CashBalance())
	}
}

// --- Persistence round trip ---

func TestOpen_RestoresSnapshot(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.trade(t, "AAPL", 10, model.Buy)
	last := env.trade(t, "MSFT", 2, model.Buy)

	reopened := env.open(t, "1") // starting balance from the snapshot wins
	if !reopened.CashBalance().Equal(env.engine.CashBalance()) {
		t.Errorf("cash not restored: %s vs %s", reopened.CashBalance(), env.engine.CashBalance())
	}
	if !reopened.StartingBalance().Equal(d("100000")) {
		t.Errorf("starting balance not restored, got %s", reopened.StartingBalance())
	}
	if len(reopened.Positions()) != 2 || len(reopened.Trades(ledger.TradeFilter{})) != 2 {
		t.Fatalf("positions/trades not restored")
	}

	// The restored engine uses the same seeded id source; ids must still
	// sort after the ones already in the log.
	env.engine = reopened
	rec := env.trade(t, "AAPL", 1, model.Sell)
	if rec.ID <= last.ID {
		t.Errorf("id %s issued after restore does not sort after %s", rec.ID, last.ID)
	}
}

func TestOpen_CorruptSnapshot(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Save(context.Background(), ledger.Key("acct-1"), []byte("{not json"))

	_, err := ledger.Open(context.Background(), ledger.Options{
		AccountID:       "acct-1",
		StartingBalance: d("100"),
		Prices:          ledger.PriceMap{},
		Store:           ms,
	})
	if !errors.Is(err, ledger.ErrPersistence) {
		t.Errorf("expected ErrPersistence for corrupt snapshot, got %v", err)
	}
}

func TestOpen_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	if _, err := ledger.Open(ctx, ledger.Options{Prices: ledger.PriceMap{}, Store: ms}); err == nil {
		t.Error("expected error without account id")
	}
	if _, err := ledger.Open(ctx, ledger.Options{AccountID: "a", Store: ms}); err == nil {
		t.Error("expected error without price source")
	}
	if _, err := ledger.Open(ctx, ledger.Options{
		AccountID: "a", Prices: ledger.PriceMap{}, Store: ms, StartingBalance: d("-1"),
	}); err == nil {
		t.Error("expected error for negative starting balance")
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t, "100000")
	before := env.trade(t, "AAPL", 10, model.Buy)

	if err := env.engine.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !env.engine.CashBalance().Equal(d("100000")) {
		t.Errorf("expected starting balance after reset, got %s", env.engine.CashBalance())
	}
	if len(env.engine.Positions()) != 0 || len(env.engine.Trades(ledger.TradeFilter{})) != 0 {
		t.Error("reset should clear positions and trades")
	}

	after := env.trade(t, "AAPL", 1, model.Buy)
	if after.ID <= before.ID {
		t.Errorf("ids after reset must keep increasing: %s <= %s", after.ID, before.ID)
	}
}

// --- Notifications ---

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t, "100000")

	var events []ledger.Event
	env.engine.Subscribe(func(ev ledger.Event) {
		// Reading from the engine inside a callback must not deadlock.
		_ = env.engine.CashBalance()
		events = append(events, ev)
	})

	env.trade(t, "AAPL", 1, model.Buy)
	env.engine.ExecuteTrade(context.Background(), "AAPL", 0, model.Buy) // rejected: no event
	env.engine.RevaluePositions(context.Background(), ledger.PriceMap{"AAPL": d("200")})
	env.engine.Reset(context.Background())

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != ledger.EventTrade || events[0].Trade == nil || events[0].Trade.Symbol != "AAPL" {
		t.Errorf("unexpected trade event %+v", events[0])
	}
	if events[1].Kind != ledger.EventRevalue || !events[1].Summary.TotalValue.Equal(d("200")) {
		t.Errorf("unexpected revalue event %+v", events[1])
	}
	if events[2].Kind != ledger.EventReset {
		t.Errorf("unexpected reset event %+v", events[2])
	}
}

func TestParseQuantity(t *testing.T) {
	valid := map[string]int64{"1": 1, "10": 10, "25.000": 25}
	for in, want := range valid {
		got, err := ledger.ParseQuantity(d(in))
		if err != nil || got != want {
			t.Errorf("ParseQuantity(%s) = %d, %v; want %d", in, got, err, want)
		}
	}

	for _, in := range []string{"0", "-1", "1.5", "0.01", "99999999999999999999"} {
		if _, err := ledger.ParseQuantity(d(in)); !errors.Is(err, ledger.ErrInvalidQuantity) {
			t.Errorf("ParseQuantity(%s): expected ErrInvalidQuantity, got %v", in, err)
		}
	}
}
