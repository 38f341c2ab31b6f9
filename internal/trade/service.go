// Package trade provides the HTTP handlers and orchestration around the
// ledger engine: the account registry, trade execution, portfolio and
// watchlist queries, market data, and the revaluation loop.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/id"
	"github.com/stocksim/ledger-engine/internal/ledger"
	"github.com/stocksim/ledger-engine/internal/market"
	"github.com/stocksim/ledger-engine/internal/metrics"
	"github.com/stocksim/ledger-engine/internal/model"
	"github.com/stocksim/ledger-engine/internal/store"
	"github.com/stocksim/ledger-engine/internal/watchlist"
)

// registryKey is the gateway key holding the account list.
const registryKey = "accounts"

var (
	ErrAccountNotFound = errors.New("trade: account not found")
	ErrAccountExists   = errors.New("trade: account already exists")
)

// Options configures a Service.
type Options struct {
	Store           store.Gateway
	Market          *market.Simulator
	Hub             *WSHub // optional; nil disables broadcasts
	StartingBalance decimal.Decimal
}

// Service owns one ledger and one watchlist per registered account.
// Mutating calls on an account are serialized by that account's lock, so
// each ledger sees a single writer.
type Service struct {
	store    store.Gateway
	market   *market.Simulator
	wsHub    *WSHub
	starting decimal.Decimal
	validate *validator.Validate
	ids      *id.Generator

	mu       sync.RWMutex // guards accounts and the persisted registry
	accounts map[string]*account
}

type account struct {
	mu        sync.Mutex
	closed    bool // set by DeleteAccount; guarded by mu
	info      model.Account
	ledger    *ledger.Engine
	watchlist *watchlist.Watchlist
}

// NewService loads the account registry and opens every account's ledger
// and watchlist.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil || opts.Market == nil {
		return nil, errors.New("trade: store and market are required")
	}
	s := &Service{
		store:    opts.Store,
		market:   opts.Market,
		wsHub:    opts.Hub,
		starting: opts.StartingBalance,
		validate: validator.New(),
		ids:      id.NewGenerator(),
		accounts: make(map[string]*account),
	}

	infos, err := s.loadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		acct, err := s.openAccount(ctx, info)
		if err != nil {
			return nil, fmt.Errorf("open account %s: %w", info.ID, err)
		}
		s.accounts[info.ID] = acct
	}
	s.pruneOrphans(ctx)
	metrics.Accounts.Set(float64(len(s.accounts)))
	slog.Info("accounts loaded", "count", len(s.accounts))
	return s, nil
}

// CreateAccount registers a new account holding the starting balance.
func (s *Service) CreateAccount(ctx context.Context, email, firstName, lastName string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range s.accounts {
		if a.info.Email == email {
			return model.Account{}, fmt.Errorf("%w: %s", ErrAccountExists, email)
		}
	}

	info := model.Account{
		ID:        uuid.NewString(),
		Email:     email,
		FirstName: strings.TrimSpace(firstName),
		LastName:  strings.TrimSpace(lastName),
		CreatedAt: time.Now().UTC(),
	}
	acct, err := s.openAccount(ctx, info)
	if err != nil {
		s.deleteAccountData(ctx, info.ID)
		return model.Account{}, err
	}

	s.accounts[info.ID] = acct
	if err := s.saveRegistryLocked(ctx); err != nil {
		delete(s.accounts, info.ID)
		s.deleteAccountData(ctx, info.ID)
		return model.Account{}, err
	}
	metrics.Accounts.Set(float64(len(s.accounts)))
	slog.Info("account created", "account", info.ID, "email", info.Email, "balance", s.starting.String())
	return info, nil
}

// DeleteAccount removes the account and its stored ledger and watchlist.
// It waits for any in-flight operation on the account; later ones see
// ErrAccountNotFound.
func (s *Service) DeleteAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	delete(s.accounts, accountID)
	if err := s.saveRegistryLocked(ctx); err != nil {
		s.accounts[accountID] = acct
		return err
	}
	acct.closed = true

	s.deleteAccountData(ctx, accountID)
	metrics.Accounts.Set(float64(len(s.accounts)))
	slog.Info("account deleted", "account", accountID)
	return nil
}

// Account returns the account's registration details.
func (s *Service) Account(accountID string) (model.Account, error) {
	acct, err := s.lookup(accountID)
	if err != nil {
		return model.Account{}, err
	}
	return acct.info, nil
}

// Accounts returns every registered account ordered by creation time.
func (s *Service) Accounts() []model.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Ledger returns the account's ledger engine.
func (s *Service) Ledger(accountID string) (*ledger.Engine, error) {
	acct, err := s.lookup(accountID)
	if err != nil {
		return nil, err
	}
	return acct.ledger, nil
}

// Trade executes a trade on the account's ledger and records metrics.
// The returned cash balance and position are those right after the trade.
func (s *Service) Trade(ctx context.Context, accountID, symbol string, quantity int64, side model.Side) (TradeResponse, error) {
	acct, err := s.acquire(accountID)
	if err != nil {
		return TradeResponse{}, err
	}
	defer acct.mu.Unlock()

	start := time.Now()
	rec, err := acct.ledger.ExecuteTrade(ctx, symbol, quantity, side)
	if err != nil {
		reason := rejectionReason(err)
		metrics.TradeRejections.WithLabelValues(reason).Inc()
		if reason == "persistence" {
			metrics.PersistenceErrors.Inc()
			slog.Error("trade not persisted", "account", accountID, "symbol", symbol, "err", err)
		} else {
			slog.Warn("trade rejected",
				"account", accountID,
				"symbol", symbol,
				"side", side,
				"qty", quantity,
				"reason", reason,
			)
		}
		return TradeResponse{}, err
	}

	resp := TradeResponse{Trade: rec, CashBalance: acct.ledger.CashBalance()}
	if pos, ok := acct.ledger.Position(rec.Symbol); ok {
		resp.Position = &pos
	}

	metrics.TradeLatency.WithLabelValues(string(rec.Side)).Observe(time.Since(start).Seconds())
	metrics.TradesTotal.WithLabelValues(string(rec.Side)).Inc()
	metrics.TradedShares.WithLabelValues(rec.Symbol, string(rec.Side)).Add(float64(rec.Quantity))

	slog.Info("trade executed",
		"trade_id", rec.ID,
		"account", accountID,
		"symbol", rec.Symbol,
		"side", rec.Side,
		"qty", rec.Quantity,
		"price", rec.Price.String(),
		"total", rec.Total.String(),
		"cash", resp.CashBalance.String(),
	)
	return resp, nil
}

// Reset returns the account's ledger to its starting balance and reports
// the resulting portfolio.
func (s *Service) Reset(ctx context.Context, accountID string) (model.PortfolioSummary, error) {
	acct, err := s.acquire(accountID)
	if err != nil {
		return model.PortfolioSummary{}, err
	}
	defer acct.mu.Unlock()

	if err := acct.ledger.Reset(ctx); err != nil {
		metrics.PersistenceErrors.Inc()
		return model.PortfolioSummary{}, err
	}
	slog.Info("account reset", "account", accountID)
	return acct.ledger.Aggregate(), nil
}

// Watchlist returns the account's watchlist.
func (s *Service) Watchlist(accountID string) (*watchlist.Watchlist, error) {
	acct, err := s.lookup(accountID)
	if err != nil {
		return nil, err
	}
	return acct.watchlist, nil
}

// Watch adds symbol to the account's watchlist.
func (s *Service) Watch(ctx context.Context, accountID, symbol string) (model.WatchlistItem, error) {
	acct, err := s.acquire(accountID)
	if err != nil {
		return model.WatchlistItem{}, err
	}
	defer acct.mu.Unlock()
	return acct.watchlist.Add(ctx, symbol, s.market)
}

// Unwatch removes symbol from the account's watchlist.
func (s *Service) Unwatch(ctx context.Context, accountID, symbol string) error {
	acct, err := s.acquire(accountID)
	if err != nil {
		return err
	}
	defer acct.mu.Unlock()
	return acct.watchlist.Remove(ctx, symbol)
}

// RevalueAll marks every ledger and watchlist to the simulator's current
// prices. Failures are logged per account and the pass continues.
func (s *Service) RevalueAll(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.RevaluationDuration.Observe(time.Since(start).Seconds()) }()

	s.mu.RLock()
	accts := make([]*account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accts = append(accts, a)
	}
	s.mu.RUnlock()

	for _, acct := range accts {
		acct.mu.Lock()
		if acct.closed {
			acct.mu.Unlock()
			continue
		}
		if err := acct.ledger.RevaluePositions(ctx, s.market); err != nil {
			metrics.PersistenceErrors.Inc()
			slog.Error("revalue ledger failed", "account", acct.info.ID, "err", err)
		}
		if err := acct.watchlist.Revalue(ctx, s.market); err != nil {
			metrics.PersistenceErrors.Inc()
			slog.Error("revalue watchlist failed", "account", acct.info.ID, "err", err)
		}
		acct.mu.Unlock()
	}
}

// RunRevaluation steps the market every interval, broadcasts the new
// quotes and revalues all accounts, until ctx is cancelled.
func (s *Service) RunRevaluation(ctx context.Context, interval time.Duration) {
	slog.Info("revaluation loop started", "interval", interval.String())
	s.market.Run(ctx, interval, func(quotes []model.Quote) {
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{Type: MsgPricesUpdated, Quotes: quotes})
		}
		s.RevalueAll(ctx)
	})
	slog.Info("revaluation loop stopped")
}

// --- internals ---

func (s *Service) lookup(accountID string) (*account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct, nil
}

// acquire looks up the account and locks it for a mutation. The caller
// unlocks acct.mu.
func (s *Service) acquire(accountID string) (*account, error) {
	acct, err := s.lookup(accountID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	if acct.closed {
		acct.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct, nil
}

func (s *Service) deleteAccountData(ctx context.Context, accountID string) {
	for _, key := range []string{ledger.Key(accountID), watchlist.Key(accountID)} {
		if err := s.store.Delete(ctx, key); err != nil {
			slog.Warn("orphaned account data", "account", accountID, "key", key, "err", err)
		}
	}
}

// pruneOrphans removes ledgers and watchlists left behind by accounts that
// are no longer registered.
func (s *Service) pruneOrphans(ctx context.Context) {
	for _, prefix := range []string{ledger.Key(""), watchlist.Key("")} {
		keys, err := s.store.Keys(ctx, prefix)
		if err != nil {
			slog.Warn("list stored keys failed", "prefix", prefix, "err", err)
			continue
		}
		for _, key := range keys {
			if _, ok := s.accounts[strings.TrimPrefix(key, prefix)]; ok {
				continue
			}
			if err := s.store.Delete(ctx, key); err != nil {
				slog.Warn("prune orphaned key failed", "key", key, "err", err)
				continue
			}
			slog.Info("pruned orphaned account data", "key", key)
		}
	}
}

func (s *Service) openAccount(ctx context.Context, info model.Account) (*account, error) {
	eng, err := ledger.Open(ctx, ledger.Options{
		AccountID:       info.ID,
		StartingBalance: s.starting,
		Prices:          s.market,
		Store:           s.store,
		CompanyName:     s.companyName,
		IDs:             s.ids,
	})
	if err != nil {
		return nil, err
	}
	wl, err := watchlist.Open(ctx, info.ID, s.store)
	if err != nil {
		return nil, err
	}
	eng.Subscribe(s.broadcastLedgerEvent)
	return &account{info: info, ledger: eng, watchlist: wl}, nil
}

func (s *Service) broadcastLedgerEvent(ev ledger.Event) {
	if s.wsHub == nil {
		return
	}
	summary := ev.Summary
	msg := WSMessage{AccountID: ev.AccountID, Portfolio: &summary}
	switch ev.Kind {
	case ledger.EventTrade:
		msg.Type = MsgTradeExecuted
		msg.Trade = ev.Trade
	case ledger.EventReset:
		msg.Type = MsgAccountReset
	default:
		return // revaluations are covered by prices_updated
	}
	s.wsHub.Broadcast(msg)
}

func (s *Service) companyName(symbol string) string {
	q, ok := s.market.Quote(symbol)
	if !ok {
		return ""
	}
	return q.CompanyName
}

func (s *Service) loadRegistry(ctx context.Context) ([]model.Account, error) {
	data, err := s.store.Load(ctx, registryKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account registry: %w", err)
	}
	var infos []model.Account
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("decode account registry: %w", err)
	}
	return infos, nil
}

func (s *Service) saveRegistryLocked(ctx context.Context) error {
	infos := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		infos = append(infos, a.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	data, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("encode account registry: %w", err)
	}
	if err := s.store.Save(ctx, registryKey, data); err != nil {
		metrics.PersistenceErrors.Inc()
		return fmt.Errorf("%w: save account registry: %v", ledger.ErrPersistence, err)
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ledger.ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ledger.ErrSymbolNotFound):
		return "symbol_not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrPersistence):
		return "persistence"
	default:
		return "other"
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, market.ErrInvalidSymbol),
		errors.Is(err, market.ErrInvalidRange):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ledger.ErrSymbolNotFound),
		errors.Is(err, market.ErrUnknownSymbol),
		errors.Is(err, watchlist.ErrSymbolNotFound),
		errors.Is(err, watchlist.ErrNotWatched):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ErrAccountExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrPersistence):
		writeError(w, "failed to persist ledger", http.StatusInternalServerError)
	default:
		slog.Error("unhandled service error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
