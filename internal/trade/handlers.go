package trade

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/ledger"
	"github.com/stocksim/ledger-engine/internal/market"
	"github.com/stocksim/ledger-engine/internal/model"
)

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
}

// AccountResponse is an account with its current cash position.
type AccountResponse struct {
	model.Account
	StartingBalance decimal.Decimal `json:"starting_balance"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
}

// TradeRequest is the JSON body for POST /accounts/{accountID}/trades.
// Quantity is decimal on the wire so fractional shares can be rejected
// explicitly instead of silently truncated.
type TradeRequest struct {
	Symbol   string          `json:"symbol" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     string          `json:"side" validate:"required"`
}

// TradeResponse is returned from a successful trade.
type TradeResponse struct {
	Trade       model.TradeRecord `json:"trade"`
	CashBalance decimal.Decimal   `json:"cash_balance"`
	Position    *model.Position   `json:"position,omitempty"` // nil after selling out
}

// WatchRequest is the JSON body for POST /accounts/{accountID}/watchlist.
type WatchRequest struct {
	Symbol string `json:"symbol" validate:"required"`
}

// HistoryResponse is returned from GET /stocks/{symbol}/history.
type HistoryResponse struct {
	Symbol string      `json:"symbol"`
	Range  string      `json:"range"`
	Bars   []model.Bar `json:"bars"`
}

// Routes mounts every API route on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/stocks", func(r chi.Router) {
		r.Get("/", s.ListStocks)
		r.Get("/search", s.SearchStocks)
		r.Get("/ranges", s.ListRanges)
		r.Get("/{symbol}", s.GetStock)
		r.Get("/{symbol}/history", s.GetHistory)
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.ListAccounts)
		r.Post("/", s.HandleCreateAccount)
		r.Route("/{accountID}", func(r chi.Router) {
			r.Get("/", s.GetAccount)
			r.Delete("/", s.HandleDeleteAccount)
			r.Post("/reset", s.HandleReset)
			r.Get("/trades", s.ListTrades)
			r.Post("/trades", s.ExecuteTrade)
			r.Get("/portfolio", s.GetPortfolio)
			r.Get("/watchlist", s.GetWatchlist)
			r.Post("/watchlist", s.AddToWatchlist)
			r.Delete("/watchlist/{symbol}", s.RemoveFromWatchlist)
		})
	})

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// decodeAndValidate reads a JSON body into v and runs struct validation.
func (s *Service) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// --- Market data ---

// ListStocks handles GET /api/v1/stocks
func (s *Service) ListStocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.market.Quotes())
}

// SearchStocks handles GET /api/v1/stocks/search?q=
func (s *Service) SearchStocks(w http.ResponseWriter, r *http.Request) {
	quotes := s.market.Search(r.URL.Query().Get("q"))
	if quotes == nil {
		quotes = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// ListRanges handles GET /api/v1/stocks/ranges
func (s *Service) ListRanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, market.Ranges())
}

// GetStock handles GET /api/v1/stocks/{symbol}
func (s *Service) GetStock(w http.ResponseWriter, r *http.Request) {
	sym, err := market.ParseSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	q, ok := s.market.Quote(sym)
	if !ok {
		writeError(w, "stock not found: "+sym, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetHistory handles GET /api/v1/stocks/{symbol}/history?range=1m
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	sym, err := market.ParseSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "1m"
	}
	bars, err := s.market.History(sym, rng)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Symbol: sym, Range: rng, Bars: bars})
}

// --- Accounts ---

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Accounts())
}

// HandleCreateAccount handles POST /api/v1/accounts
func (s *Service) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	info, err := s.CreateAccount(r.Context(), req.Email, req.FirstName, req.LastName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AccountResponse{
		Account:         info,
		StartingBalance: s.starting,
		CashBalance:     s.starting,
	})
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.lookup(chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		Account:         acct.info,
		StartingBalance: acct.ledger.StartingBalance(),
		CashBalance:     acct.ledger.CashBalance(),
	})
}

// HandleDeleteAccount handles DELETE /api/v1/accounts/{accountID}
func (s *Service) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteAccount(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReset handles POST /api/v1/accounts/{accountID}/reset
func (s *Service) HandleReset(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Reset(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Trading ---

// ExecuteTrade handles POST /api/v1/accounts/{accountID}/trades
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	qty, err := ledger.ParseQuantity(req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	side := model.Side(strings.ToUpper(strings.TrimSpace(req.Side)))
	resp, err := s.Trade(r.Context(), chi.URLParam(r, "accountID"), req.Symbol, qty, side)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListTrades handles GET /api/v1/accounts/{accountID}/trades?symbol=&side=&limit=
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	eng, err := s.Ledger(chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	q := r.URL.Query()
	filter := ledger.TradeFilter{Symbol: q.Get("symbol")}
	if v := q.Get("side"); v != "" {
		filter.Side = model.Side(strings.ToUpper(v))
		if !filter.Side.Valid() {
			writeServiceError(w, ledger.ErrInvalidSide)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	writeJSON(w, http.StatusOK, eng.Trades(filter))
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	eng, err := s.Ledger(chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng.Aggregate())
}

// --- Watchlist ---

// GetWatchlist handles GET /api/v1/accounts/{accountID}/watchlist
func (s *Service) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	wl, err := s.Watchlist(chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wl.Get())
}

// AddToWatchlist handles POST /api/v1/accounts/{accountID}/watchlist
func (s *Service) AddToWatchlist(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	sym, err := market.ParseSymbol(req.Symbol)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	item, err := s.Watch(r.Context(), chi.URLParam(r, "accountID"), sym)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// RemoveFromWatchlist handles DELETE /api/v1/accounts/{accountID}/watchlist/{symbol}
func (s *Service) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	if err := s.Unwatch(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "symbol")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
