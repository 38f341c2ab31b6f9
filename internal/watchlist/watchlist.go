// Package watchlist keeps the set of symbols an account follows, each with
// the last quote it saw.
package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stocksim/ledger-engine/internal/model"
	"github.com/stocksim/ledger-engine/internal/store"
)

// DefaultName is the name given to a newly created watchlist.
const DefaultName = "Default Watchlist"

var (
	ErrSymbolNotFound = errors.New("watchlist: symbol not found")
	ErrNotWatched     = errors.New("watchlist: symbol not on watchlist")
)

// QuoteSource resolves a symbol to its current quote.
type QuoteSource interface {
	Quote(symbol string) (model.Quote, bool)
}

// Key is the gateway key of an account's watchlist.
func Key(accountID string) string {
	return "watchlist:" + accountID
}

// Watchlist is safe for concurrent use.
type Watchlist struct {
	store store.Gateway
	now   func() time.Time

	mu   sync.Mutex
	list model.Watchlist
}

// Open loads the account's watchlist, creating an empty one on first use.
func Open(ctx context.Context, accountID string, gw store.Gateway) (*Watchlist, error) {
	w := &Watchlist{store: gw, now: time.Now}

	data, err := gw.Load(ctx, Key(accountID))
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := w.now().UTC()
		w.list = model.Watchlist{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Name:      DefaultName,
			Items:     []model.WatchlistItem{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := w.save(ctx, w.list); err != nil {
			return nil, err
		}
		return w, nil
	case err != nil:
		return nil, fmt.Errorf("load watchlist %s: %w", accountID, err)
	}

	if err := json.Unmarshal(data, &w.list); err != nil {
		return nil, fmt.Errorf("decode watchlist %s: %w", accountID, err)
	}
	if w.list.Items == nil {
		w.list.Items = []model.WatchlistItem{}
	}
	return w, nil
}

// Get returns a copy of the watchlist.
func (w *Watchlist) Get() model.Watchlist {
	w.mu.Lock()
	defer w.mu.Unlock()
	return clone(w.list)
}

// Symbols returns the watched symbols in list order.
func (w *Watchlist) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.list.Items))
	for i, it := range w.list.Items {
		out[i] = it.Symbol
	}
	return out
}

// Add starts watching symbol. Adding a symbol that is already watched
// returns the existing item and writes nothing.
func (w *Watchlist) Add(ctx context.Context, symbol string, quotes QuoteSource) (model.WatchlistItem, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, it := range w.list.Items {
		if it.Symbol == sym {
			return it, nil
		}
	}

	q, ok := quotes.Quote(sym)
	if !ok {
		return model.WatchlistItem{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, sym)
	}

	now := w.now().UTC()
	item := model.WatchlistItem{
		ID:            uuid.NewString(),
		Symbol:        sym,
		CompanyName:   q.CompanyName,
		AddedAt:       now,
		CurrentPrice:  q.Price,
		PriceChange:   q.Change,
		PercentChange: q.ChangePercent,
		LastUpdated:   now,
	}

	next := clone(w.list)
	next.Items = append(next.Items, item)
	next.UpdatedAt = now
	if err := w.save(ctx, next); err != nil {
		return model.WatchlistItem{}, err
	}
	w.list = next
	return item, nil
}

// Remove stops watching symbol.
func (w *Watchlist) Remove(ctx context.Context, symbol string) error {
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	w.mu.Lock()
	defer w.mu.Unlock()

	next := clone(w.list)
	next.Items = next.Items[:0]
	for _, it := range w.list.Items {
		if it.Symbol != sym {
			next.Items = append(next.Items, it)
		}
	}
	if len(next.Items) == len(w.list.Items) {
		return fmt.Errorf("%w: %s", ErrNotWatched, sym)
	}
	next.UpdatedAt = w.now().UTC()

	if err := w.save(ctx, next); err != nil {
		return err
	}
	w.list = next
	return nil
}

// Revalue refreshes every item from quotes. Items whose quote is unknown
// or unchanged are left alone; nothing is written when no item changed.
func (w *Watchlist) Revalue(ctx context.Context, quotes QuoteSource) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	next := clone(w.list)
	changed := false
	for i, it := range next.Items {
		q, ok := quotes.Quote(it.Symbol)
		if !ok || q.Price.Equal(it.CurrentPrice) {
			continue
		}
		next.Items[i].CurrentPrice = q.Price
		next.Items[i].PriceChange = q.Change
		next.Items[i].PercentChange = q.ChangePercent
		next.Items[i].LastUpdated = now
		changed = true
	}
	if !changed {
		return nil
	}
	next.UpdatedAt = now

	if err := w.save(ctx, next); err != nil {
		return err
	}
	w.list = next
	return nil
}

func (w *Watchlist) save(ctx context.Context, l model.Watchlist) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode watchlist: %w", err)
	}
	if err := w.store.Save(ctx, Key(l.AccountID), data); err != nil {
		return fmt.Errorf("save watchlist %s: %w", l.AccountID, err)
	}
	return nil
}

func clone(l model.Watchlist) model.Watchlist {
	items := make([]model.WatchlistItem, len(l.Items))
	copy(items, l.Items)
	l.Items = items
	return l
}
