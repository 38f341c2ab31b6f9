package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/model"
)

// SnapshotVersion is the persisted format version written by this package.
const SnapshotVersion = 1

// Snapshot is the persisted form of one account's ledger and trade log.
type Snapshot struct {
	Version         int                 `json:"version"`
	AccountID       string              `json:"account_id"`
	StartingBalance decimal.Decimal     `json:"starting_balance"`
	CashBalance     decimal.Decimal     `json:"cash_balance"`
	Positions       []model.Position    `json:"positions"` // sorted by symbol
	Trades          []model.TradeRecord `json:"trades"`    // chronological
	LastTradeID     string              `json:"last_trade_id,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Key is the gateway key under which an account's snapshot is stored.
func Key(accountID string) string {
	return "ledger:" + accountID
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// decodeSnapshot parses and sanity-checks a stored snapshot.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.CashBalance.IsNegative() {
		return nil, fmt.Errorf("snapshot has negative cash balance %s", s.CashBalance)
	}
	seen := make(map[string]bool, len(s.Positions))
	for i, p := range s.Positions {
		if p.Quantity <= 0 {
			return nil, fmt.Errorf("snapshot position %s has quantity %d", p.Symbol, p.Quantity)
		}
		if seen[p.Symbol] {
			return nil, fmt.Errorf("snapshot has duplicate position %s", p.Symbol)
		}
		seen[p.Symbol] = true
		if p.TotalCost.IsZero() && p.AverageCost.IsPositive() {
			s.Positions[i].TotalCost = p.AverageCost.Mul(decimal.NewFromInt(p.Quantity))
		}
	}
	return &s, nil
}

func sortedPositions(m map[string]model.Position) []model.Position {
	out := make([]model.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
