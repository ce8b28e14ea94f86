package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
)

// MarketView is what a trader sees of one symbol in its universe.
type MarketView struct {
	Symbol     string                  `json:"symbol"`
	Quote      models.Quote            `json:"quote"`
	Bars       []models.Quote          `json:"bars,omitempty"`
	Indicators models.Indicators       `json:"indicators"`
	Options    []models.OptionContract `json:"options,omitempty"`
}

// Snapshot is the full input of one decision.
type Snapshot struct {
	TraderID string                   `json:"trader_id"`
	Cycle    int64                    `json:"cycle"`
	Time     time.Time                `json:"time"`
	Config   models.TraderConfig      `json:"-"`
	Account  models.AccountSnapshot   `json:"account"`
	Markets  []MarketView             `json:"markets"`
	History  []models.DecisionSummary `json:"history,omitempty"`
	Sharpe   *float64                 `json:"sharpe,omitempty"`
	Runtime  time.Duration            `json:"runtime"`
}

func (s Snapshot) Market(symbol string) (MarketView, bool) {
	for _, m := range s.Markets {
		if m.Symbol == symbol {
			return m, true
		}
	}
	return MarketView{}, false
}

// Digest is the hex SHA-256 of the serialized snapshot.
func (s Snapshot) Digest() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Ref is the compact reference stored with the decision record.
func (s Snapshot) Ref(id string) models.SnapshotRef {
	prices := make(map[string]float64, len(s.Markets))
	for _, m := range s.Markets {
		prices[m.Symbol] = m.Quote.Close
	}
	return models.SnapshotRef{
		ID:        id,
		Digest:    s.Digest(),
		Time:      s.Time,
		Cash:      s.Account.Cash,
		Equity:    s.Account.Equity,
		Positions: len(s.Account.Positions),
		Prices:    prices,
	}
}
