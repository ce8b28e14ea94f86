package venue

import (
	"math"
	"sort"

	"github.com/gregtusar/autotrader/pkg/models"
)

const quantityEpsilon = 1e-9

// Ledger is the cash and position arithmetic of a single account. It has no
// knowledge of quotes or orders; applying the same fills in the same order
// always yields the same state.
type Ledger struct {
	Cash       float64
	RealizedPL float64
	positions  map[string]*models.Position
}

func NewLedger(cash float64) *Ledger {
	return &Ledger{
		Cash:      cash,
		positions: make(map[string]*models.Position),
	}
}

// Apply books a fill and returns the P&L it realized.
func (l *Ledger) Apply(f models.Fill) float64 {
	mult := f.Instrument.Multiplier()
	signed := f.Side.Sign() * f.Quantity
	l.Cash -= signed * f.Price * mult

	symbol := f.Instrument.Symbol
	pos, ok := l.positions[symbol]
	if !ok {
		l.positions[symbol] = &models.Position{
			Instrument: f.Instrument,
			Quantity:   signed,
			EntryPrice: f.Price,
			MarkPrice:  f.Price,
			OpenedAt:   f.Time,
			UpdatedAt:  f.Time,
		}
		return 0
	}

	pos.UpdatedAt = f.Time

	if sameSign(pos.Quantity, signed) {
		held := math.Abs(pos.Quantity)
		added := math.Abs(signed)
		pos.EntryPrice = (held*pos.EntryPrice + added*f.Price) / (held + added)
		pos.Quantity += signed
		l.Mark(symbol, f.Price)
		return 0
	}

	closing := math.Min(math.Abs(signed), math.Abs(pos.Quantity))
	direction := 1.0
	if pos.Quantity < 0 {
		direction = -1
	}
	realized := closing * (f.Price - pos.EntryPrice) * direction * mult
	pos.RealizedPL += realized
	l.RealizedPL += realized

	remaining := math.Abs(signed) - closing
	pos.Quantity += signed

	switch {
	case math.Abs(pos.Quantity) < quantityEpsilon:
		delete(l.positions, symbol)
	case remaining > quantityEpsilon:
		// Flipped through zero: what is left is a new position at the fill price.
		pos.EntryPrice = f.Price
		pos.RealizedPL = 0
		pos.OpenedAt = f.Time
		l.Mark(symbol, f.Price)
	default:
		l.Mark(symbol, f.Price)
	}
	return realized
}

// Mark updates the mark price of a held position.
func (l *Ledger) Mark(symbol string, price float64) {
	if pos, ok := l.positions[symbol]; ok && price > 0 {
		pos.MarkPrice = price
		pos.UnrealizedPL = (price - pos.EntryPrice) * pos.Quantity * pos.Instrument.Multiplier()
	}
}

func (l *Ledger) Position(symbol string) (models.Position, bool) {
	pos, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Quantity is the signed held quantity of symbol, zero when flat.
func (l *Ledger) Quantity(symbol string) float64 {
	if pos, ok := l.positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// Positions returns copies of every open position ordered by symbol.
func (l *Ledger) Positions() []models.Position {
	out := make([]models.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.Symbol < out[j].Instrument.Symbol })
	return out
}

// Equity is cash plus the marked value of every position.
func (l *Ledger) Equity() float64 {
	equity := l.Cash
	for _, pos := range l.positions {
		equity += pos.MarketValue()
	}
	return equity
}

func (l *Ledger) UnrealizedPL() float64 {
	var total float64
	for _, pos := range l.positions {
		total += pos.UnrealizedPL
	}
	return total
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
