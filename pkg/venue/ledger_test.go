package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/autotrader/pkg/models"
)

func fill(symbol string, side models.OrderSide, qty, price float64) models.Fill {
	inst, _ := models.ParseInstrument(symbol)
	return models.Fill{Instrument: inst, Symbol: inst.Symbol, Side: side, Quantity: qty, Price: price, Time: time.Unix(0, 0).UTC()}
}

func TestLedgerWeightedAverageEntry(t *testing.T) {
	t.Parallel()

	l := NewLedger(10000)
	l.Apply(fill("AAPL", models.OrderSideBuy, 10, 100))
	l.Apply(fill("AAPL", models.OrderSideBuy, 10, 120))

	pos, ok := l.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 20.0, pos.Quantity)
	assert.InDelta(t, 110, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 7800, l.Cash, 1e-9)
}

func TestLedgerShortRealizedPL(t *testing.T) {
	t.Parallel()

	l := NewLedger(10000)
	l.Apply(fill("TSLA", models.OrderSideSell, 10, 200))
	realized := l.Apply(fill("TSLA", models.OrderSideBuy, 4, 150))
	assert.InDelta(t, 200, realized, 1e-9)
	assert.Equal(t, -6.0, l.Quantity("TSLA"))

	realized = l.Apply(fill("TSLA", models.OrderSideBuy, 6, 210))
	assert.InDelta(t, -60, realized, 1e-9)
	assert.InDelta(t, 140, l.RealizedPL, 1e-9)
	_, ok := l.Position("TSLA")
	assert.False(t, ok)
	assert.InDelta(t, 10140, l.Cash, 1e-9)
	assert.InDelta(t, l.Cash, l.Equity(), 1e-9)
}

func TestLedgerOptionMultiplier(t *testing.T) {
	t.Parallel()

	l := NewLedger(5000)
	symbol := "AAPL-20250117-150.00-C"
	l.Apply(fill(symbol, models.OrderSideBuy, 2, 3.5))
	assert.InDelta(t, 4300, l.Cash, 1e-9)

	l.Mark(symbol, 4)
	pos, ok := l.Position(symbol)
	require.True(t, ok)
	assert.InDelta(t, 100, pos.UnrealizedPL, 1e-9)
	assert.InDelta(t, 5100, l.Equity(), 1e-9)
	assert.InDelta(t, 100, l.UnrealizedPL(), 1e-9)
}

func TestLedgerPositionsSorted(t *testing.T) {
	t.Parallel()

	l := NewLedger(100000)
	l.Apply(fill("MSFT", models.OrderSideBuy, 1, 400))
	l.Apply(fill("AAPL", models.OrderSideBuy, 1, 100))

	positions := l.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Instrument.Symbol)
	assert.Equal(t, "MSFT", positions[1].Instrument.Symbol)
}
