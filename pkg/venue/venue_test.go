package venue

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/autotrader/pkg/models"
)

type fakeMarket struct {
	mu     sync.Mutex
	now    time.Time
	quotes map[string]models.Quote
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		now:    time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC),
		quotes: map[string]models.Quote{},
	}
}

func (m *fakeMarket) set(symbol string, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mid := (bid + ask) / 2
	m.quotes[symbol] = models.Quote{Symbol: symbol, Timestamp: m.now, Open: mid, High: ask, Low: bid, Close: mid, Bid: bid, Ask: ask}
}

func (m *fakeMarket) QuoteInstrument(inst models.Instrument) (models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[inst.Symbol]
	if !ok {
		return models.Quote{}, errors.New("no quote")
	}
	return q, nil
}

func (m *fakeMarket) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func newTestVenue(t *testing.T, cfg Config) (*Venue, *fakeMarket) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	market := newFakeMarket()
	market.set("AAPL", 99.9, 100)
	v := New(market, cfg, logger)
	require.NoError(t, v.OpenAccount("alpha", 10000))
	return v, market
}

func marketOrder(symbol string, side models.OrderSide, qty float64) models.OrderRequest {
	return models.OrderRequest{
		Owner:      "alpha",
		Instrument: models.Stock(symbol),
		Side:       side,
		Type:       models.OrderTypeMarket,
		Quantity:   qty,
	}
}

func TestMarketBuyFillsAtAsk(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	order, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.Equal(t, 100.0, order.FillPrice)
	assert.Len(t, order.OrderID, 26)

	acct, err := v.Account("alpha")
	require.NoError(t, err)
	assert.InDelta(t, 9000, acct.Cash, 1e-9)
	require.Len(t, acct.Positions, 1)
	assert.Equal(t, 10.0, acct.Positions[0].Quantity)
	assert.Equal(t, 100.0, acct.Positions[0].EntryPrice)
	assert.Len(t, v.Fills("alpha"), 1)
}

func TestSlippageWorsensPrice(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{SlippagePct: 0.01})
	buy, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 1))
	require.NoError(t, err)
	assert.InDelta(t, 101, buy.FillPrice, 1e-9)

	sell, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideSell, 1))
	require.NoError(t, err)
	assert.InDelta(t, 98.901, sell.FillPrice, 1e-9)
}

func TestInsufficientCashRejectsWithoutPartialFill(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	order, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 101))
	require.ErrorIs(t, err, models.ErrVenueRejection)
	assert.Equal(t, models.OrderStatusRejected, order.Status)
	assert.Equal(t, models.ReasonInsufficientCash, order.Reason)
	require.NotNil(t, order.ResolvedAt)

	acct, err := v.Account("alpha")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, acct.Cash)
	assert.Empty(t, acct.Positions)
	assert.Empty(t, v.Fills("alpha"))
}

func TestOrderValidation(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	tests := []struct {
		name   string
		req    models.OrderRequest
		reason string
	}{
		{"bad side", models.OrderRequest{Owner: "alpha", Instrument: models.Stock("AAPL"), Side: "hold", Quantity: 1}, models.ReasonInvalidSide},
		{"zero quantity", marketOrder("AAPL", models.OrderSideBuy, 0), models.ReasonInvalidQuantity},
		{"negative quantity", marketOrder("AAPL", models.OrderSideBuy, -3), models.ReasonInvalidQuantity},
		{"limit without price", models.OrderRequest{Owner: "alpha", Instrument: models.Stock("AAPL"), Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 1}, models.ReasonInvalidPrice},
		{"bad type", models.OrderRequest{Owner: "alpha", Instrument: models.Stock("AAPL"), Side: models.OrderSideBuy, Type: "stop", Quantity: 1}, models.ReasonInvalidOrderType},
		{"no quote", marketOrder("ZZZZ", models.OrderSideBuy, 1), models.ReasonNoQuote},
	}
	for _, tt := range tests {
		order, err := v.PlaceOrder(tt.req)
		require.ErrorIs(t, err, models.ErrVenueRejection, tt.name)
		assert.Equal(t, models.OrderStatusRejected, order.Status, tt.name)
		assert.Equal(t, tt.reason, order.Reason, tt.name)
	}

	_, err := v.PlaceOrder(models.OrderRequest{Owner: "ghost", Instrument: models.Stock("AAPL"), Side: models.OrderSideBuy, Quantity: 1})
	assert.ErrorIs(t, err, ErrUnknownAccount)
	assert.ErrorIs(t, err, models.ErrVenueRejection)
}

func TestOpenAccountTwice(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	assert.ErrorIs(t, v.OpenAccount("alpha", 5000), ErrAccountExists)
	assert.ErrorIs(t, v.OpenAccount("beta", 0), models.ErrConfiguration)
	assert.Equal(t, []string{"alpha"}, v.Owners())
}

func TestRestoreAccountRebuildsLedger(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	at := time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC)
	fills := []models.Fill{
		{OrderID: "o1", Owner: "beta", Instrument: models.Stock("AAPL"), Side: models.OrderSideBuy, Quantity: 10, Price: 100, Time: at},
		{OrderID: "o2", Owner: "beta", Instrument: models.Stock("AAPL"), Side: models.OrderSideSell, Quantity: 4, Price: 110, Time: at.Add(time.Minute)},
	}
	require.NoError(t, v.RestoreAccount("beta", 5000, fills))

	acct, err := v.Account("beta")
	require.NoError(t, err)
	assert.InDelta(t, 5000-1000+440, acct.Cash, 1e-9)
	assert.InDelta(t, 40, acct.RealizedPL, 1e-9)
	require.Len(t, acct.Positions, 1)
	assert.Equal(t, 6.0, acct.Positions[0].Quantity)
	assert.Len(t, v.Fills("beta"), 2)

	req := marketOrder("AAPL", models.OrderSideSell, 6)
	req.Owner = "beta"
	_, err = v.PlaceOrder(req)
	require.NoError(t, err)
	acct, err = v.Account("beta")
	require.NoError(t, err)
	assert.Empty(t, acct.Positions)
	assert.Len(t, v.Fills("beta"), 3)

	assert.ErrorIs(t, v.RestoreAccount("beta", 5000, nil), ErrAccountExists)
	assert.ErrorIs(t, v.RestoreAccount("gamma", 0, nil), models.ErrConfiguration)
	assert.Error(t, v.RestoreAccount("gamma", 5000, fills))
}

func TestCancelIsIdempotentlyRejected(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	req := marketOrder("AAPL", models.OrderSideBuy, 5)
	req.Type = models.OrderTypeLimit
	req.LimitPrice = 90

	order, err := v.PlaceOrder(req)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, order.Status)

	acct, err := v.Account("alpha")
	require.NoError(t, err)
	assert.Len(t, acct.OpenOrders, 1)

	canceled, err := v.CancelOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, canceled.Status)

	_, err = v.CancelOrder(order.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotCancelable)
	assert.ErrorIs(t, err, models.ErrVenueRejection)

	filled, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 1))
	require.NoError(t, err)
	_, err = v.CancelOrder(filled.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotCancelable)

	_, err = v.CancelOrder("missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	got, err := v.Order(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, got.Status)
}

func TestLimitOrderFillsWhenQuoteCrosses(t *testing.T) {
	t.Parallel()

	v, market := newTestVenue(t, Config{})
	req := marketOrder("AAPL", models.OrderSideBuy, 5)
	req.Type = models.OrderTypeLimit
	req.LimitPrice = 95

	order, err := v.PlaceOrder(req)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, order.Status)

	fills, err := v.CheckPending("alpha")
	require.NoError(t, err)
	assert.Empty(t, fills)

	market.set("AAPL", 93.9, 94)
	fills, err = v.CheckPending("alpha")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, order.OrderID, fills[0].OrderID)
	assert.Equal(t, 94.0, fills[0].Price)

	got, err := v.Order(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)

	fills, err = v.CheckPending("alpha")
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestSellLimitNeverFillsBelowLimit(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{SlippagePct: 0.05})
	_, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 10))
	require.NoError(t, err)

	req := marketOrder("AAPL", models.OrderSideSell, 10)
	req.Type = models.OrderTypeLimit
	req.LimitPrice = 99
	order, err := v.PlaceOrder(req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.Equal(t, 99.0, order.FillPrice)
}

func TestReducingPositionRealizesPL(t *testing.T) {
	t.Parallel()

	v, market := newTestVenue(t, Config{})
	_, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 10))
	require.NoError(t, err)

	market.set("AAPL", 110, 110.1)
	_, err = v.PlaceOrder(marketOrder("AAPL", models.OrderSideSell, 4))
	require.NoError(t, err)

	acct, err := v.Account("alpha")
	require.NoError(t, err)
	assert.InDelta(t, 40, acct.RealizedPL, 1e-9)
	require.Len(t, acct.Positions, 1)
	assert.Equal(t, 6.0, acct.Positions[0].Quantity)
	assert.Equal(t, 100.0, acct.Positions[0].EntryPrice)
	assert.InDelta(t, 6*10.05, acct.Positions[0].UnrealizedPL, 1e-9)
	assert.InDelta(t, acct.Cash+6*110.05, acct.Equity, 1e-9)

	_, err = v.PlaceOrder(marketOrder("AAPL", models.OrderSideSell, 6))
	require.NoError(t, err)
	acct, err = v.Account("alpha")
	require.NoError(t, err)
	assert.Empty(t, acct.Positions)
	assert.InDelta(t, 100, acct.RealizedPL, 1e-9)
	assert.InDelta(t, 10100, acct.Cash, 1e-9)
}

func TestShortStockAndFlip(t *testing.T) {
	t.Parallel()

	v, market := newTestVenue(t, Config{})
	_, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideSell, 5))
	require.NoError(t, err)

	acct, err := v.Account("alpha")
	require.NoError(t, err)
	require.Len(t, acct.Positions, 1)
	assert.Equal(t, -5.0, acct.Positions[0].Quantity)
	assert.Equal(t, "short", acct.Positions[0].Side())
	assert.InDelta(t, 10000+5*99.9, acct.Cash, 1e-9)

	market.set("AAPL", 89.9, 90)
	_, err = v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 8))
	require.NoError(t, err)

	acct, err = v.Account("alpha")
	require.NoError(t, err)
	require.Len(t, acct.Positions, 1)
	assert.Equal(t, 3.0, acct.Positions[0].Quantity)
	assert.Equal(t, 90.0, acct.Positions[0].EntryPrice)
	assert.InDelta(t, 5*9.9, acct.RealizedPL, 1e-9)
}

func TestShortIsCashSecured(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	order, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideSell, 200))
	require.ErrorIs(t, err, models.ErrVenueRejection)
	assert.Equal(t, models.ReasonInsufficientCash, order.Reason)
}

func TestExposureLimit(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{MaxPositionPct: 0.5})
	order, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 60))
	require.ErrorIs(t, err, models.ErrVenueRejection)
	assert.Equal(t, models.ReasonExposureLimit, order.Reason)

	_, err = v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 40))
	require.NoError(t, err)

	// Reducing is always allowed.
	_, err = v.PlaceOrder(marketOrder("AAPL", models.OrderSideSell, 20))
	require.NoError(t, err)
}

func TestOptionRules(t *testing.T) {
	t.Parallel()

	v, market := newTestVenue(t, Config{})
	call := models.NewOption("AAPL", time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC), 100, models.OptionTypeCall)
	market.set(call.Symbol, 4.9, 5)

	req := models.OrderRequest{Owner: "alpha", Instrument: call, Side: models.OrderSideSell, Type: models.OrderTypeMarket, Quantity: 1}
	order, err := v.PlaceOrder(req)
	require.ErrorIs(t, err, models.ErrVenueRejection)
	assert.Equal(t, models.ReasonUncoveredShort, order.Reason)

	req.Side = models.OrderSideBuy
	req.Quantity = 2
	order, err = v.PlaceOrder(req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	acct, err := v.Account("alpha")
	require.NoError(t, err)
	assert.InDelta(t, 9000, acct.Cash, 1e-9)

	req.Side = models.OrderSideSell
	req.Quantity = 3
	order, err = v.PlaceOrder(req)
	require.ErrorIs(t, err, models.ErrVenueRejection)
	assert.Equal(t, models.ReasonUncoveredShort, order.Reason)

	req.Quantity = 2
	_, err = v.PlaceOrder(req)
	require.NoError(t, err)

	expired := models.NewOption("AAPL", time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), 100, models.OptionTypePut)
	market.set(expired.Symbol, 1, 1.1)
	order, err = v.PlaceOrder(models.OrderRequest{Owner: "alpha", Instrument: expired, Side: models.OrderSideBuy, Quantity: 1})
	require.ErrorIs(t, err, models.ErrVenueRejection)
	assert.Equal(t, models.ReasonContractExpired, order.Reason)
}

func TestAccountSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	v, _ := newTestVenue(t, Config{})
	_, err := v.PlaceOrder(marketOrder("AAPL", models.OrderSideBuy, 10))
	require.NoError(t, err)

	acct, err := v.Account("alpha")
	require.NoError(t, err)
	acct.Positions[0].Quantity = 999

	again, err := v.Account("alpha")
	require.NoError(t, err)
	assert.Equal(t, 10.0, again.Positions[0].Quantity)
}

func TestCashNeverNegative(t *testing.T) {
	t.Parallel()

	v, market := newTestVenue(t, Config{})
	market.set("MSFT", 399.5, 400)
	rng := rand.New(rand.NewSource(1))
	symbols := []string{"AAPL", "MSFT"}
	sides := []models.OrderSide{models.OrderSideBuy, models.OrderSideSell}

	for i := 0; i < 500; i++ {
		if i%25 == 0 {
			base := 50 + rng.Float64()*100
			market.set("AAPL", base, base*1.001)
		}
		req := marketOrder(symbols[rng.Intn(2)], sides[rng.Intn(2)], float64(1+rng.Intn(40)))
		_, _ = v.PlaceOrder(req)

		acct, err := v.Account("alpha")
		require.NoError(t, err)
		require.GreaterOrEqual(t, acct.Cash, 0.0)
		for _, p := range acct.Positions {
			require.NotZero(t, p.Quantity)
		}
	}
}
