package venue

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fatih/structs"
	"github.com/jinzhu/copier"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/id"
	"github.com/gregtusar/autotrader/pkg/models"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotCancelable = fmt.Errorf("%w: order not cancelable", models.ErrVenueRejection)
	ErrAccountExists      = errors.New("account already exists")
	ErrUnknownAccount     = fmt.Errorf("%w: %s", models.ErrVenueRejection, models.ReasonUnknownAccount)
)

// Market is the read side of the instrument simulator the venue fills
// against.
type Market interface {
	QuoteInstrument(inst models.Instrument) (models.Quote, error)
	Now() time.Time
}

type Config struct {
	SlippagePct    float64 `mapstructure:"slippage_pct" yaml:"slippage_pct" validate:"gte=0,lt=1"`
	MaxPositionPct float64 `mapstructure:"max_position_pct" yaml:"max_position_pct" validate:"gte=0"`
}

type account struct {
	owner   string
	initial float64
	ledger  *Ledger
	orders  []string
	fills   []models.Fill
}

// Venue is a simulated brokerage. All state changes go through one mutex so
// an order's checks and its fill are atomic.
type Venue struct {
	market Market
	cfg    Config
	logger *logrus.Logger
	ids    *id.Generator

	mu       sync.Mutex
	accounts map[string]*account
	orders   map[string]*models.Order
}

func New(market Market, cfg Config, logger *logrus.Logger) *Venue {
	return &Venue{
		market:   market,
		cfg:      cfg,
		logger:   logger,
		ids:      id.NewGenerator(0),
		accounts: make(map[string]*account),
		orders:   make(map[string]*models.Order),
	}
}

// WithIDGenerator replaces the order id source, for reproducible runs.
func (v *Venue) WithIDGenerator(g *id.Generator) *Venue {
	v.ids = g
	return v
}

func (v *Venue) OpenAccount(owner string, initialCash float64) error {
	if owner == "" {
		return fmt.Errorf("%w: empty account owner", models.ErrConfiguration)
	}
	if initialCash <= 0 {
		return fmt.Errorf("%w: initial cash must be positive", models.ErrConfiguration)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.accounts[owner]; exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, owner)
	}
	v.accounts[owner] = &account{
		owner:   owner,
		initial: initialCash,
		ledger:  NewLedger(initialCash),
	}
	v.logger.WithFields(logrus.Fields{
		"owner":        owner,
		"initial_cash": initialCash,
	}).Info("Opened venue account")
	return nil
}

// RestoreAccount opens an account whose ledger is rebuilt from fills booked
// in an earlier session, applied in order on top of initialCash.
func (v *Venue) RestoreAccount(owner string, initialCash float64, fills []models.Fill) error {
	if owner == "" {
		return fmt.Errorf("%w: empty account owner", models.ErrConfiguration)
	}
	if initialCash <= 0 {
		return fmt.Errorf("%w: initial cash must be positive", models.ErrConfiguration)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.accounts[owner]; exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, owner)
	}
	ledger := NewLedger(initialCash)
	for _, f := range fills {
		if f.Owner != "" && f.Owner != owner {
			return fmt.Errorf("fill for order %s belongs to %s, not %s", f.OrderID, f.Owner, owner)
		}
		ledger.Apply(f)
	}
	v.accounts[owner] = &account{
		owner:   owner,
		initial: initialCash,
		ledger:  ledger,
		fills:   append([]models.Fill(nil), fills...),
	}
	v.logger.WithFields(logrus.Fields{
		"owner":     owner,
		"fills":     len(fills),
		"cash":      ledger.Cash,
		"positions": len(ledger.positions),
	}).Info("Restored venue account")
	return nil
}

// PlaceOrder records an order and tries to fill it at once. A rejected
// order is returned together with an error wrapping models.ErrVenueRejection.
// A limit order that does not cross stays pending with a nil error.
func (v *Venue) PlaceOrder(req models.OrderRequest) (models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[req.Owner]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrUnknownAccount, req.Owner)
	}

	now := v.market.Now()
	order := &models.Order{
		OrderID:     v.ids.At(now),
		Owner:       req.Owner,
		Instrument:  req.Instrument,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		Status:      models.OrderStatusPending,
		RequestedAt: now,
	}
	if order.Type == "" {
		order.Type = models.OrderTypeMarket
	}
	v.orders[order.OrderID] = order
	acct.orders = append(acct.orders, order.OrderID)

	if reason := v.validate(acct, order, now); reason != "" {
		v.reject(order, reason, now)
		return *order, rejection(order)
	}

	v.tryFill(acct, order, now)
	if order.Status == models.OrderStatusRejected {
		return *order, rejection(order)
	}
	return *order, nil
}

func rejection(order *models.Order) error {
	return fmt.Errorf("%w: order %s %s", models.ErrVenueRejection, order.OrderID, order.Reason)
}

func (v *Venue) validate(acct *account, order *models.Order, now time.Time) string {
	switch {
	case order.Side != models.OrderSideBuy && order.Side != models.OrderSideSell:
		return models.ReasonInvalidSide
	case order.Type != models.OrderTypeMarket && order.Type != models.OrderTypeLimit:
		return models.ReasonInvalidOrderType
	case !(order.Quantity > 0) || math.IsInf(order.Quantity, 0):
		return models.ReasonInvalidQuantity
	case order.Type == models.OrderTypeLimit && !(order.LimitPrice > 0):
		return models.ReasonInvalidPrice
	}
	return v.instrumentRules(acct, order, now)
}

// instrumentRules are the checks that depend on the kind of instrument.
func (v *Venue) instrumentRules(acct *account, order *models.Order, now time.Time) string {
	if !order.Instrument.IsOption() {
		return ""
	}
	if order.Instrument.Expired(now) {
		return models.ReasonContractExpired
	}
	if order.Side == models.OrderSideSell {
		held := acct.ledger.Quantity(order.Instrument.Symbol)
		if order.Quantity > held+quantityEpsilon {
			return models.ReasonUncoveredShort
		}
	}
	return ""
}

func (v *Venue) reject(order *models.Order, reason string, now time.Time) {
	order.Status = models.OrderStatusRejected
	order.Reason = reason
	order.ResolvedAt = &now

	v.logger.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"owner":    order.Owner,
		"symbol":   order.Instrument.Symbol,
		"side":     order.Side,
		"quantity": order.Quantity,
		"reason":   reason,
	}).Warn("Order rejected")
}

// tryFill fills order if its price conditions are met and the account can
// carry the result. It never partially fills.
func (v *Venue) tryFill(acct *account, order *models.Order, now time.Time) {
	quote, err := v.market.QuoteInstrument(order.Instrument)
	if err != nil {
		v.logger.WithError(err).WithField("order_id", order.OrderID).Warn("No quote for order")
		if order.Instrument.Expired(now) {
			v.reject(order, models.ReasonContractExpired, now)
		} else {
			v.reject(order, models.ReasonNoQuote, now)
		}
		return
	}

	price, crosses := v.fillPrice(order, quote)
	if !crosses {
		return
	}

	if reason := v.accountRules(acct, order, price, now); reason != "" {
		v.reject(order, reason, now)
		return
	}

	fill := models.Fill{
		OrderID:    order.OrderID,
		Owner:      order.Owner,
		Instrument: order.Instrument,
		Symbol:     order.Instrument.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		Time:       now,
	}
	realized := acct.ledger.Apply(fill)
	acct.fills = append(acct.fills, fill)

	order.Status = models.OrderStatusFilled
	order.FillPrice = price
	order.ResolvedAt = &now

	fields := structs.Map(fill)
	fields["realized_pl"] = realized
	fields["cash"] = acct.ledger.Cash
	v.logger.WithFields(logrus.Fields(fields)).Info("Order filled")
}

// fillPrice is the execution price for order against quote and whether the
// order can execute at all. Market orders take the far side of the quote
// plus slippage; limit orders execute only when the quote crosses and never
// at a worse price than the limit.
func (v *Venue) fillPrice(order *models.Order, quote models.Quote) (float64, bool) {
	if order.Side == models.OrderSideBuy {
		price := quote.Ask * (1 + v.cfg.SlippagePct)
		if order.Type == models.OrderTypeLimit {
			if quote.Ask > order.LimitPrice {
				return 0, false
			}
			price = math.Min(price, order.LimitPrice)
		}
		return price, price > 0
	}

	price := quote.Bid * (1 - v.cfg.SlippagePct)
	if order.Type == models.OrderTypeLimit {
		if quote.Bid < order.LimitPrice {
			return 0, false
		}
		price = math.Max(price, order.LimitPrice)
	}
	return price, price > 0
}

// accountRules checks cash and exposure for a fill at price.
func (v *Venue) accountRules(acct *account, order *models.Order, price float64, now time.Time) string {
	if reason := v.instrumentRules(acct, order, now); reason != "" {
		return reason
	}

	ledger := acct.ledger
	mult := order.Instrument.Multiplier()
	notional := order.Quantity * price * mult
	held := ledger.Quantity(order.Instrument.Symbol)

	if order.Side == models.OrderSideBuy {
		if notional > ledger.Cash+quantityEpsilon {
			return models.ReasonInsufficientCash
		}
	} else {
		// Shorts are cash-secured: the part of a sell that opens or grows a
		// short must be covered by cash on hand.
		opening := order.Quantity - math.Max(held, 0)
		if opening > quantityEpsilon && opening*price*mult > ledger.Cash+quantityEpsilon {
			return models.ReasonInsufficientCash
		}
	}

	if v.cfg.MaxPositionPct > 0 {
		after := held + order.Side.Sign()*order.Quantity
		if math.Abs(after) > math.Abs(held) {
			equity := v.markLocked(acct)
			if math.Abs(after)*price*mult > v.cfg.MaxPositionPct*equity+quantityEpsilon {
				return models.ReasonExposureLimit
			}
		}
	}
	return ""
}

// markLocked refreshes every position mark from the market and returns the
// account equity. Positions without a quote keep their previous mark.
func (v *Venue) markLocked(acct *account) float64 {
	for _, pos := range acct.ledger.Positions() {
		quote, err := v.market.QuoteInstrument(pos.Instrument)
		if err != nil {
			continue
		}
		acct.ledger.Mark(pos.Instrument.Symbol, quote.Mid())
	}
	return acct.ledger.Equity()
}

func (v *Venue) CancelOrder(orderID string) (models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[orderID]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != models.OrderStatusPending {
		return *order, fmt.Errorf("%w: %s is %s", ErrOrderNotCancelable, orderID, order.Status)
	}

	now := v.market.Now()
	order.Status = models.OrderStatusCanceled
	order.ResolvedAt = &now
	v.logger.WithField("order_id", orderID).Info("Order canceled")
	return *order, nil
}

// CheckPending re-evaluates the owner's pending limit orders in placement
// order and returns the fills that resulted.
func (v *Venue) CheckPending(owner string) ([]models.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, owner)
	}

	now := v.market.Now()
	before := len(acct.fills)
	for _, orderID := range acct.orders {
		order := v.orders[orderID]
		if order.Status != models.OrderStatusPending {
			continue
		}
		v.tryFill(acct, order, now)
	}
	return append([]models.Fill(nil), acct.fills[before:]...), nil
}

// Account returns a copy of the owner's account marked to the current
// quotes.
func (v *Venue) Account(owner string) (models.AccountSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[owner]
	if !ok {
		return models.AccountSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownAccount, owner)
	}

	equity := v.markLocked(acct)
	snap := models.AccountSnapshot{
		Owner:          owner,
		InitialBalance: acct.initial,
		Cash:           acct.ledger.Cash,
		Equity:         equity,
		RealizedPL:     acct.ledger.RealizedPL,
		UnrealizedPL:   acct.ledger.UnrealizedPL(),
		Positions:      []models.Position{},
		OpenOrders:     []models.Order{},
		UpdatedAt:      v.market.Now(),
	}
	if err := copier.Copy(&snap.Positions, acct.ledger.Positions()); err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("copying positions: %w", err)
	}
	if err := copier.Copy(&snap.OpenOrders, v.ordersLocked(acct, true)); err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("copying orders: %w", err)
	}
	return snap, nil
}

func (v *Venue) ordersLocked(acct *account, pendingOnly bool) []models.Order {
	out := make([]models.Order, 0, len(acct.orders))
	for _, orderID := range acct.orders {
		order := v.orders[orderID]
		if pendingOnly && order.Status != models.OrderStatusPending {
			continue
		}
		out = append(out, *order)
	}
	return out
}

// Orders lists every order of owner in placement order.
func (v *Venue) Orders(owner string) []models.Order {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[owner]
	if !ok {
		return nil
	}
	return v.ordersLocked(acct, false)
}

func (v *Venue) Order(orderID string) (models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[orderID]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *order, nil
}

// Fills lists the owner's fills in execution order.
func (v *Venue) Fills(owner string) []models.Fill {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, ok := v.accounts[owner]
	if !ok {
		return nil
	}
	return append([]models.Fill(nil), acct.fills...)
}

// Owners lists the open accounts.
func (v *Venue) Owners() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	owners := make([]string, 0, len(v.accounts))
	for owner := range v.accounts {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}
