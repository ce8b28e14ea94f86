package models

import (
	"time"
)

type Position struct {
	Instrument   Instrument `json:"instrument"`
	Quantity     float64    `json:"quantity"`
	EntryPrice   float64    `json:"entry_price"`
	MarkPrice    float64    `json:"mark_price"`
	UnrealizedPL float64    `json:"unrealized_pl"`
	RealizedPL   float64    `json:"realized_pl"`
	OpenedAt     time.Time  `json:"opened_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Side reports "long" or "short" from the sign of the quantity.
func (p Position) Side() string {
	if p.Quantity < 0 {
		return "short"
	}
	return "long"
}

// MarketValue is the signed cash value of the position at its mark.
func (p Position) MarketValue() float64 {
	return p.Quantity * p.MarkPrice * p.Instrument.Multiplier()
}

type AccountSnapshot struct {
	Owner          string     `json:"owner"`
	InitialBalance float64    `json:"initial_balance"`
	Cash           float64    `json:"cash"`
	Equity         float64    `json:"equity"`
	RealizedPL     float64    `json:"realized_pl"`
	UnrealizedPL   float64    `json:"unrealized_pl"`
	Positions      []Position `json:"positions"`
	OpenOrders     []Order    `json:"open_orders"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (a AccountSnapshot) Position(symbol string) (Position, bool) {
	for _, p := range a.Positions {
		if p.Instrument.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// TotalPLPct is the change in equity relative to the initial balance.
func (a AccountSnapshot) TotalPLPct() float64 {
	if a.InitialBalance <= 0 {
		return 0
	}
	return (a.Equity - a.InitialBalance) / a.InitialBalance * 100
}

// TraderConfig describes one configured agent. It is loaded once at startup
// and never changes while the trader runs.
type TraderConfig struct {
	ID             string        `mapstructure:"id" yaml:"id" json:"id" validate:"required,excludesall=/\\ "`
	Name           string        `mapstructure:"name" yaml:"name" json:"name"`
	ScanInterval   time.Duration `mapstructure:"scan_interval" yaml:"scan_interval" json:"scan_interval" validate:"gte=1s"`
	Universe       []string      `mapstructure:"universe" yaml:"universe" json:"universe" validate:"required,min=1,dive,required"`
	InitialBalance float64       `mapstructure:"initial_balance" yaml:"initial_balance" json:"initial_balance" validate:"gt=0"`
	OptionsEnabled bool          `mapstructure:"options_enabled" yaml:"options_enabled" json:"options_enabled"`
	Model          string        `mapstructure:"model" yaml:"model,omitempty" json:"model,omitempty"`
	CredentialsRef string        `mapstructure:"credentials_ref" yaml:"credentials_ref,omitempty" json:"-"`
}

func (c TraderConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// InUniverse reports whether symbol, or the underlying of an option symbol,
// is one the trader is configured to trade.
func (c TraderConfig) InUniverse(symbol string) bool {
	inst, err := ParseInstrument(symbol)
	if err != nil {
		return false
	}
	if inst.IsOption() && !c.OptionsEnabled {
		return false
	}
	target := inst.UnderlyingSymbol()
	for _, s := range c.Universe {
		if s == target {
			return true
		}
	}
	return false
}
