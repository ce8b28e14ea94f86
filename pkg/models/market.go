package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type InstrumentKind string

const (
	InstrumentStock  InstrumentKind = "stock"
	InstrumentOption InstrumentKind = "option"
)

type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// OptionExpiryHour is the UTC hour at which listed contracts expire.
const OptionExpiryHour = 20

const optionContractSize = 100

// Instrument is a tradable symbol tagged with its capability. Stocks only
// carry Symbol; options also carry the contract terms and encode them in
// Symbol as UNDERLYING-YYYYMMDD-STRIKE-C|P.
type Instrument struct {
	Kind       InstrumentKind `json:"kind"`
	Symbol     string         `json:"symbol"`
	Underlying string         `json:"underlying,omitempty"`
	Strike     float64        `json:"strike,omitempty"`
	Expiration time.Time      `json:"expiration,omitempty"`
	OptionType OptionType     `json:"option_type,omitempty"`
}

func Stock(symbol string) Instrument {
	return Instrument{Kind: InstrumentStock, Symbol: strings.ToUpper(symbol)}
}

func NewOption(underlying string, expiration time.Time, strike float64, optionType OptionType) Instrument {
	underlying = strings.ToUpper(underlying)
	y, m, d := expiration.UTC().Date()
	expiry := time.Date(y, m, d, OptionExpiryHour, 0, 0, 0, time.UTC)
	right := "C"
	if optionType == OptionTypePut {
		right = "P"
	}
	return Instrument{
		Kind:       InstrumentOption,
		Symbol:     fmt.Sprintf("%s-%s-%s-%s", underlying, expiry.Format("20060102"), strconv.FormatFloat(strike, 'f', 2, 64), right),
		Underlying: underlying,
		Strike:     strike,
		Expiration: expiry,
		OptionType: optionType,
	}
}

// ParseInstrument decodes a stock ticker or an encoded option symbol.
func ParseInstrument(symbol string) (Instrument, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Instrument{}, fmt.Errorf("empty instrument symbol")
	}

	parts := strings.Split(symbol, "-")
	if len(parts) == 1 {
		return Stock(symbol), nil
	}
	if len(parts) != 4 {
		return Instrument{}, fmt.Errorf("invalid instrument symbol %q", symbol)
	}

	expiry, err := time.Parse("20060102", parts[1])
	if err != nil {
		return Instrument{}, fmt.Errorf("invalid expiration in %q: %w", symbol, err)
	}
	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || strike <= 0 {
		return Instrument{}, fmt.Errorf("invalid strike in %q", symbol)
	}

	var optionType OptionType
	switch strings.ToUpper(parts[3]) {
	case "C":
		optionType = OptionTypeCall
	case "P":
		optionType = OptionTypePut
	default:
		return Instrument{}, fmt.Errorf("invalid option right in %q", symbol)
	}

	return NewOption(parts[0], expiry, strike, optionType), nil
}

// Multiplier converts a per-unit price into the cash value of one unit.
func (i Instrument) Multiplier() float64 {
	if i.Kind == InstrumentOption {
		return optionContractSize
	}
	return 1
}

// UnderlyingSymbol is the stock symbol an instrument trades on.
func (i Instrument) UnderlyingSymbol() string {
	if i.Kind == InstrumentOption {
		return i.Underlying
	}
	return i.Symbol
}

func (i Instrument) IsOption() bool {
	return i.Kind == InstrumentOption
}

func (i Instrument) Expired(now time.Time) bool {
	return i.Kind == InstrumentOption && !now.Before(i.Expiration)
}

// Quote is one OHLC observation with the prevailing bid/ask. Bars returned by
// the simulator use the same shape.
type Quote struct {
	Symbol    string    `json:"symbol" csv:"symbol"`
	Timestamp time.Time `json:"timestamp" csv:"timestamp"`
	Open      float64   `json:"open" csv:"open"`
	High      float64   `json:"high" csv:"high"`
	Low       float64   `json:"low" csv:"low"`
	Close     float64   `json:"close" csv:"close"`
	Volume    float64   `json:"volume" csv:"volume"`
	Bid       float64   `json:"bid" csv:"bid"`
	Ask       float64   `json:"ask" csv:"ask"`
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Validate checks the OHLC and bid/ask invariants.
func (q Quote) Validate() error {
	switch {
	case q.Low <= 0:
		return fmt.Errorf("%s: non-positive low %v", q.Symbol, q.Low)
	case q.Low > q.Open || q.Low > q.Close:
		return fmt.Errorf("%s: low %v above open/close", q.Symbol, q.Low)
	case q.High < q.Open || q.High < q.Close:
		return fmt.Errorf("%s: high %v below open/close", q.Symbol, q.High)
	case q.Bid > q.Ask:
		return fmt.Errorf("%s: bid %v above ask %v", q.Symbol, q.Bid, q.Ask)
	}
	return nil
}

type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

type OptionContract struct {
	Instrument      Instrument `json:"instrument"`
	Quote           Quote      `json:"quote"`
	UnderlyingPrice float64    `json:"underlying_price"`
	ImpliedVol      float64    `json:"implied_vol"`
	Greeks
	DaysToExpiry float64 `json:"days_to_expiry"`
}

// Indicators are technical readings over the most recent bars. Zero values
// mean there was not enough history to compute them.
type Indicators struct {
	EMA20  float64 `json:"ema20"`
	MACD   float64 `json:"macd"`
	Signal float64 `json:"macd_signal"`
	RSI7   float64 `json:"rsi7"`
	RSI14  float64 `json:"rsi14"`
}
