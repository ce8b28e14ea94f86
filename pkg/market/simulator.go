package market

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
)

var (
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrContractExpired = errors.New("option contract expired")
	ErrInvalidArgument = errors.New("invalid argument")
)

type SimulatorConfig struct {
	Seed           int64
	Start          time.Time
	TickInterval   time.Duration
	Volatility     float64 // per-tick standard deviation, as a fraction of price
	MaxStepPct     float64 // cap on a single tick's close-to-close move
	SpreadPct      float64
	HistoryLimit   int
	RegimeMinTicks int
	RegimeMaxTicks int
	InitialPrices  map[string]float64

	ImpliedVol         float64
	RiskFreeRate       float64
	StrikesPerSide     int
	WeeklyExpirations  int
	MonthlyExpirations int
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Seed:               42,
		Start:              time.Date(2025, 1, 6, 14, 30, 0, 0, time.UTC),
		TickInterval:       time.Minute,
		Volatility:         0.002,
		MaxStepPct:         0.01,
		SpreadPct:          0.0005,
		HistoryLimit:       5000,
		RegimeMinTicks:     30,
		RegimeMaxTicks:     240,
		ImpliedVol:         0.35,
		RiskFreeRate:       0.04,
		StrikesPerSide:     4,
		WeeklyExpirations:  2,
		MonthlyExpirations: 2,
	}
}

type series struct {
	symbol     string
	rng        *rand.Rand
	ticks      []models.Quote
	regime     regime
	baseVolume float64
}

// Simulator produces deterministic price paths for a fixed set of symbols.
// Advance is the only writer; every other method is a read.
type Simulator struct {
	cfg     SimulatorConfig
	mu      sync.RWMutex
	series  map[string]*series
	symbols []string
	now     time.Time
	tickAt  time.Time

	wall        func() time.Time
	lastAdvance time.Time
	halted      error
}

func NewSimulator(cfg SimulatorConfig, symbols []string) (*Simulator, error) {
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("%w: tick interval must be positive", ErrInvalidArgument)
	}
	if cfg.MaxStepPct <= 0 || cfg.MaxStepPct >= 1 {
		return nil, fmt.Errorf("%w: max step must be in (0, 1)", ErrInvalidArgument)
	}
	if cfg.RegimeMinTicks <= 0 || cfg.RegimeMaxTicks < cfg.RegimeMinTicks {
		return nil, fmt.Errorf("%w: invalid regime length bounds", ErrInvalidArgument)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultSimulatorConfig().HistoryLimit
	}
	if cfg.Start.IsZero() {
		cfg.Start = DefaultSimulatorConfig().Start
	}
	start := cfg.Start.UTC().Truncate(cfg.TickInterval)

	s := &Simulator{
		cfg:    cfg,
		series: make(map[string]*series),
		now:    start,
		tickAt: start,
		wall:   time.Now,
	}

	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		if _, exists := s.series[symbol]; exists {
			continue
		}
		s.series[symbol] = s.newSeries(symbol, start)
		s.symbols = append(s.symbols, symbol)
	}
	if len(s.symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols to simulate", ErrInvalidArgument)
	}
	sort.Strings(s.symbols)
	s.lastAdvance = s.wall()

	return s, nil
}

func symbolHash(symbol string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return h.Sum64()
}

func (s *Simulator) newSeries(symbol string, start time.Time) *series {
	hash := symbolHash(symbol)
	rng := rand.New(rand.NewSource(s.cfg.Seed ^ int64(hash)))

	price, ok := s.cfg.InitialPrices[symbol]
	if !ok || price <= 0 {
		price = 100 + float64(hash%50)
	}
	half := price * s.cfg.SpreadPct / 2
	baseVolume := 100000 + float64(hash%50000)

	seed := models.Quote{
		Symbol:    symbol,
		Timestamp: start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    baseVolume,
		Bid:       price - half,
		Ask:       price + half,
	}

	return &series{
		symbol:     symbol,
		rng:        rng,
		ticks:      []models.Quote{seed},
		regime:     nextRegime(rng, regime{}, price, s.cfg.RegimeMinTicks, s.cfg.RegimeMaxTicks),
		baseVolume: baseVolume,
	}
}

// step draws the next tick. The close-to-close move is clamped to the
// configured cap so no single tick can jump.
func (sr *series) step(cfg SimulatorConfig, at time.Time) models.Quote {
	prev := sr.ticks[len(sr.ticks)-1]
	if sr.regime.remaining <= 0 {
		sr.regime = nextRegime(sr.rng, sr.regime, prev.Close, cfg.RegimeMinTicks, cfg.RegimeMaxTicks)
	}
	sr.regime.remaining--

	noise := math.Max(-3, math.Min(3, sr.rng.NormFloat64())) * cfg.Volatility
	move := sr.regime.drift(prev.Close, cfg.Volatility) + noise
	move = math.Max(-cfg.MaxStepPct, math.Min(cfg.MaxStepPct, move))

	open := prev.Close
	closePrice := open * (1 + move)
	wick := cfg.Volatility / 2
	high := math.Max(open, closePrice) * (1 + sr.rng.Float64()*wick)
	low := math.Min(open, closePrice) * (1 - sr.rng.Float64()*wick)
	volume := math.Round(sr.baseVolume * (0.8 + 0.4*sr.rng.Float64()))
	half := closePrice * cfg.SpreadPct / 2

	return models.Quote{
		Symbol:    sr.symbol,
		Timestamp: at,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Bid:       closePrice - half,
		Ask:       closePrice + half,
	}
}

// Advance generates every tick due up to now. It is deterministic: the same
// seed and the same sequence of calls yield identical series.
func (s *Simulator) Advance(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return s.halted
	}
	now = now.UTC()
	if now.Before(s.now) {
		return s.haltLocked(fmt.Errorf("%w: advance to %s is before market clock %s",
			models.ErrSimulationInconsistency, now.Format(time.RFC3339), s.now.Format(time.RFC3339)))
	}

	for next := s.tickAt.Add(s.cfg.TickInterval); !next.After(now); next = next.Add(s.cfg.TickInterval) {
		for _, symbol := range s.symbols {
			sr := s.series[symbol]
			prev := sr.ticks[len(sr.ticks)-1]
			q := sr.step(s.cfg, next)
			if err := q.Validate(); err != nil {
				return s.haltLocked(fmt.Errorf("%w: %v", models.ErrSimulationInconsistency, err))
			}
			if !q.Timestamp.After(prev.Timestamp) {
				return s.haltLocked(fmt.Errorf("%w: %s tick at %s does not follow %s",
					models.ErrSimulationInconsistency, symbol, q.Timestamp, prev.Timestamp))
			}
			sr.ticks = append(sr.ticks, q)
			if len(sr.ticks) > 2*s.cfg.HistoryLimit {
				sr.ticks = append([]models.Quote(nil), sr.ticks[len(sr.ticks)-s.cfg.HistoryLimit:]...)
			}
		}
		s.tickAt = next
	}

	s.now = now
	s.lastAdvance = s.wall()
	return nil
}

func (s *Simulator) haltLocked(err error) error {
	s.halted = err
	return err
}

// Err reports the inconsistency that halted the simulator, if any.
func (s *Simulator) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

func (s *Simulator) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// LastAdvance is the wall-clock time of the last successful Advance.
func (s *Simulator) LastAdvance() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAdvance
}

func (s *Simulator) Symbols() []string {
	return append([]string(nil), s.symbols...)
}

func (s *Simulator) seriesLocked(symbol string) (*series, error) {
	if s.halted != nil {
		return nil, s.halted
	}
	sr, ok := s.series[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return sr, nil
}

// Quote returns the latest tick for a stock symbol.
func (s *Simulator) Quote(symbol string) (models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, err := s.seriesLocked(symbol)
	if err != nil {
		return models.Quote{}, err
	}
	return sr.ticks[len(sr.ticks)-1], nil
}

// QuoteInstrument prices any instrument at the current market clock: stocks
// from their latest tick, options from the pricing model.
func (s *Simulator) QuoteInstrument(inst models.Instrument) (models.Quote, error) {
	if inst.Kind != models.InstrumentOption {
		return s.Quote(inst.Symbol)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, err := s.seriesLocked(inst.Underlying)
	if err != nil {
		return models.Quote{}, err
	}
	if inst.Expired(s.now) {
		return models.Quote{}, fmt.Errorf("%w: %s", ErrContractExpired, inst.Symbol)
	}
	contract := s.priceContract(inst, sr.ticks[len(sr.ticks)-1])
	return contract.Quote, nil
}

// GetOHLC aggregates ticks into bars of the given interval and returns the
// most recent limit bars, oldest first. Fewer bars are returned when the
// history is shorter; nothing is padded.
func (s *Simulator) GetOHLC(symbol string, interval time.Duration, limit int) ([]models.Quote, error) {
	if interval <= 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: interval and limit must be positive", ErrInvalidArgument)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, err := s.seriesLocked(symbol)
	if err != nil {
		return nil, err
	}

	bars := make([]models.Quote, 0, limit)
	var bucket time.Time
	for i := len(sr.ticks) - 1; i >= 0; i-- {
		tick := sr.ticks[i]
		// A tick stamped T covers (T-tick, T]; bucket by the start of that span.
		start := tick.Timestamp.Add(-s.cfg.TickInterval).Truncate(interval)
		if len(bars) == 0 || !start.Equal(bucket) {
			if len(bars) == limit {
				break
			}
			bucket = start
			bars = append(bars, models.Quote{
				Symbol:    tick.Symbol,
				Timestamp: start.Add(interval),
				Open:      tick.Open,
				High:      tick.High,
				Low:       tick.Low,
				Close:     tick.Close,
				Volume:    tick.Volume,
				Bid:       tick.Bid,
				Ask:       tick.Ask,
			})
			continue
		}
		bar := &bars[len(bars)-1]
		bar.Open = tick.Open
		bar.High = math.Max(bar.High, tick.High)
		bar.Low = math.Min(bar.Low, tick.Low)
		bar.Volume += tick.Volume
	}

	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

var namedIntervals = map[string]time.Duration{
	"1min":  time.Minute,
	"5min":  5 * time.Minute,
	"15min": 15 * time.Minute,
	"30min": 30 * time.Minute,
	"1h":    time.Hour,
	"4h":    4 * time.Hour,
	"1day":  24 * time.Hour,
}

// ParseInterval accepts names like "1min", "5min" and "1day" as well as Go
// duration strings.
func ParseInterval(interval string) (time.Duration, error) {
	if d, ok := namedIntervals[strings.ToLower(interval)]; ok {
		return d, nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: interval %q", ErrInvalidArgument, interval)
	}
	return d, nil
}
