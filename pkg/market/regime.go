package market

import (
	"math"
	"math/rand"
)

type regimeKind int

const (
	regimeTrendUp regimeKind = iota
	regimeTrendDown
	regimeRange
	regimeReversal
)

func (k regimeKind) String() string {
	switch k {
	case regimeTrendUp:
		return "trend_up"
	case regimeTrendDown:
		return "trend_down"
	case regimeRange:
		return "range"
	case regimeReversal:
		return "reversal"
	}
	return "unknown"
}

// regime governs the drift of a price series for a run of ticks.
type regime struct {
	kind      regimeKind
	remaining int
	direction float64 // +1 or -1 for trend and reversal regimes
	anchor    float64 // mean-reversion target for range regimes
}

// nextRegime draws the following regime and its length. A reversal always
// runs against the direction of the regime it replaces.
func nextRegime(rng *rand.Rand, prev regime, price float64, minTicks, maxTicks int) regime {
	length := minTicks
	if maxTicks > minTicks {
		length += rng.Intn(maxTicks - minTicks + 1)
	}

	next := regime{remaining: length, anchor: price}
	switch kind := regimeKind(rng.Intn(4)); kind {
	case regimeTrendUp:
		next.kind, next.direction = regimeTrendUp, 1
	case regimeTrendDown:
		next.kind, next.direction = regimeTrendDown, -1
	case regimeRange:
		next.kind = regimeRange
	default:
		next.kind = regimeReversal
		next.direction = -prev.direction
		if next.direction == 0 {
			next.direction = -1
		}
	}
	return next
}

// drift is the expected fractional move for one tick.
func (r regime) drift(price, volatility float64) float64 {
	switch r.kind {
	case regimeTrendUp, regimeTrendDown:
		return r.direction * 0.25 * volatility
	case regimeReversal:
		return r.direction * 0.5 * volatility
	case regimeRange:
		if r.anchor <= 0 {
			return 0
		}
		pull := -0.1 * (price - r.anchor) / r.anchor
		return math.Max(-volatility, math.Min(volatility, pull))
	}
	return 0
}
