package market

import (
	talib "github.com/markcheno/go-talib"

	"github.com/gregtusar/autotrader/pkg/models"
)

const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// ComputeIndicators derives the technical readings from bars, oldest first.
// Readings that need more history than is available are left at zero.
func ComputeIndicators(bars []models.Quote) models.Indicators {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	var ind models.Indicators
	if len(closes) > 20 {
		ind.EMA20 = last(talib.Ema(closes, 20))
	}
	if len(closes) > 7 {
		ind.RSI7 = last(talib.Rsi(closes, 7))
	}
	if len(closes) > 14 {
		ind.RSI14 = last(talib.Rsi(closes, 14))
	}
	if len(closes) > macdSlow+macdSignal {
		macd, signal, _ := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		ind.MACD = last(macd)
		ind.Signal = last(signal)
	}
	return ind
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
