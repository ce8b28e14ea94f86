package market

import (
	"math"
	"sort"
	"time"

	"github.com/chobie/go-gaussian"

	"github.com/gregtusar/autotrader/pkg/models"
)

const (
	hoursPerYear = 24 * 365

	// Contracts closer to expiry than this are not listed in chains.
	minListingTime = 24 * time.Hour
	// Floor on time to expiry used in pricing so values stay finite.
	minPricingYears = 1.0 / hoursPerYear

	optionSpreadPct = 0.02
	minOptionPrice  = 0.01
)

var stdNormal = gaussian.NewGaussian(0, 1)

// GetOptionChain lists calls and puts on the configured strike grid for the
// upcoming weekly and monthly expirations of symbol.
func (s *Simulator) GetOptionChain(symbol string) ([]models.OptionContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, err := s.seriesLocked(symbol)
	if err != nil {
		return nil, err
	}
	last := sr.ticks[len(sr.ticks)-1]

	var chain []models.OptionContract
	for _, expiry := range s.expirations(s.now) {
		for _, strike := range strikeGrid(last.Close, s.cfg.StrikesPerSide) {
			for _, right := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
				inst := models.NewOption(sr.symbol, expiry, strike, right)
				chain = append(chain, s.priceContract(inst, last))
			}
		}
	}
	return chain, nil
}

func (s *Simulator) priceContract(inst models.Instrument, underlying models.Quote) models.OptionContract {
	spot := underlying.Close
	years := math.Max(inst.Expiration.Sub(s.now).Hours()/hoursPerYear, minPricingYears)
	price, greeks := blackScholes(spot, inst.Strike, years, s.cfg.RiskFreeRate, s.cfg.ImpliedVol, inst.OptionType)

	mark := math.Max(price, minOptionPrice)
	half := math.Max(minOptionPrice, mark*optionSpreadPct) / 2

	return models.OptionContract{
		Instrument: inst,
		Quote: models.Quote{
			Symbol:    inst.Symbol,
			Timestamp: underlying.Timestamp,
			Open:      mark,
			High:      mark,
			Low:       mark,
			Close:     mark,
			Bid:       math.Max(minOptionPrice, mark-half),
			Ask:       mark + half,
		},
		UnderlyingPrice: spot,
		ImpliedVol:      s.cfg.ImpliedVol,
		Greeks:          greeks,
		DaysToExpiry:    math.Max(0, inst.Expiration.Sub(s.now).Hours()/24),
	}
}

// blackScholes prices a European option. Time is in years.
func blackScholes(spot, strike, years, rate, vol float64, right models.OptionType) (float64, models.Greeks) {
	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + (rate+vol*vol/2)*years) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	discount := strike * math.Exp(-rate*years)
	pdf := stdNormal.Pdf(d1)

	greeks := models.Greeks{
		Gamma: pdf / (spot * vol * sqrtT),
		Vega:  spot * pdf * sqrtT / 100,
	}

	var price float64
	if right == models.OptionTypePut {
		price = discount*stdNormal.Cdf(-d2) - spot*stdNormal.Cdf(-d1)
		greeks.Delta = -stdNormal.Cdf(-d1)
		greeks.Theta = (-spot*pdf*vol/(2*sqrtT) + rate*discount*stdNormal.Cdf(-d2)) / 365
	} else {
		price = spot*stdNormal.Cdf(d1) - discount*stdNormal.Cdf(d2)
		greeks.Delta = stdNormal.Cdf(d1)
		greeks.Theta = (-spot*pdf*vol/(2*sqrtT) - rate*discount*stdNormal.Cdf(d2)) / 365
	}
	return price, greeks
}

// expirations returns the next weekly Fridays and third-Friday monthlies at
// least a day away, ascending and without duplicates.
func (s *Simulator) expirations(now time.Time) []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	add := func(t time.Time) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	earliest := now.Add(minListingTime)
	friday := expiryOn(now)
	for friday.Weekday() != time.Friday {
		friday = friday.AddDate(0, 0, 1)
	}
	for n := 0; n < s.cfg.WeeklyExpirations; friday = friday.AddDate(0, 0, 7) {
		if friday.Before(earliest) {
			continue
		}
		add(friday)
		n++
	}

	month := time.Date(now.Year(), now.Month(), 1, models.OptionExpiryHour, 0, 0, 0, time.UTC)
	for n := 0; n < s.cfg.MonthlyExpirations; month = month.AddDate(0, 1, 0) {
		third := thirdFriday(month)
		if third.Before(earliest) {
			continue
		}
		add(third)
		n++
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func expiryOn(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, models.OptionExpiryHour, 0, 0, 0, time.UTC)
}

func thirdFriday(month time.Time) time.Time {
	day := time.Date(month.Year(), month.Month(), 1, models.OptionExpiryHour, 0, 0, 0, time.UTC)
	for day.Weekday() != time.Friday {
		day = day.AddDate(0, 0, 1)
	}
	return day.AddDate(0, 0, 14)
}

var niceSteps = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100}

// strikeStep picks the largest listed increment no wider than 2.5% of spot.
func strikeStep(spot float64) float64 {
	step := niceSteps[0]
	for _, candidate := range niceSteps {
		if candidate <= spot*0.025 {
			step = candidate
		}
	}
	return step
}

func strikeGrid(spot float64, perSide int) []float64 {
	step := strikeStep(spot)
	center := math.Round(spot/step) * step

	strikes := make([]float64, 0, 2*perSide+1)
	for k := -perSide; k <= perSide; k++ {
		strike := math.Round((center+float64(k)*step)*100) / 100
		if strike > 0 {
			strikes = append(strikes, strike)
		}
	}
	return strikes
}
