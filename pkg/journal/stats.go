package journal

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/gregtusar/autotrader/pkg/models"
)

// Statistics summarizes a trader's decision log.
type Statistics struct {
	TraderID       string                         `json:"trader_id"`
	Cycles         int                            `json:"cycles"`
	Outcomes       map[models.DecisionOutcome]int `json:"outcomes"`
	Actions        map[models.ActionStatus]int    `json:"actions"`
	Fills          int                            `json:"fills"`
	StartEquity    float64                        `json:"start_equity"`
	LastEquity     float64                        `json:"last_equity"`
	ReturnPct      float64                        `json:"return_pct"`
	MaxDrawdownPct float64                        `json:"max_drawdown_pct"`
	Sharpe         *float64                       `json:"sharpe,omitempty"`
	FirstDecision  *time.Time                     `json:"first_decision,omitempty"`
	LastDecision   *time.Time                     `json:"last_decision,omitempty"`
}

func ComputeStatistics(traderID string, records []models.Decision) Statistics {
	s := Statistics{
		TraderID: traderID,
		Cycles:   len(records),
		Outcomes: make(map[models.DecisionOutcome]int),
		Actions:  make(map[models.ActionStatus]int),
	}
	if len(records) == 0 {
		return s
	}

	equity := make([]float64, 0, len(records))
	for _, d := range records {
		s.Outcomes[d.Outcome]++
		for _, o := range d.Outcomes {
			s.Actions[o.Status]++
		}
		s.Fills += len(d.Fills)
		equity = append(equity, d.Snapshot.Equity)
	}

	first := records[0].Timestamp
	last := records[len(records)-1].Timestamp
	s.FirstDecision = &first
	s.LastDecision = &last

	s.StartEquity = equity[0]
	s.LastEquity = equity[len(equity)-1]
	if s.StartEquity > 0 {
		s.ReturnPct = (s.LastEquity - s.StartEquity) / s.StartEquity * 100
	}
	s.MaxDrawdownPct = MaxDrawdownPct(equity)
	if sharpe, ok := Sharpe(equity); ok {
		s.Sharpe = &sharpe
	}
	return s
}

// Sharpe is the mean over the standard deviation of per-cycle equity
// returns, not annualized. It needs at least two returns with nonzero
// dispersion.
func Sharpe(equity []float64) (float64, bool) {
	returns := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	if len(returns) < 2 {
		return 0, false
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	return mean / std, true
}

// MaxDrawdownPct is the largest peak-to-trough fall of equity in percent.
func MaxDrawdownPct(equity []float64) float64 {
	var peak, worst float64
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// EquitySeries extracts the pre-decision equity of each record.
func EquitySeries(records []models.Decision) []float64 {
	out := make([]float64, len(records))
	for i, d := range records {
		out[i] = d.Snapshot.Equity
	}
	return out
}
