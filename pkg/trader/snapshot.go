package trader

import (
	"fmt"
	"time"

	"github.com/gregtusar/autotrader/pkg/decision"
	"github.com/gregtusar/autotrader/pkg/journal"
	"github.com/gregtusar/autotrader/pkg/market"
)

const (
	barLimit       = 100
	barInterval    = time.Minute
	historyLimit   = 5
	performanceWin = 100
)

// buildSnapshot gathers everything the decision pipeline sees this cycle.
func (r *Runtime) buildSnapshot(cycle int64, now, startedAt time.Time) (decision.Snapshot, error) {
	acct, err := r.venue.Account(r.cfg.ID)
	if err != nil {
		return decision.Snapshot{}, fmt.Errorf("failed to read account: %w", err)
	}

	snap := decision.Snapshot{
		TraderID: r.cfg.ID,
		Cycle:    cycle,
		Time:     now,
		Config:   r.cfg,
		Account:  acct,
		Markets:  make([]decision.MarketView, 0, len(r.cfg.Universe)),
	}
	if !startedAt.IsZero() {
		snap.Runtime = now.Sub(startedAt)
	}

	for _, symbol := range r.cfg.Universe {
		view, err := r.marketView(symbol)
		if err != nil {
			return decision.Snapshot{}, err
		}
		snap.Markets = append(snap.Markets, view)
	}

	recent, err := r.journal.Recent(r.cfg.ID, performanceWin)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to load decision history")
		return snap, nil
	}
	start := len(recent) - historyLimit
	if start < 0 {
		start = 0
	}
	for _, d := range recent[start:] {
		snap.History = append(snap.History, d.Summary())
	}
	if sharpe, ok := journal.Sharpe(append(journal.EquitySeries(recent), acct.Equity)); ok {
		snap.Sharpe = &sharpe
	}
	return snap, nil
}

func (r *Runtime) marketView(symbol string) (decision.MarketView, error) {
	quote, err := r.market.Quote(symbol)
	if err != nil {
		return decision.MarketView{}, fmt.Errorf("failed to quote %s: %w", symbol, err)
	}
	bars, err := r.market.GetOHLC(symbol, barInterval, barLimit)
	if err != nil {
		return decision.MarketView{}, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}

	view := decision.MarketView{
		Symbol:     symbol,
		Quote:      quote,
		Bars:       bars,
		Indicators: market.ComputeIndicators(bars),
	}
	if r.cfg.OptionsEnabled {
		chain, err := r.market.GetOptionChain(symbol)
		if err != nil {
			r.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to load option chain")
		} else {
			view.Options = chain
		}
	}
	return view, nil
}
