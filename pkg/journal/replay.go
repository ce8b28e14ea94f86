package journal

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/venue"
)

// ReplayResult is an account rebuilt from a decision log.
type ReplayResult struct {
	TraderID  string
	Decisions int
	Fills     []models.Fill
	Ledger    *venue.Ledger
}

func (r ReplayResult) Account(initialBalance float64) models.AccountSnapshot {
	snap := models.AccountSnapshot{
		Owner:          r.TraderID,
		InitialBalance: initialBalance,
		Cash:           r.Ledger.Cash,
		Equity:         r.Ledger.Equity(),
		RealizedPL:     r.Ledger.RealizedPL,
		UnrealizedPL:   r.Ledger.UnrealizedPL(),
		Positions:      r.Ledger.Positions(),
	}
	if n := len(r.Fills); n > 0 {
		snap.UpdatedAt = r.Fills[n-1].Time
	}
	return snap
}

// Replay reconstructs a trader's account from the fills in its decision
// records, applied in order to a fresh ledger. Cash, positions and realized
// P&L match the venue exactly. Stock positions are then marked at the closes
// of the last snapshot and options stay at their last fill price, so equity
// and unrealized P&L are estimates, not the venue's mid-price marks.
func Replay(records []models.Decision, initialBalance float64) (ReplayResult, error) {
	if initialBalance <= 0 {
		return ReplayResult{}, fmt.Errorf("%w: initial balance must be positive", models.ErrConfiguration)
	}

	res := ReplayResult{Ledger: venue.NewLedger(initialBalance)}
	for _, d := range records {
		if res.TraderID == "" {
			res.TraderID = d.TraderID
		}
		if d.TraderID != res.TraderID {
			return ReplayResult{}, fmt.Errorf("decision %s belongs to %s, not %s", d.ID, d.TraderID, res.TraderID)
		}
		res.Decisions++
		for _, f := range d.Fills {
			res.Ledger.Apply(f)
			res.Fills = append(res.Fills, f)
		}
	}

	if n := len(records); n > 0 {
		for symbol, price := range records[n-1].Snapshot.Prices {
			res.Ledger.Mark(symbol, price)
		}
	}
	return res, nil
}

// ExportFillsCSV writes fills as CSV with a header row.
func ExportFillsCSV(w io.Writer, fills []models.Fill) error {
	rows := make([]models.Fill, len(fills))
	for i, f := range fills {
		f.Symbol = f.Instrument.Symbol
		rows[i] = f
	}
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("failed to write fills csv: %w", err)
	}
	return nil
}
