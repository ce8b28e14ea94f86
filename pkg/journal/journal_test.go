package journal

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/autotrader/pkg/market"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/venue"
)

var baseTime = time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC)

func decision(trader string, cycle int64, equity float64) models.Decision {
	return models.Decision{
		ID:        fmt.Sprintf("%s-%03d", trader, cycle),
		TraderID:  trader,
		Cycle:     cycle,
		Timestamp: baseTime.Add(time.Duration(cycle) * time.Minute),
		Snapshot:  models.SnapshotRef{Equity: equity},
		Outcome:   models.OutcomeOK,
		Actions:   []models.Action{{Symbol: "AAPL", Kind: models.ActionHold}},
		Outcomes: []models.ActionOutcome{{
			Action: models.Action{Symbol: "AAPL", Kind: models.ActionHold},
			Valid:  true,
			Status: models.ActionStatusRecorded,
		}},
	}
}

func openJournals(t *testing.T) map[string]Journal {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileJournal(filepath.Join(dir, "decisions"))
	require.NoError(t, err)
	db, err := NewSQLite(filepath.Join(dir, "decisions.db"))
	require.NoError(t, err)

	journals := map[string]Journal{
		"memory": NewMemory(),
		"jsonl":  file,
		"sqlite": db,
	}
	t.Cleanup(func() {
		for _, j := range journals {
			_ = j.Close()
		}
	})
	return journals
}

func TestJournalAppendAndRecent(t *testing.T) {
	for name, j := range openJournals(t) {
		j := j
		t.Run(name, func(t *testing.T) {
			for i := int64(1); i <= 5; i++ {
				require.NoError(t, j.Append(decision("alpha", i, 10000+float64(i))))
			}
			require.NoError(t, j.Append(decision("beta", 1, 5000)))

			all, err := j.All("alpha")
			require.NoError(t, err)
			require.Len(t, all, 5)
			for i, d := range all {
				assert.Equal(t, int64(i+1), d.Cycle)
			}
			assert.Equal(t, models.ActionStatusRecorded, all[0].Outcomes[0].Status)
			assert.True(t, all[0].Timestamp.Equal(baseTime.Add(time.Minute)))

			recent, err := j.Recent("alpha", 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, int64(4), recent[0].Cycle)
			assert.Equal(t, int64(5), recent[1].Cycle)

			other, err := j.All("beta")
			require.NoError(t, err)
			assert.Len(t, other, 1)

			none, err := j.All("gamma")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestJournalRejectsIncompleteDecision(t *testing.T) {
	for name, j := range openJournals(t) {
		j := j
		t.Run(name, func(t *testing.T) {
			d := decision("alpha", 1, 1)
			d.TraderID = ""
			assert.Error(t, j.Append(d))

			d = decision("alpha", 1, 1)
			d.ID = ""
			assert.Error(t, j.Append(d))
		})
	}
}

func TestJournalConcurrentAppendsKeepPerTraderOrder(t *testing.T) {
	for name, j := range openJournals(t) {
		j := j
		t.Run(name, func(t *testing.T) {
			traders := []string{"a", "b", "c", "d"}
			var wg sync.WaitGroup
			for _, trader := range traders {
				wg.Add(1)
				go func(trader string) {
					defer wg.Done()
					for i := int64(1); i <= 20; i++ {
						assert.NoError(t, j.Append(decision(trader, i, 100)))
					}
				}(trader)
			}
			wg.Wait()

			for _, trader := range traders {
				all, err := j.All(trader)
				require.NoError(t, err)
				require.Len(t, all, 20)
				for i, d := range all {
					assert.Equal(t, int64(i+1), d.Cycle)
				}
			}
		})
	}
}

func TestFileJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := NewFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(decision("alpha", 1, 100)))
	require.NoError(t, j.Append(decision("alpha", 2, 101)))
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(decision("alpha", 3, 102)), ErrClosed)

	records, err := ReadFile(filepath.Join(dir, "alpha.jsonl"))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	j, err = NewFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Append(decision("alpha", 3, 102)))
	all, err := j.All("alpha")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteCount(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "count.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Append(decision("alpha", 1, 100)))
	require.NoError(t, db.Append(decision("alpha", 2, 100)))
	assert.Error(t, db.Append(decision("alpha", 2, 100)), "duplicate id")

	n, err := db.Count("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(Config{Kind: KindMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, j)

	j, err = Open(Config{Kind: KindJSONL, Dir: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileJournal{}, j)
	require.NoError(t, j.Close())

	j, err = Open(Config{Kind: KindSQLite, Path: filepath.Join(dir, "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, j)
	require.NoError(t, j.Close())

	_, err = Open(Config{Kind: "redis"})
	assert.ErrorIs(t, err, models.ErrConfiguration)
	_, err = Open(Config{Kind: KindJSONL})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

// Fills journaled cycle by cycle rebuild the live account exactly.
func TestReplayReproducesVenueAccount(t *testing.T) {
	cfg := market.DefaultSimulatorConfig()
	cfg.InitialPrices = map[string]float64{"AAPL": 150, "MSFT": 400}
	sim, err := market.NewSimulator(cfg, []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	v := venue.New(sim, venue.Config{SlippagePct: 0.001}, logger)
	require.NoError(t, v.OpenAccount("alpha", 50000))

	j := NewMemory()
	rng := rand.New(rand.NewSource(7))
	symbols := []string{"AAPL", "MSFT"}
	seen := 0

	for cycle := int64(1); cycle <= 60; cycle++ {
		require.NoError(t, sim.Advance(sim.Now().Add(cfg.TickInterval)))

		_, err := v.CheckPending("alpha")
		require.NoError(t, err)

		req := models.OrderRequest{
			Owner:      "alpha",
			Instrument: models.Stock(symbols[rng.Intn(len(symbols))]),
			Side:       models.OrderSideBuy,
			Quantity:   float64(1 + rng.Intn(20)),
		}
		if rng.Intn(2) == 0 {
			req.Side = models.OrderSideSell
		}
		if rng.Intn(4) == 0 {
			q, err := sim.Quote(req.Instrument.Symbol)
			require.NoError(t, err)
			req.Type = models.OrderTypeLimit
			req.LimitPrice = q.Close * (1 + (rng.Float64()-0.5)*0.004)
		}
		_, _ = v.PlaceOrder(req)

		acct, err := v.Account("alpha")
		require.NoError(t, err)

		fills := v.Fills("alpha")
		d := decision("alpha", cycle, acct.Equity)
		d.Fills = fills[seen:]
		seen = len(fills)
		require.NoError(t, j.Append(d))
	}

	records, err := j.All("alpha")
	require.NoError(t, err)
	res, err := Replay(records, 50000)
	require.NoError(t, err)

	live, err := v.Account("alpha")
	require.NoError(t, err)
	require.NotEmpty(t, res.Fills)

	assert.Equal(t, 60, res.Decisions)
	assert.Len(t, res.Fills, len(v.Fills("alpha")))
	assert.InDelta(t, live.Cash, res.Ledger.Cash, 1e-6)
	assert.InDelta(t, live.RealizedPL, res.Ledger.RealizedPL, 1e-6)

	replayed := res.Ledger.Positions()
	require.Len(t, replayed, len(live.Positions))
	for i, p := range live.Positions {
		assert.Equal(t, p.Instrument.Symbol, replayed[i].Instrument.Symbol)
		assert.InDelta(t, p.Quantity, replayed[i].Quantity, 1e-9)
		assert.InDelta(t, p.EntryPrice, replayed[i].EntryPrice, 1e-9)
	}

	snap := res.Account(50000)
	assert.Equal(t, "alpha", snap.Owner)
	assert.InDelta(t, res.Ledger.Equity(), snap.Equity, 1e-9)
}

func TestReplayRejectsMixedTraders(t *testing.T) {
	_, err := Replay([]models.Decision{decision("alpha", 1, 1), decision("beta", 2, 1)}, 1000)
	assert.Error(t, err)

	_, err = Replay(nil, 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestExportFillsCSV(t *testing.T) {
	fills := []models.Fill{
		{OrderID: "o1", Owner: "alpha", Instrument: models.Stock("AAPL"), Side: models.OrderSideBuy, Quantity: 10, Price: 100.5, Time: baseTime},
		{OrderID: "o2", Owner: "alpha", Instrument: models.Stock("AAPL"), Side: models.OrderSideSell, Quantity: 4, Price: 101, Time: baseTime.Add(time.Minute)},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportFillsCSV(&buf, fills))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"order_id", "owner", "symbol", "side", "quantity", "price", "time"}, rows[0])
	assert.Equal(t, "o1", rows[1][0])
	assert.Equal(t, "AAPL", rows[1][2])
	assert.Equal(t, "sell", rows[2][3])
	assert.Empty(t, fills[0].Symbol)
}

func TestComputeStatistics(t *testing.T) {
	records := []models.Decision{
		decision("alpha", 1, 10000),
		decision("alpha", 2, 10100),
		decision("alpha", 3, 9900),
		decision("alpha", 4, 10200),
	}
	records[2].Outcome = models.OutcomeFailedValidation
	records[3].Fills = []models.Fill{{OrderID: "o1"}}

	s := ComputeStatistics("alpha", records)
	assert.Equal(t, 4, s.Cycles)
	assert.Equal(t, 3, s.Outcomes[models.OutcomeOK])
	assert.Equal(t, 1, s.Outcomes[models.OutcomeFailedValidation])
	assert.Equal(t, 4, s.Actions[models.ActionStatusRecorded])
	assert.Equal(t, 1, s.Fills)
	assert.InDelta(t, 2.0, s.ReturnPct, 1e-9)
	assert.InDelta(t, 200.0/10100*100, s.MaxDrawdownPct, 1e-9)
	require.NotNil(t, s.Sharpe)
	require.NotNil(t, s.LastDecision)
	assert.True(t, s.LastDecision.Equal(records[3].Timestamp))

	empty := ComputeStatistics("beta", nil)
	assert.Zero(t, empty.Cycles)
	assert.Nil(t, empty.Sharpe)
}

func TestSharpe(t *testing.T) {
	_, ok := Sharpe([]float64{100, 101})
	assert.False(t, ok, "one return is not enough")

	_, ok = Sharpe([]float64{100, 100, 100})
	assert.False(t, ok, "flat equity has no dispersion")

	up, ok := Sharpe([]float64{100, 101, 103, 104})
	require.True(t, ok)
	assert.Greater(t, up, 0.0)

	down, ok := Sharpe([]float64{100, 99, 97, 96})
	require.True(t, ok)
	assert.Less(t, down, 0.0)
}
