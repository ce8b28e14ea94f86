package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/autotrader/pkg/decision"
	"github.com/gregtusar/autotrader/pkg/id"
	"github.com/gregtusar/autotrader/pkg/journal"
	"github.com/gregtusar/autotrader/pkg/market"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/reasoning"
	"github.com/gregtusar/autotrader/pkg/venue"
)

type scriptedReasoner struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedReasoner) Complete(ctx context.Context, req reasoning.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

type panickingDecider struct{}

func (panickingDecider) Decide(ctx context.Context, snap decision.Snapshot) decision.Result {
	panic("reasoner exploded")
}

type harness struct {
	sim     *market.Simulator
	venue   *venue.Venue
	journal *journal.Memory
	hook    *test.Hook
	runtime *Runtime
}

func newHarness(t *testing.T, decider func(*logrus.Logger) Decider) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := market.DefaultSimulatorConfig()
	cfg.InitialPrices = map[string]float64{"AAPL": 150, "MSFT": 400, "TSLA": 250}
	sim, err := market.NewSimulator(cfg, []string{"AAPL", "MSFT", "TSLA"})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, sim.Advance(sim.Now().Add(cfg.TickInterval)))
	}

	v := venue.New(sim, venue.Config{}, logger)
	j := journal.NewMemory()
	traderCfg := models.TraderConfig{
		ID:             "alpha",
		Name:           "Alpha",
		ScanInterval:   time.Hour,
		Universe:       []string{"AAPL", "MSFT", "TSLA"},
		InitialBalance: 10000,
	}
	rt := NewRuntime(traderCfg, Deps{
		Market:  sim,
		Venue:   v,
		Decider: decider(logger),
		Journal: j,
		IDs:     id.NewGenerator(1),
		Logger:  logger,
	})
	require.NoError(t, v.OpenAccount("alpha", traderCfg.InitialBalance))
	return &harness{sim: sim, venue: v, journal: j, hook: hook, runtime: rt}
}

func scripted(responses ...string) func(*logrus.Logger) Decider {
	return func(logger *logrus.Logger) Decider {
		cfg := decision.Config{MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond, Timeout: time.Second}
		return decision.NewPipeline(&scriptedReasoner{responses: responses}, cfg, logger)
	}
}

func TestCycleRecordsRejectionWithoutStoppingOtherActions(t *testing.T) {
	h := newHarness(t, scripted(`Buy AAPL, go big on MSFT, watch TSLA.
[{"symbol":"AAPL","action":"open_long","quantity":10},
 {"symbol":"MSFT","action":"open_long","quantity":1000},
 {"symbol":"TSLA","action":"hold"}]`))

	d, err := h.runtime.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeOK, d.Outcome)
	require.Len(t, d.Outcomes, 3)
	assert.Equal(t, "AAPL", d.Outcomes[0].Action.Symbol)
	assert.Equal(t, models.ActionStatusExecuted, d.Outcomes[0].Status)
	assert.Equal(t, "MSFT", d.Outcomes[1].Action.Symbol)
	assert.Equal(t, models.ActionStatusRejected, d.Outcomes[1].Status)
	assert.Contains(t, d.Outcomes[1].Error, models.ReasonInsufficientCash)
	assert.Equal(t, models.ActionStatusRecorded, d.Outcomes[2].Status)
	assert.Len(t, d.OrderIDs, 2)
	require.Len(t, d.Fills, 1)
	assert.Equal(t, "AAPL", d.Fills[0].Instrument.Symbol)
	assert.Equal(t, "Buy AAPL, go big on MSFT, watch TSLA.", d.Reasoning)

	acct, err := h.venue.Account("alpha")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acct.Cash, 0.0)
	pos, ok := acct.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Quantity)

	records, err := h.journal.All("alpha")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, d.ID, records[0].ID)
	assert.NotEmpty(t, records[0].Snapshot.Digest)
	assert.Equal(t, 10000.0, records[0].Snapshot.Cash)

	st := h.runtime.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, int64(1), st.Cycles)
	require.NotNil(t, st.LastDecision)
	assert.Equal(t, d.ID, st.LastDecision.ID)
	assert.Empty(t, st.LastError)
}

func TestAdjustAndCloseResizeHeldPosition(t *testing.T) {
	h := newHarness(t, scripted(
		`[{"symbol":"AAPL","action":"open_long","quantity":10}]`,
		`[{"symbol":"AAPL","action":"adjust","quantity":4}]`,
		`[{"symbol":"AAPL","action":"adjust","quantity":4}]`,
		`[{"symbol":"AAPL","action":"close","quantity":0}]`,
	))
	ctx := context.Background()
	quantity := func() float64 {
		acct, err := h.venue.Account("alpha")
		require.NoError(t, err)
		pos, _ := acct.Position("AAPL")
		return pos.Quantity
	}

	_, err := h.runtime.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, quantity())

	d, err := h.runtime.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, quantity())
	require.Len(t, d.Fills, 1)
	assert.Equal(t, models.OrderSideSell, d.Fills[0].Side)
	assert.Equal(t, 6.0, d.Fills[0].Quantity)

	d, err = h.runtime.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusRecorded, d.Outcomes[0].Status)
	assert.Empty(t, d.Fills)

	d, err = h.runtime.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusExecuted, d.Outcomes[0].Status)
	assert.Zero(t, quantity())

	records, err := h.journal.All("alpha")
	require.NoError(t, err)
	require.Len(t, records, 4)
	res, err := journal.Replay(records, 10000)
	require.NoError(t, err)
	acct, err := h.venue.Account("alpha")
	require.NoError(t, err)
	assert.InDelta(t, acct.Cash, res.Ledger.Cash, 1e-9)
	assert.Empty(t, res.Ledger.Positions())
}

func TestShortPositionClosesWithBuy(t *testing.T) {
	h := newHarness(t, scripted(
		`[{"symbol":"TSLA","action":"open_short","quantity":5}]`,
		`[{"symbol":"TSLA","action":"close"}]`,
	))
	ctx := context.Background()

	_, err := h.runtime.RunCycle(ctx)
	require.NoError(t, err)
	d, err := h.runtime.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, d.Fills, 1)
	assert.Equal(t, models.OrderSideBuy, d.Fills[0].Side)
	assert.Equal(t, 5.0, d.Fills[0].Quantity)
}

func TestOversizedCloseFlattensPosition(t *testing.T) {
	h := newHarness(t, scripted(
		`[{"symbol":"AAPL","action":"open_long","quantity":4}]`,
		`[{"symbol":"AAPL","action":"close","quantity":25}]`,
	))
	ctx := context.Background()

	_, err := h.runtime.RunCycle(ctx)
	require.NoError(t, err)
	d, err := h.runtime.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, d.Outcomes, 1)
	assert.True(t, d.Outcomes[0].Valid)
	assert.Equal(t, models.ActionStatusExecuted, d.Outcomes[0].Status)
	require.Len(t, d.Fills, 1)
	assert.Equal(t, models.OrderSideSell, d.Fills[0].Side)
	assert.Equal(t, 4.0, d.Fills[0].Quantity)

	acct, err := h.venue.Account("alpha")
	require.NoError(t, err)
	assert.Empty(t, acct.Positions)
}

func TestLimitOrderStaysPending(t *testing.T) {
	h := newHarness(t, scripted(`[{"symbol":"AAPL","action":"open_long","quantity":1,"order_type":"limit","limit_price":1}]`))

	d, err := h.runtime.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, d.Outcomes[0].Status)
	assert.Empty(t, d.Fills)

	acct, err := h.venue.Account("alpha")
	require.NoError(t, err)
	assert.Len(t, acct.OpenOrders, 1)
}

func TestFailedValidationRecordsEmptyDecision(t *testing.T) {
	h := newHarness(t, scripted("no idea", "still no idea"))

	d, err := h.runtime.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDecisionValidation)
	assert.Equal(t, models.OutcomeFailedValidation, d.Outcome)
	assert.Empty(t, d.Actions)
	assert.Equal(t, 2, d.Attempts)

	st := h.runtime.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.NotEmpty(t, st.LastError)

	records, err := h.journal.All("alpha")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHaltedMarketRecordsErrorDecision(t *testing.T) {
	h := newHarness(t, scripted(`[]`))
	require.Error(t, h.sim.Advance(h.sim.Now().Add(-time.Minute)))

	d, err := h.runtime.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSimulationInconsistency)
	assert.Equal(t, models.OutcomeError, d.Outcome)
	assert.NotEmpty(t, d.Error)

	records, err := h.journal.All("alpha")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPanicIsRecoveredAtCycleBoundary(t *testing.T) {
	h := newHarness(t, func(*logrus.Logger) Decider { return panickingDecider{} })

	d, err := h.runtime.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoner exploded")
	assert.Equal(t, models.OutcomeError, d.Outcome)

	st := h.runtime.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Contains(t, st.LastError, "panicked")

	// The runtime keeps working after a failed cycle.
	_, err = h.runtime.RunCycle(context.Background())
	require.Error(t, err)
	records, err := h.journal.All("alpha")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestHistoryFeedsLaterSnapshots(t *testing.T) {
	var seen []decision.Snapshot
	var mu sync.Mutex
	h := newHarness(t, func(logger *logrus.Logger) Decider {
		return deciderFunc(func(ctx context.Context, snap decision.Snapshot) decision.Result {
			mu.Lock()
			seen = append(seen, snap)
			mu.Unlock()
			return decision.Result{Outcome: models.OutcomeOK, Actions: []models.Action{}}
		})
	})

	for i := 0; i < 3; i++ {
		_, err := h.runtime.RunCycle(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, seen, 3)
	assert.Empty(t, seen[0].History)
	assert.Len(t, seen[2].History, 2)
	assert.Equal(t, int64(3), seen[2].Cycle)
	require.Len(t, seen[2].Markets, 3)
	assert.Equal(t, "AAPL", seen[2].Markets[0].Symbol)
	assert.NotEmpty(t, seen[2].Markets[0].Bars)
	assert.NotZero(t, seen[2].Markets[0].Indicators.EMA20)
	assert.Empty(t, seen[2].Markets[0].Options)
}

type deciderFunc func(ctx context.Context, snap decision.Snapshot) decision.Result

func (f deciderFunc) Decide(ctx context.Context, snap decision.Snapshot) decision.Result {
	return f(ctx, snap)
}

func TestStartRunsFirstCycleAndStopWaits(t *testing.T) {
	h := newHarness(t, scripted(`[]`))

	require.NoError(t, h.runtime.Start(context.Background()))
	assert.Error(t, h.runtime.Start(context.Background()), "already running")

	require.Eventually(t, func() bool {
		records, _ := h.journal.All("alpha")
		return len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.runtime.Status().Running)

	h.runtime.Stop()
	assert.False(t, h.runtime.Status().Running)
	h.runtime.Stop()

	var started bool
	for _, entry := range h.hook.AllEntries() {
		if entry.Message == "Starting trader" {
			started = true
			assert.Equal(t, "alpha", entry.Data["trader_id"])
		}
	}
	assert.True(t, started)
}

func TestStartRejectsMissingInterval(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rt := NewRuntime(models.TraderConfig{ID: "x", InitialBalance: 1}, Deps{Logger: logger})
	assert.ErrorIs(t, rt.Start(context.Background()), models.ErrConfiguration)
}

func startSession(t *testing.T, dir string, response string) (*venue.Venue, *journal.FileJournal) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	cfg := market.DefaultSimulatorConfig()
	cfg.InitialPrices = map[string]float64{"AAPL": 150}
	sim, err := market.NewSimulator(cfg, []string{"AAPL"})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, sim.Advance(sim.Now().Add(cfg.TickInterval)))
	}

	j, err := journal.NewFileJournal(dir)
	require.NoError(t, err)
	v := venue.New(sim, venue.Config{}, logger).WithIDGenerator(id.NewGenerator(0))
	rt := NewRuntime(models.TraderConfig{
		ID:             "alpha",
		ScanInterval:   time.Hour,
		Universe:       []string{"AAPL"},
		InitialBalance: 10000,
	}, Deps{
		Market:  sim,
		Venue:   v,
		Decider: scripted(response)(logger),
		Journal: j,
		Logger:  logger,
	})

	before, err := j.All("alpha")
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	require.Eventually(t, func() bool {
		records, _ := j.All("alpha")
		return len(records) == len(before)+1
	}, 2*time.Second, 10*time.Millisecond)
	rt.Stop()
	return v, j
}

func TestRestartRestoresAccountFromJournal(t *testing.T) {
	dir := t.TempDir()

	_, first := startSession(t, dir, `[{"symbol":"AAPL","action":"open_long","quantity":10}]`)
	require.NoError(t, first.Close())

	v, second := startSession(t, dir, `[{"symbol":"AAPL","action":"open_long","quantity":5}]`)
	defer second.Close()

	live, err := v.Account("alpha")
	require.NoError(t, err)
	require.Len(t, live.Positions, 1)
	assert.Equal(t, 15.0, live.Positions[0].Quantity)

	records, err := second.All("alpha")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Cycle)
	assert.Equal(t, int64(2), records[1].Cycle)

	replayed, err := journal.Replay(records, 10000)
	require.NoError(t, err)
	assert.InDelta(t, live.Cash, replayed.Ledger.Cash, 1e-6)
	assert.InDelta(t, live.RealizedPL, replayed.Ledger.RealizedPL, 1e-6)
	pos, ok := replayed.Ledger.Position(models.Stock("AAPL").Symbol)
	require.True(t, ok)
	assert.Equal(t, 15.0, pos.Quantity)
	assert.InDelta(t, live.Positions[0].EntryPrice, pos.EntryPrice, 1e-9)
}

func TestConcurrentStartLaunchesOneLoop(t *testing.T) {
	h := newHarness(t, scripted(`[]`))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.runtime.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	started := 0
	for err := range errs {
		if err == nil {
			started++
		}
	}
	assert.Equal(t, 1, started)

	require.Eventually(t, func() bool {
		records, _ := h.journal.All("alpha")
		return len(records) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	h.runtime.Stop()

	records, err := h.journal.All("alpha")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
