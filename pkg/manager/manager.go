package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/journal"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/trader"
)

var ErrTraderNotFound = errors.New("trader not found")

const defaultFreshness = 5 * time.Second

// Clock drives the simulated market.
type Clock interface {
	Start(ctx context.Context)
	Stop()
}

// MarketState reports the health of the instrument simulator.
type MarketState interface {
	Now() time.Time
	LastAdvance() time.Time
	Err() error
}

type Deps struct {
	Clock  Clock
	Market MarketState
	// Trader holds the components shared by every runtime.
	Trader trader.Deps
	// NewDecider builds a trader's decision pipeline when traders differ in
	// model or credentials. Nil uses Trader.Decider for everyone.
	NewDecider func(cfg models.TraderConfig) (trader.Decider, error)
	// Freshness is how old the last market advance may be before health
	// reports the clock as stale.
	Freshness time.Duration
	Logger    *logrus.Logger
	// Wall is the wall clock, for tests.
	Wall func() time.Time
}

// Report lists the outcome of StartAll per trader.
type Report struct {
	Started []string         `json:"started"`
	Failed  map[string]error `json:"-"`
}

func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Errors renders the failures for logging and JSON.
func (r Report) Errors() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for id, err := range r.Failed {
		out[id] = err.Error()
	}
	return out
}

type TraderStatus struct {
	trader.Status
	Error string `json:"error,omitempty"`
}

type Health struct {
	Up          bool       `json:"up"`
	SimTime     time.Time  `json:"sim_time"`
	LastAdvance *time.Time `json:"last_advance,omitempty"`
	Fresh       bool       `json:"fresh"`
	Staleness   string     `json:"staleness,omitempty"`
	Traders     int        `json:"traders"`
	Running     int        `json:"running"`
	Error       string     `json:"error,omitempty"`
}

// Manager owns the trader runtimes and the market clock. It holds no
// trading logic of its own.
type Manager struct {
	deps   Deps
	logger *logrus.Logger

	mu       sync.RWMutex
	order    []string
	runtimes map[string]*trader.Runtime
	failures map[string]error
	started  bool
}

// New builds a runtime for every trader configuration. configErrors holds
// traders whose configuration was rejected while loading; they are reported
// but never started.
func New(deps Deps, traders []models.TraderConfig, configErrors map[string]error) *Manager {
	if deps.Freshness <= 0 {
		deps.Freshness = defaultFreshness
	}
	if deps.Wall == nil {
		deps.Wall = time.Now
	}
	m := &Manager{
		deps:     deps,
		logger:   deps.Logger,
		runtimes: make(map[string]*trader.Runtime),
		failures: make(map[string]error),
	}

	for _, cfg := range traders {
		if _, dup := m.runtimes[cfg.ID]; dup {
			m.failures[cfg.ID] = fmt.Errorf("%w: duplicate trader id %s", models.ErrConfiguration, cfg.ID)
			continue
		}
		traderDeps := deps.Trader
		if deps.NewDecider != nil {
			decider, err := deps.NewDecider(cfg)
			if err != nil {
				m.order = append(m.order, cfg.ID)
				m.failures[cfg.ID] = err
				continue
			}
			traderDeps.Decider = decider
		}
		m.order = append(m.order, cfg.ID)
		m.runtimes[cfg.ID] = trader.NewRuntime(cfg, traderDeps)
	}

	ids := make([]string, 0, len(configErrors))
	for id := range configErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, known := m.failures[id]; !known {
			if _, running := m.runtimes[id]; !running {
				m.order = append(m.order, id)
			}
		}
		m.failures[id] = configErrors[id]
		delete(m.runtimes, id)
	}
	return m
}

// StartAll starts the market clock and then every trader. A trader that
// fails to start is reported and does not affect the others.
func (m *Manager) StartAll(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{Failed: make(map[string]error)}
	for id, err := range m.failures {
		report.Failed[id] = err
	}

	if m.deps.Clock != nil && !m.started {
		m.deps.Clock.Start(ctx)
	}
	m.started = true

	for _, id := range m.order {
		rt, ok := m.runtimes[id]
		if !ok {
			continue
		}
		if err := rt.Start(ctx); err != nil {
			m.failures[id] = err
			report.Failed[id] = err
			m.logger.WithError(err).WithField("trader_id", id).Error("Failed to start trader")
			continue
		}
		report.Started = append(report.Started, id)
	}

	m.logger.WithFields(logrus.Fields{
		"started": len(report.Started),
		"failed":  len(report.Failed),
	}).Info("Traders started")
	return report
}

// StopAll stops every runtime concurrently, waits for their in-flight
// cycles, then stops the clock.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range m.runtimes {
		wg.Add(1)
		go func(rt *trader.Runtime) {
			defer wg.Done()
			rt.Stop()
		}(rt)
	}
	wg.Wait()

	if m.deps.Clock != nil && m.started {
		m.deps.Clock.Stop()
	}
	m.started = false
	m.logger.Info("All traders stopped")
}

func (m *Manager) statusLocked(id string) TraderStatus {
	if rt, ok := m.runtimes[id]; ok {
		st := TraderStatus{Status: rt.Status()}
		if err := m.failures[id]; err != nil {
			st.Error = err.Error()
		}
		return st
	}
	st := TraderStatus{Status: trader.Status{TraderID: id, Name: id, State: trader.StateError}}
	if err := m.failures[id]; err != nil {
		st.Error = err.Error()
	}
	return st
}

// Status lists every configured trader in configuration order.
func (m *Manager) Status() []TraderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TraderStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.statusLocked(id))
	}
	return out
}

func (m *Manager) Trader(id string) (TraderStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.knownLocked(id) {
		return TraderStatus{}, fmt.Errorf("%w: %s", ErrTraderNotFound, id)
	}
	return m.statusLocked(id), nil
}

func (m *Manager) knownLocked(id string) bool {
	_, running := m.runtimes[id]
	_, failed := m.failures[id]
	return running || failed
}

// Decisions returns the last limit decisions of a trader, oldest first.
func (m *Manager) Decisions(id string, limit int) ([]models.Decision, error) {
	m.mu.RLock()
	known := m.knownLocked(id)
	m.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrTraderNotFound, id)
	}
	return m.deps.Trader.Journal.Recent(id, limit)
}

// Statistics summarizes a trader's whole decision log.
func (m *Manager) Statistics(id string) (journal.Statistics, error) {
	records, err := m.Decisions(id, 0)
	if err != nil {
		return journal.Statistics{}, err
	}
	return journal.ComputeStatistics(id, records), nil
}

// Health reports whether the market clock is advancing.
func (m *Manager) Health() Health {
	m.mu.RLock()
	h := Health{Traders: len(m.order)}
	for _, rt := range m.runtimes {
		if rt.Status().Running {
			h.Running++
		}
	}
	m.mu.RUnlock()

	if m.deps.Market == nil {
		return h
	}
	h.Up = true
	h.SimTime = m.deps.Market.Now()
	if err := m.deps.Market.Err(); err != nil {
		h.Up = false
		h.Error = err.Error()
	}
	if last := m.deps.Market.LastAdvance(); !last.IsZero() {
		h.LastAdvance = &last
		age := m.deps.Wall().Sub(last)
		h.Staleness = age.Round(time.Millisecond).String()
		h.Fresh = age <= m.deps.Freshness
	}
	return h
}
