package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/decision"
	"github.com/gregtusar/autotrader/pkg/id"
	"github.com/gregtusar/autotrader/pkg/journal"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/venue"
)

type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateDeciding  State = "deciding"
	StateExecuting State = "executing"
	StateError     State = "error"
)

// Market is the read side of the instrument simulator a trader observes.
type Market interface {
	Now() time.Time
	Quote(symbol string) (models.Quote, error)
	GetOHLC(symbol string, interval time.Duration, limit int) ([]models.Quote, error)
	GetOptionChain(symbol string) ([]models.OptionContract, error)
}

// Broker is the part of the execution venue a trader drives.
type Broker interface {
	OpenAccount(owner string, initialCash float64) error
	RestoreAccount(owner string, initialCash float64, fills []models.Fill) error
	PlaceOrder(req models.OrderRequest) (models.Order, error)
	CheckPending(owner string) ([]models.Fill, error)
	Account(owner string) (models.AccountSnapshot, error)
	Fills(owner string) []models.Fill
}

type Decider interface {
	Decide(ctx context.Context, snap decision.Snapshot) decision.Result
}

// Deps are the shared components every runtime is wired to.
type Deps struct {
	Market  Market
	Venue   Broker
	Decider Decider
	Journal journal.Journal
	IDs     *id.Generator
	Logger  *logrus.Logger
}

// Status is a point-in-time view of a runtime.
type Status struct {
	TraderID       string                  `json:"trader_id"`
	Name           string                  `json:"name"`
	State          State                   `json:"state"`
	Running        bool                    `json:"running"`
	Cycles         int64                   `json:"cycles"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	Account        *models.AccountSnapshot `json:"account,omitempty"`
	LastDecision   *models.Decision        `json:"last_decision,omitempty"`
	LastDecisionAt *time.Time              `json:"last_decision_at,omitempty"`
	LastError      string                  `json:"last_error,omitempty"`
}

// Runtime runs the scan, decide and execute loop of one trader. Cycles are
// strictly sequential; the account is only ever changed from here.
type Runtime struct {
	cfg     models.TraderConfig
	market  Market
	venue   Broker
	decider Decider
	journal journal.Journal
	ids     *id.Generator
	logger  *logrus.Entry

	cycleMu sync.Mutex

	mu           sync.RWMutex
	state        State
	running      bool
	cycles       int64
	startedAt    time.Time
	lastDecision *models.Decision
	lastError    string
	stopCh       chan struct{}
	done         chan struct{}
}

func NewRuntime(cfg models.TraderConfig, deps Deps) *Runtime {
	ids := deps.IDs
	if ids == nil {
		ids = id.NewGenerator(0)
	}
	return &Runtime{
		cfg:     cfg,
		market:  deps.Market,
		venue:   deps.Venue,
		decider: deps.Decider,
		journal: deps.Journal,
		ids:     ids,
		logger:  deps.Logger.WithField("trader_id", cfg.ID),
		state:   StateIdle,
	}
}

func (r *Runtime) ID() string {
	return r.cfg.ID
}

func (r *Runtime) Config() models.TraderConfig {
	return r.cfg
}

// Start opens the trader's venue account, runs a first cycle at once and
// then one per scan interval until Stop or ctx ends. When the journal
// already holds decisions for this trader the account is restored from
// their fills and cycle numbering continues. An account already open at the
// venue is reused.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cfg.ScanInterval <= 0 {
		return fmt.Errorf("%w: trader %s has no scan interval", models.ErrConfiguration, r.cfg.ID)
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("trader %s already running", r.cfg.ID)
	}
	r.running = true
	r.mu.Unlock()

	if err := r.openAccount(); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.startedAt = r.market.Now()
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	stopCh, done := r.stopCh, r.done
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"name":          r.cfg.DisplayName(),
		"scan_interval": r.cfg.ScanInterval.String(),
		"universe":      r.cfg.Universe,
	}).Info("Starting trader")

	go r.loop(ctx, stopCh, done)
	return nil
}

func (r *Runtime) openAccount() error {
	var records []models.Decision
	if r.journal != nil {
		var err error
		if records, err = r.journal.All(r.cfg.ID); err != nil {
			return fmt.Errorf("failed to read journal for %s: %w", r.cfg.ID, err)
		}
	}

	var err error
	if len(records) == 0 {
		err = r.venue.OpenAccount(r.cfg.ID, r.cfg.InitialBalance)
	} else {
		replayed, replayErr := journal.Replay(records, r.cfg.InitialBalance)
		if replayErr != nil {
			return fmt.Errorf("failed to replay journal for %s: %w", r.cfg.ID, replayErr)
		}
		err = r.venue.RestoreAccount(r.cfg.ID, r.cfg.InitialBalance, replayed.Fills)
		if err == nil {
			r.logger.WithFields(logrus.Fields{
				"decisions": replayed.Decisions,
				"fills":     len(replayed.Fills),
				"cash":      replayed.Ledger.Cash,
			}).Info("Restored account from journal")
		}
	}
	if err != nil && !errors.Is(err, venue.ErrAccountExists) {
		return fmt.Errorf("failed to open account for %s: %w", r.cfg.ID, err)
	}

	if n := len(records); n > 0 {
		r.mu.Lock()
		if last := records[n-1].Cycle; last > r.cycles {
			r.cycles = last
		}
		r.mu.Unlock()
	}
	return nil
}

func (r *Runtime) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.RunCycle(ctx)

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			select {
			case <-stopCh:
				return
			default:
			}
			r.RunCycle(ctx)
		}
	}
}

// Stop asks the loop to exit and waits for it. A cycle in flight runs to
// completion first.
func (r *Runtime) Stop() {
	r.mu.Lock()
	stopCh, done := r.stopCh, r.done
	if stopCh == nil {
		r.mu.Unlock()
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	r.mu.Unlock()

	<-done
	r.logger.Info("Stopped trader")
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Status returns the runtime state together with a fresh account snapshot.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	st := Status{
		TraderID:     r.cfg.ID,
		Name:         r.cfg.DisplayName(),
		State:        r.state,
		Running:      r.running,
		Cycles:       r.cycles,
		LastDecision: r.lastDecision,
		LastError:    r.lastError,
	}
	if !r.startedAt.IsZero() {
		started := r.startedAt
		st.StartedAt = &started
	}
	r.mu.RUnlock()

	if st.LastDecision != nil {
		at := st.LastDecision.Timestamp
		st.LastDecisionAt = &at
	}
	if acct, err := r.venue.Account(r.cfg.ID); err == nil {
		st.Account = &acct
	}
	return st
}

// RunCycle performs one scan, decide and execute pass and appends the
// resulting decision to the journal. Errors and panics inside the cycle are
// recorded as an error decision; the returned error is informational.
func (r *Runtime) RunCycle(ctx context.Context) (d models.Decision, err error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	r.mu.Lock()
	r.cycles++
	cycle := r.cycles
	startedAt := r.startedAt
	r.mu.Unlock()

	now := r.market.Now()
	d = models.Decision{
		ID:        r.ids.At(now),
		TraderID:  r.cfg.ID,
		Cycle:     cycle,
		Timestamp: now,
		Actions:   []models.Action{},
		Outcomes:  []models.ActionOutcome{},
	}
	fillsBefore := len(r.venue.Fills(r.cfg.ID))
	log := r.logger.WithField("cycle", cycle)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle %d panicked: %v", cycle, p)
		}
		if err != nil && d.Outcome != models.OutcomeFailedValidation {
			d.Outcome = models.OutcomeError
		}
		if err != nil {
			d.Error = err.Error()
		}
		if fills := r.venue.Fills(r.cfg.ID); len(fills) > fillsBefore {
			d.Fills = fills[fillsBefore:]
		}
		r.finish(d, err, log)
	}()

	r.setState(StateScanning)
	if _, err := r.venue.CheckPending(r.cfg.ID); err != nil {
		return d, fmt.Errorf("failed to sweep pending orders: %w", err)
	}
	snap, err := r.buildSnapshot(cycle, now, startedAt)
	if err != nil {
		return d, err
	}
	d.Snapshot = snap.Ref(d.ID)

	r.setState(StateDeciding)
	res := r.decider.Decide(ctx, snap)
	d.RawResponses = res.RawResponses
	d.Reasoning = res.Reasoning
	d.Attempts = res.Attempts
	d.Outcome = res.Outcome
	if res.Err != nil {
		return d, res.Err
	}
	if res.Actions != nil {
		d.Actions = res.Actions
	}

	r.setState(StateExecuting)
	d.Outcomes = r.execute(res.Outcomes, log)
	for _, o := range d.Outcomes {
		d.OrderIDs = append(d.OrderIDs, o.OrderIDs...)
	}
	return d, nil
}

func (r *Runtime) finish(d models.Decision, cycleErr error, log *logrus.Entry) {
	if err := r.journal.Append(d); err != nil {
		log.WithError(err).Error("Failed to append decision")
		if cycleErr == nil {
			cycleErr = err
		}
	}

	r.mu.Lock()
	r.lastDecision = &d
	if cycleErr != nil {
		r.state = StateError
		r.lastError = cycleErr.Error()
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()

	fields := logrus.Fields{
		"decision_id": d.ID,
		"outcome":     d.Outcome,
		"actions":     len(d.Actions),
		"fills":       len(d.Fills),
	}
	if cycleErr != nil {
		log.WithFields(fields).WithError(cycleErr).Error("Cycle failed")
	} else {
		log.WithFields(fields).Info("Cycle complete")
	}
	r.setState(StateIdle)
}
