package market

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ClockDriver maps wall-clock time onto the simulated market clock and
// advances the simulator on a fixed poll interval. Speed scales how fast
// simulated time passes relative to wall time.
type ClockDriver struct {
	sim       *Simulator
	poll      time.Duration
	speed     float64
	wallStart time.Time
	simStart  time.Time
	logger    *logrus.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

func NewClockDriver(sim *Simulator, poll time.Duration, speed float64, logger *logrus.Logger) *ClockDriver {
	if poll <= 0 {
		poll = time.Second
	}
	if speed <= 0 {
		speed = 1
	}
	return &ClockDriver{
		sim:    sim,
		poll:   poll,
		speed:  speed,
		logger: logger,
	}
}

// SimTime is the market time corresponding to wall.
func (d *ClockDriver) SimTime(wall time.Time) time.Time {
	elapsed := time.Duration(float64(wall.Sub(d.wallStart)) * d.speed)
	return d.simStart.Add(elapsed)
}

// Tick advances the simulator to the market time for wall.
func (d *ClockDriver) Tick(wall time.Time) error {
	return d.sim.Advance(d.SimTime(wall))
}

// Start anchors the mapping at the current time and begins advancing the
// simulator in the background until ctx ends or Stop is called.
func (d *ClockDriver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.wallStart = time.Now()
	d.simStart = d.sim.Now()
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	d.running = true

	d.logger.WithFields(logrus.Fields{
		"poll":       d.poll.String(),
		"speed":      d.speed,
		"market_now": d.simStart.Format(time.RFC3339),
	}).Info("Starting market clock")

	go d.run(ctx, d.stopCh, d.done)
}

func (d *ClockDriver) run(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			if err := d.Tick(now); err != nil {
				d.logger.WithError(err).Error("Market simulator halted")
				return
			}
		}
	}
}

// Stop halts the background loop and waits for it to exit.
func (d *ClockDriver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	done := d.done
	d.mu.Unlock()

	<-done
	d.logger.Info("Stopped market clock")
}
