package journal

import (
	"sync"

	"github.com/gregtusar/autotrader/pkg/models"
)

// Memory keeps decisions in process. Used for tests and ephemeral runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]models.Decision
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string][]models.Decision)}
}

func (m *Memory) Append(d models.Decision) error {
	if err := checkDecision(d); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[d.TraderID] = append(m.records[d.TraderID], d)
	return nil
}

func (m *Memory) Recent(traderID string, limit int) ([]models.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := tail(m.records[traderID], limit)
	return append([]models.Decision(nil), records...), nil
}

func (m *Memory) All(traderID string) ([]models.Decision, error) {
	return m.Recent(traderID, 0)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
