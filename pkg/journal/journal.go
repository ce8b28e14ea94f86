package journal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregtusar/autotrader/pkg/models"
)

// Journal is the append-only decision log. Appends for one trader keep
// their order; appends for different traders may run concurrently.
type Journal interface {
	Append(d models.Decision) error
	// Recent returns the last limit decisions of a trader, oldest first.
	// A limit of zero or less returns every decision.
	Recent(traderID string, limit int) ([]models.Decision, error)
	All(traderID string) ([]models.Decision, error)
	Close() error
}

const (
	KindJSONL  = "jsonl"
	KindSQLite = "sqlite"
	KindMemory = "memory"
)

type Config struct {
	Kind string `mapstructure:"kind" yaml:"kind" validate:"oneof=jsonl sqlite memory"`
	Dir  string `mapstructure:"dir" yaml:"dir"`
	Path string `mapstructure:"path" yaml:"path"`
}

var ErrClosed = errors.New("journal closed")

// Open builds the journal described by cfg.
func Open(cfg Config) (Journal, error) {
	switch strings.ToLower(cfg.Kind) {
	case KindJSONL, "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("%w: journal dir is required for jsonl", models.ErrConfiguration)
		}
		return NewFileJournal(cfg.Dir)
	case KindSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: journal path is required for sqlite", models.ErrConfiguration)
		}
		return NewSQLite(cfg.Path)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown journal kind %q", models.ErrConfiguration, cfg.Kind)
	}
}

func checkDecision(d models.Decision) error {
	if d.TraderID == "" {
		return fmt.Errorf("decision %s has no trader id", d.ID)
	}
	if d.ID == "" {
		return fmt.Errorf("decision for %s cycle %d has no id", d.TraderID, d.Cycle)
	}
	return nil
}

func tail(records []models.Decision, limit int) []models.Decision {
	if limit > 0 && len(records) > limit {
		return records[len(records)-limit:]
	}
	return records
}
