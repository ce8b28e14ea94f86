package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gregtusar/autotrader/pkg/models"
)

// SQLite stores decisions in a single table with the full record as a JSON
// payload. Writes go through one connection so appends are serialized.
type SQLite struct {
	db *sqlx.DB
}

type decisionRow struct {
	ID        string `db:"id"`
	TraderID  string `db:"trader_id"`
	Cycle     int64  `db:"cycle"`
	Timestamp string `db:"ts"`
	Outcome   string `db:"outcome"`
	Payload   string `db:"payload"`
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create decision schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(d models.Decision) error {
	if err := checkDecision(d); err != nil {
		return err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision %s: %w", d.ID, err)
	}

	row := decisionRow{
		ID:        d.ID,
		TraderID:  d.TraderID,
		Cycle:     d.Cycle,
		Timestamp: d.Timestamp.UTC().Format(time.RFC3339Nano),
		Outcome:   string(d.Outcome),
		Payload:   string(payload),
	}
	_, err = s.db.NamedExec(`
		INSERT INTO decisions (id, trader_id, cycle, ts, outcome, payload)
		VALUES (:id, :trader_id, :cycle, :ts, :outcome, :payload)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to insert decision %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLite) Recent(traderID string, limit int) ([]models.Decision, error) {
	var rows []decisionRow
	var err error
	if limit > 0 {
		err = s.db.Select(&rows, `
			SELECT id, trader_id, cycle, ts, outcome, payload FROM (
				SELECT * FROM decisions WHERE trader_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC
		`, traderID, limit)
	} else {
		err = s.db.Select(&rows, `
			SELECT id, trader_id, cycle, ts, outcome, payload
			FROM decisions WHERE trader_id = ? ORDER BY seq ASC
		`, traderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions for %s: %w", traderID, err)
	}

	out := make([]models.Decision, 0, len(rows))
	for _, row := range rows {
		var d models.Decision
		if err := json.Unmarshal([]byte(row.Payload), &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision %s: %w", row.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLite) All(traderID string) ([]models.Decision, error) {
	return s.Recent(traderID, 0)
}

// Count returns the number of decisions stored for a trader.
func (s *SQLite) Count(traderID string) (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM decisions WHERE trader_id = ?`, traderID); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
