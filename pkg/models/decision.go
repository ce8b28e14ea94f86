package models

import (
	"fmt"
	"strings"
	"time"
)

type ActionKind string

const (
	ActionOpenLong  ActionKind = "open_long"
	ActionOpenShort ActionKind = "open_short"
	ActionClose     ActionKind = "close"
	ActionHold      ActionKind = "hold"
	ActionAdjust    ActionKind = "adjust"
)

// ActionKinds lists every kind a reasoning response may use.
var ActionKinds = []ActionKind{ActionOpenLong, ActionOpenShort, ActionClose, ActionHold, ActionAdjust}

func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is one instruction parsed from a reasoning response. Quantity is
// the number of units (shares or contracts); for adjust it is the target
// absolute size of the held position, for close zero means the whole
// position.
type Action struct {
	Symbol     string     `json:"symbol" jsonschema:"required,description=Stock ticker or option contract symbol (UNDERLYING-YYYYMMDD-STRIKE-C|P)"`
	Kind       ActionKind `json:"action" jsonschema:"required,enum=open_long,enum=open_short,enum=close,enum=hold,enum=adjust"`
	Quantity   float64    `json:"quantity,omitempty" jsonschema:"description=Units to trade; target size for adjust; 0 closes the whole position"`
	OrderType  OrderType  `json:"order_type,omitempty" jsonschema:"enum=market,enum=limit"`
	LimitPrice float64    `json:"limit_price,omitempty"`
	Confidence int        `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=100"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

func (a Action) String() string {
	if a.Quantity > 0 {
		return fmt.Sprintf("%s %s %g", a.Symbol, a.Kind, a.Quantity)
	}
	return fmt.Sprintf("%s %s", a.Symbol, a.Kind)
}

type ActionStatus string

const (
	ActionStatusExecuted ActionStatus = "executed"
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusRejected ActionStatus = "rejected"
	ActionStatusInvalid  ActionStatus = "invalid"
	ActionStatusRecorded ActionStatus = "recorded"
)

// ActionOutcome is what happened to a single action during a cycle.
type ActionOutcome struct {
	Action   Action       `json:"action"`
	Valid    bool         `json:"valid"`
	Reason   string       `json:"reason,omitempty"`
	Status   ActionStatus `json:"status"`
	OrderIDs []string     `json:"order_ids,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type DecisionOutcome string

const (
	OutcomeOK               DecisionOutcome = "ok"
	OutcomeFailedValidation DecisionOutcome = "failed_validation"
	OutcomeError            DecisionOutcome = "error"
)

// SnapshotRef identifies the market/account snapshot a decision was made on.
// Digest is the SHA-256 of the serialized snapshot.
type SnapshotRef struct {
	ID        string             `json:"id"`
	Digest    string             `json:"digest"`
	Time      time.Time          `json:"time"`
	Cash      float64            `json:"cash"`
	Equity    float64            `json:"equity"`
	Positions int                `json:"positions"`
	Prices    map[string]float64 `json:"prices,omitempty"`
}

// Decision is the immutable, append-only record of one trader cycle.
type Decision struct {
	ID           string          `json:"id"`
	TraderID     string          `json:"trader_id"`
	Cycle        int64           `json:"cycle"`
	Timestamp    time.Time       `json:"timestamp"`
	Snapshot     SnapshotRef     `json:"snapshot"`
	RawResponses []string        `json:"raw_responses,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Actions      []Action        `json:"actions"`
	Outcome      DecisionOutcome `json:"outcome"`
	Outcomes     []ActionOutcome `json:"outcomes"`
	Fills        []Fill          `json:"fills,omitempty"`
	OrderIDs     []string        `json:"order_ids,omitempty"`
	Attempts     int             `json:"attempts"`
	Error        string          `json:"error,omitempty"`
}

// DecisionSummary is the short form of a past decision fed back to the
// reasoning service.
type DecisionSummary struct {
	Cycle     int64           `json:"cycle"`
	Timestamp time.Time       `json:"timestamp"`
	Outcome   DecisionOutcome `json:"outcome"`
	Equity    float64         `json:"equity"`
	Actions   []string        `json:"actions"`
}

func (d Decision) Summary() DecisionSummary {
	actions := make([]string, 0, len(d.Outcomes))
	for _, o := range d.Outcomes {
		actions = append(actions, fmt.Sprintf("%s -> %s", o.Action, o.Status))
	}
	return DecisionSummary{
		Cycle:     d.Cycle,
		Timestamp: d.Timestamp,
		Outcome:   d.Outcome,
		Equity:    d.Snapshot.Equity,
		Actions:   actions,
	}
}

func (s DecisionSummary) String() string {
	if len(s.Actions) == 0 {
		return fmt.Sprintf("#%d %s %s (no actions)", s.Cycle, s.Timestamp.Format(time.RFC3339), s.Outcome)
	}
	return fmt.Sprintf("#%d %s %s: %s", s.Cycle, s.Timestamp.Format(time.RFC3339), s.Outcome, strings.Join(s.Actions, "; "))
}
