package decision

import (
	"math"
	"sort"

	"github.com/gregtusar/autotrader/pkg/models"
)

// Execution order: exits free cash before entries use it.
var kindPriority = map[models.ActionKind]int{
	models.ActionClose:     0,
	models.ActionAdjust:    1,
	models.ActionOpenLong:  2,
	models.ActionOpenShort: 2,
	models.ActionHold:      3,
}

// OrderActions sorts actions into execution order, keeping the response
// order within a kind.
func OrderActions(actions []models.Action) []models.Action {
	out := append([]models.Action(nil), actions...)
	sort.SliceStable(out, func(i, j int) bool {
		return kindPriority[out[i].Kind] < kindPriority[out[j].Kind]
	})
	return out
}

// Validation failure reasons.
const (
	ReasonEmptySymbol     = "missing symbol"
	ReasonBadSymbol       = "unparseable instrument symbol"
	ReasonOutsideUniverse = "instrument outside trader universe"
	ReasonOptionsDisabled = "options trading not enabled"
	ReasonNonPositiveSize = "quantity must be positive"
	ReasonNegativeSize    = "quantity must not be negative"
	ReasonNoPosition      = "no open position to close or adjust"
	ReasonBadOrderType    = "order type must be market or limit"
	ReasonBadLimitPrice   = "limit orders need a positive limit price"
	ReasonShortOption     = "option positions cannot be opened short"
	ReasonUnknownKind     = "unknown action kind"
)

// ValidateActions checks every action against the trader's configuration
// and account, in execution order. Invalid actions are kept with their
// reason so the decision record lists them; they produce no orders.
func ValidateActions(actions []models.Action, snap Snapshot) []models.ActionOutcome {
	ordered := OrderActions(actions)
	outcomes := make([]models.ActionOutcome, 0, len(ordered))
	for _, action := range ordered {
		outcome := models.ActionOutcome{Action: action, Valid: true}
		if reason := validateAction(action, snap); reason != "" {
			outcome.Valid = false
			outcome.Reason = reason
			outcome.Status = models.ActionStatusInvalid
		} else if action.Kind == models.ActionHold {
			outcome.Status = models.ActionStatusRecorded
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func validateAction(action models.Action, snap Snapshot) string {
	if !action.Kind.Valid() {
		return ReasonUnknownKind
	}
	if action.Symbol == "" {
		return ReasonEmptySymbol
	}
	inst, err := models.ParseInstrument(action.Symbol)
	if err != nil {
		return ReasonBadSymbol
	}
	if inst.IsOption() && !snap.Config.OptionsEnabled {
		return ReasonOptionsDisabled
	}
	if !snap.Config.InUniverse(inst.Symbol) {
		return ReasonOutsideUniverse
	}
	if action.Kind == models.ActionHold {
		return ""
	}

	if math.IsNaN(action.Quantity) || math.IsInf(action.Quantity, 0) {
		return ReasonNonPositiveSize
	}
	switch action.OrderType {
	case "", models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if !(action.LimitPrice > 0) {
			return ReasonBadLimitPrice
		}
	default:
		return ReasonBadOrderType
	}

	_, holding := snap.Account.Position(inst.Symbol)
	switch action.Kind {
	case models.ActionOpenLong, models.ActionOpenShort:
		if action.Quantity <= 0 {
			return ReasonNonPositiveSize
		}
		if action.Kind == models.ActionOpenShort && inst.IsOption() {
			return ReasonShortOption
		}
	case models.ActionAdjust:
		if action.Quantity <= 0 {
			return ReasonNonPositiveSize
		}
		if !holding {
			return ReasonNoPosition
		}
	case models.ActionClose:
		if action.Quantity < 0 {
			return ReasonNegativeSize
		}
		if !holding {
			return ReasonNoPosition
		}
	}
	return ""
}
