package trader

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/models"
)

const quantityEpsilon = 1e-9

// execute turns validated actions into venue orders, in the order given.
// A rejected order does not stop the remaining actions.
func (r *Runtime) execute(outcomes []models.ActionOutcome, log *logrus.Entry) []models.ActionOutcome {
	out := make([]models.ActionOutcome, len(outcomes))
	for i, o := range outcomes {
		if o.Valid && o.Action.Kind != models.ActionHold {
			o = r.executeAction(o, log)
		}
		out[i] = o
	}
	return out
}

func (r *Runtime) executeAction(o models.ActionOutcome, log *logrus.Entry) models.ActionOutcome {
	actionLog := log.WithFields(logrus.Fields{
		"symbol": o.Action.Symbol,
		"action": o.Action.Kind,
	})

	acct, err := r.venue.Account(r.cfg.ID)
	if err != nil {
		o.Status = models.ActionStatusRejected
		o.Error = err.Error()
		return o
	}
	req, ok, err := r.orderFor(o.Action, acct)
	if err != nil {
		o.Status = models.ActionStatusRejected
		o.Error = err.Error()
		actionLog.WithError(err).Warn("Action not executable")
		return o
	}
	if !ok {
		o.Status = models.ActionStatusRecorded
		actionLog.Info("Position already at target")
		return o
	}

	order, err := r.venue.PlaceOrder(req)
	if order.OrderID != "" {
		o.OrderIDs = append(o.OrderIDs, order.OrderID)
	}
	switch {
	case err != nil:
		o.Status = models.ActionStatusRejected
		o.Error = err.Error()
		if !errors.Is(err, models.ErrVenueRejection) {
			actionLog.WithError(err).Error("Order failed")
			return o
		}
	case order.Status == models.OrderStatusFilled:
		o.Status = models.ActionStatusExecuted
	default:
		o.Status = models.ActionStatusPending
	}

	actionLog.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"side":     req.Side,
		"quantity": req.Quantity,
		"status":   o.Status,
	}).Info("Executed action")
	return o
}

// orderFor maps an action onto a single order. ok is false when the action
// needs no order, as for an adjust to the size already held.
func (r *Runtime) orderFor(action models.Action, acct models.AccountSnapshot) (models.OrderRequest, bool, error) {
	inst, err := models.ParseInstrument(action.Symbol)
	if err != nil {
		return models.OrderRequest{}, false, err
	}
	req := models.OrderRequest{
		Owner:      r.cfg.ID,
		Instrument: inst,
		Type:       action.OrderType,
		LimitPrice: action.LimitPrice,
	}
	if req.Type == "" {
		req.Type = models.OrderTypeMarket
	}
	held := 0.0
	if pos, ok := acct.Position(inst.Symbol); ok {
		held = pos.Quantity
	}

	switch action.Kind {
	case models.ActionOpenLong:
		req.Side = models.OrderSideBuy
		req.Quantity = action.Quantity
	case models.ActionOpenShort:
		req.Side = models.OrderSideSell
		req.Quantity = action.Quantity
	case models.ActionClose:
		if math.Abs(held) < quantityEpsilon {
			return req, false, fmt.Errorf("no position in %s", inst.Symbol)
		}
		req.Quantity = action.Quantity
		if req.Quantity == 0 || req.Quantity > math.Abs(held) {
			req.Quantity = math.Abs(held)
		}
		req.Side = models.OrderSideSell
		if held < 0 {
			req.Side = models.OrderSideBuy
		}
	case models.ActionAdjust:
		if math.Abs(held) < quantityEpsilon {
			return req, false, fmt.Errorf("no position in %s", inst.Symbol)
		}
		target := math.Copysign(action.Quantity, held)
		diff := target - held
		if math.Abs(diff) < quantityEpsilon {
			return req, false, nil
		}
		req.Quantity = math.Abs(diff)
		req.Side = models.OrderSideBuy
		if diff < 0 {
			req.Side = models.OrderSideSell
		}
	default:
		return req, false, fmt.Errorf("action %s places no order", action.Kind)
	}
	return req, true, nil
}
