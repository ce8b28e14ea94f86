package models

import "errors"

// Error taxonomy shared by every component. Callers wrap these with context
// and test with errors.Is.
var (
	// ErrConfiguration is fatal for the affected trader only.
	ErrConfiguration = errors.New("configuration error")
	// ErrSimulationInconsistency halts the instrument simulator.
	ErrSimulationInconsistency = errors.New("simulation inconsistency")
	// ErrVenueRejection marks an order or cancel the venue refused.
	ErrVenueRejection = errors.New("venue rejection")
	// ErrDecisionValidation marks a decision that produced no usable actions.
	ErrDecisionValidation = errors.New("decision validation failure")
	// ErrExternalService marks a failed call to the reasoning service.
	ErrExternalService = errors.New("external service failure")
)
