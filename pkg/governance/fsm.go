// Package governance drives each proposed action through the approval state
// machine. Transitions are legal-only, every transition emits a trace event,
// and the two governance invariants (HIGH risk requires approval, EXECUTING
// requires an approval timestamp) are enforced before any state is written.
package governance

import (
	"errors"

	"aerogate/pkg/models"
)

var (
	ErrInvalidTransition    = errors.New("invalid action transition")
	ErrRollbackUnsupported  = errors.New("rollback not supported for this action type")
	ErrUnknownActionType    = errors.New("unknown action type")
	ErrHandlerNotRegistered = errors.New("no handler registered for action type")
)

// CanTransition reports whether from -> to is a legal action transition.
func CanTransition(from, to string) bool {
	switch from {
	case models.ActionProposed:
		return to == models.ActionPendingApproval || to == models.ActionApproved
	case models.ActionPendingApproval:
		return to == models.ActionApproved || to == models.ActionFailed
	case models.ActionApproved:
		return to == models.ActionExecuting
	case models.ActionExecuting:
		return to == models.ActionCompleted || to == models.ActionFailed
	case models.ActionCompleted:
		return to == models.ActionRolledBack
	case models.ActionFailed:
		// Terminal except via operator rollback.
		return to == models.ActionRolledBack
	default:
		return false
	}
}

// IsTerminal reports whether an action no longer gates case resolution.
func IsTerminal(state string) bool {
	switch state {
	case models.ActionCompleted, models.ActionFailed, models.ActionRolledBack:
		return true
	default:
		return false
	}
}

// ActionTypes is the closed action library. Risk grades and approval defaults
// feed requires_approval at proposal time; policy can only tighten them.
var ActionTypes = map[string]struct {
	Risk             string
	RequiresApproval bool
	Rollbackable     bool
}{
	// Shipment-level.
	"HOLD_CARGO":      {Risk: models.RiskMedium, RequiresApproval: false, Rollbackable: true},
	"RELEASE_CARGO":   {Risk: models.RiskMedium, RequiresApproval: true, Rollbackable: false},
	"SWITCH_GATEWAY":  {Risk: models.RiskHigh, RequiresApproval: true, Rollbackable: false},
	"REBOOK_FLIGHT":   {Risk: models.RiskHigh, RequiresApproval: true, Rollbackable: false},
	"UPGRADE_SERVICE": {Risk: models.RiskMedium, RequiresApproval: true, Rollbackable: false},
	"NOTIFY_CUSTOMER": {Risk: models.RiskLow, RequiresApproval: false, Rollbackable: false},
	"FILE_CLAIM":      {Risk: models.RiskMedium, RequiresApproval: true, Rollbackable: false},
	// Posture-level.
	"SET_POSTURE": {Risk: models.RiskLow, RequiresApproval: false, Rollbackable: true},
	// Operational.
	"PUBLISH_GATEWAY_ADVISORY": {Risk: models.RiskLow, RequiresApproval: false, Rollbackable: true},
	"UPDATE_BOOKING_RULES":     {Risk: models.RiskMedium, RequiresApproval: false, Rollbackable: true},
	"TRIGGER_REEVALUATION":     {Risk: models.RiskLow, RequiresApproval: false, Rollbackable: true},
	"ESCALATE_OPS":             {Risk: models.RiskLow, RequiresApproval: false, Rollbackable: false},
}

// RiskFor returns the library risk grade for an action type.
func RiskFor(actionType string) (string, error) {
	spec, ok := ActionTypes[actionType]
	if !ok {
		return "", ErrUnknownActionType
	}
	return spec.Risk, nil
}

// Rollbackable reports whether an inverse handler is defined.
func Rollbackable(actionType string) bool {
	spec, ok := ActionTypes[actionType]
	return ok && spec.Rollbackable
}
