package governance

import (
	"context"
	"encoding/json"

	"aerogate/pkg/models"
)

// Default handlers record the action's effect as a structured outcome. Side
// effects that leave the process (posture writes, webhook posts, re-runs) are
// layered on by the orchestrator via RegisterHandler; these defaults keep the
// machine executable in isolation and in tests.

func (g *Governor) registerDefaults() {
	for actionType := range ActionTypes {
		g.handlers[actionType] = recordOnly(actionType)
	}
	// Inverse handlers exist only for the five rollbackable types.
	g.inverses["SET_POSTURE"] = inverseNote("posture restored to prior value")
	g.inverses["PUBLISH_GATEWAY_ADVISORY"] = inverseNote("advisory withdrawn")
	g.inverses["UPDATE_BOOKING_RULES"] = inverseNote("booking rules restored")
	g.inverses["TRIGGER_REEVALUATION"] = inverseNote("re-evaluation cancelled")
	g.inverses["HOLD_CARGO"] = inverseNote("cargo hold released")
}

func recordOnly(actionType string) Handler {
	return func(ctx context.Context, a models.Action) (bool, map[string]any, error) {
		var args map[string]any
		if len(a.Args) > 0 {
			_ = json.Unmarshal(a.Args, &args)
		}
		return true, map[string]any{"action_type": actionType, "args": args}, nil
	}
}

func inverseNote(note string) Handler {
	return func(ctx context.Context, a models.Action) (bool, map[string]any, error) {
		return true, map[string]any{"rollback": note}, nil
	}
}
