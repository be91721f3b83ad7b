package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SeedPolicy is one built-in governance rule. The text is the unique key; the
// SQL seed in migrations and this runtime seeder reference the same list.
type SeedPolicy struct {
	Type       string
	Text       string
	Conditions map[string]any
	Effects    map[string]any
}

// Builtin is the required 13-policy seed.
var Builtin = []SeedPolicy{
	{
		Type:       "evidence_requirement",
		Text:       "Open contradictions require evidence resolution before posture decision",
		Conditions: map[string]any{"has_contradictions": true},
		Effects:    map[string]any{"action": "needs_evidence", "params": map[string]any{"description": "Resolve contradicting signals before proceeding"}},
	},
	{
		Type:       "evidence_requirement",
		Text:       "Posture changes require at least 2 evidence sources",
		Conditions: map[string]any{"min_evidence": 2},
		Effects:    map[string]any{"action": "allow"},
	},
	{
		Type:       "evidence_requirement",
		Text:       "Shipment-level actions require booking evidence",
		Conditions: map[string]any{"action_type": "shipment"},
		Effects:    map[string]any{"action": "block_without_booking"},
	},
	{
		Type: "posture_constraint",
		Text: "Open contradictions with stale evidence require RESTRICT posture",
		Conditions: map[string]any{
			"has_contradictions": true,
			"has_stale_evidence": true,
			"proposed_posture":   "ACCEPT",
		},
		Effects: map[string]any{"action": "block", "params": map[string]any{"reason": "Cannot ACCEPT with open contradictions"}},
	},
	{
		Type:       "approval_requirement",
		Text:       "HIGH or CRITICAL risk actions require human approval",
		Conditions: map[string]any{"risk_level": []any{"HIGH", "CRITICAL"}},
		Effects:    map[string]any{"action": "require_approval"},
	},
	{
		Type: "approval_requirement",
		Text: "Premium SLA posture changes within 48h require approval",
		Conditions: map[string]any{
			"service_tier":         "PREMIUM",
			"hours_until_deadline": map[string]any{"op": "<", "value": 48},
			"action_type":          "SET_POSTURE",
		},
		Effects: map[string]any{"action": "require_approval"},
	},
	{
		Type:       "approval_requirement",
		Text:       "Actions with cost exposure above $10,000 require approval",
		Conditions: map[string]any{"estimated_cost": map[string]any{"op": ">", "value": 10000}},
		Effects:    map[string]any{"action": "require_approval"},
	},
	{
		Type:       "threshold",
		Text:       "CRITICAL risk level prohibits ACCEPT posture",
		Conditions: map[string]any{"risk_level": "CRITICAL", "posture": "ACCEPT"},
		Effects:    map[string]any{"action": "block", "params": map[string]any{"reason": "Cannot accept new bookings during critical disruptions"}},
	},
	{
		Type:       "threshold",
		Text:       "HIGH risk recommends HOLD or ESCALATE posture",
		Conditions: map[string]any{"risk_level": "HIGH"},
		Effects:    map[string]any{"action": "allow"},
	},
	{
		Type:       "operational",
		Text:       "LOW risk allows ACCEPT posture for normal operations",
		Conditions: map[string]any{"risk_level": "LOW"},
		Effects:    map[string]any{"action": "allow"},
	},
	{
		Type:       "operational",
		Text:       "MEDIUM risk allows RESTRICT posture",
		Conditions: map[string]any{"risk_level": "MEDIUM"},
		Effects:    map[string]any{"action": "allow"},
	},
	{
		Type:       "operational",
		Text:       "Weather data must be available for disruption assessment",
		Conditions: map[string]any{"has_weather": true},
		Effects:    map[string]any{"action": "allow"},
	},
	{
		Type:       "operational",
		Text:       "IFR/LIFR weather conditions trigger posture review",
		Conditions: map[string]any{"flight_category": []any{"IFR", "LIFR"}},
		Effects:    map[string]any{"action": "allow"},
	},
}

// Seed inserts the built-in policies idempotently, keyed by the unique text.
// Returns the number of newly inserted rows.
func (e *Engine) Seed(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	count := 0
	for _, p := range Builtin {
		conds, _ := json.Marshal(p.Conditions)
		effects, _ := json.Marshal(p.Effects)
		tag, err := e.DB.Exec(ctx, `
			INSERT INTO policy (id, type, text, conditions, effects, effective_from)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (text) DO NOTHING
		`, uuid.New(), p.Type, p.Text, conds, effects, now)
		if err != nil {
			return count, err
		}
		if tag.RowsAffected() > 0 {
			count++
		}
	}
	return count, nil
}
