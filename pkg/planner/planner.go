// Package planner is the deterministic beam search over the fixed action
// library. Scores come from precomputed tables; no external call happens
// during planning, so identical belief states plan identical actions.
package planner

import (
	"sort"

	"aerogate/pkg/models"
)

const (
	BeamWidth = 4
	MaxDepth  = 4
)

// Uncertainty values: how much resolving each uncertainty type is worth.
var uncertaintyValues = map[string]float64{
	"airport_status_unknown":     1.0,
	"weather_conditions_unknown": 0.8,
	"alert_status_unknown":       0.7,
	"movement_data_unknown":      0.5,
	"contradiction_unresolved":   0.9,
}

// Which uncertainties each investigation tool resolves.
var toolResolves = map[string][]string{
	"fetch_faa_status": {"airport_status_unknown"},
	"fetch_weather":    {"weather_conditions_unknown"},
	"fetch_alerts":     {"alert_status_unknown"},
	"fetch_adsb":       {"movement_data_unknown"},
}

// Relative tool costs (latency, rate limits).
var toolCosts = map[string]float64{
	"fetch_faa_status": 0.1,
	"fetch_weather":    0.1,
	"fetch_alerts":     0.1,
	"fetch_adsb":       0.3,
}

var interventionCosts = map[string]float64{
	"SET_POSTURE":              0.0,
	"PUBLISH_GATEWAY_ADVISORY": 0.1,
	"UPDATE_BOOKING_RULES":     0.2,
	"TRIGGER_REEVALUATION":     0.1,
	"ESCALATE_OPS":             0.2,
	"HOLD_CARGO":               0.5,
	"RELEASE_CARGO":            0.3,
	"SWITCH_GATEWAY":           0.8,
	"REBOOK_FLIGHT":            0.9,
	"UPGRADE_SERVICE":          0.7,
	"NOTIFY_CUSTOMER":          0.6,
	"FILE_CLAIM":               0.8,
}

// Base operational value of each intervention when contextually appropriate.
var actionValues = map[string]float64{
	"SET_POSTURE":              1.0,
	"PUBLISH_GATEWAY_ADVISORY": 0.6,
	"UPDATE_BOOKING_RULES":     0.5,
	"TRIGGER_REEVALUATION":     0.4,
	"ESCALATE_OPS":             0.7,
	"HOLD_CARGO":               0.6,
	"RELEASE_CARGO":            0.5,
	"SWITCH_GATEWAY":           0.7,
	"REBOOK_FLIGHT":            0.8,
	"UPGRADE_SERVICE":          0.5,
	"NOTIFY_CUSTOMER":          0.6,
	"FILE_CLAIM":               0.5,
}

var riskPenalties = map[string]float64{
	models.RiskLow:    0.0,
	models.RiskMedium: 0.1,
	models.RiskHigh:   0.3,
}

// Candidate is one scored plan entry. InvestigateTool is set for
// investigation candidates, empty for interventions.
type Candidate struct {
	ActionType      string         `json:"type"`
	InvestigateTool string         `json:"tool,omitempty"`
	Args            map[string]any `json:"args,omitempty"`
	Score           float64        `json:"score"`
	Risk            string         `json:"risk_level"`
}

// ScoreInvestigation: information_gain - cost. Investigations carry no risk.
func ScoreInvestigation(tool string, openUncertainties []string) float64 {
	resolvable := map[string]bool{}
	for _, u := range toolResolves[tool] {
		resolvable[u] = true
	}
	gain := 0.0
	for _, u := range openUncertainties {
		if resolvable[u] {
			gain += uncertaintyValues[u]
		}
	}
	cost, ok := toolCosts[tool]
	if !ok {
		cost = 0.1
	}
	return gain - cost
}

// ScoreIntervention: action_value - cost - risk_penalty, with an extra 0.1
// penalty on approval-requiring actions.
func ScoreIntervention(actionType, risk string, requiresApproval bool) float64 {
	value, ok := actionValues[actionType]
	if !ok {
		value = 0.3
	}
	cost, ok := interventionCosts[actionType]
	if !ok {
		cost = 0.5
	}
	penalty := riskPenalties[risk]
	if requiresApproval {
		penalty += 0.1
	}
	return value - cost - penalty
}

// RiskLookup reports the library risk of an action type, defaulting LOW.
type RiskLookup func(actionType string) (risk string, requiresApproval bool)

// Plan generates intervention candidates from the belief state and risk
// recommendation, scores them, and keeps the top BeamWidth non-negative ones.
func Plan(belief models.BeliefState, assessment models.RiskAssessment, lookup RiskLookup) []Candidate {
	posture := assessment.RecommendedPosture
	if posture == "" {
		posture = models.PostureHold
	}

	candidates := []Candidate{{
		ActionType: "SET_POSTURE",
		Args:       map[string]any{"posture": posture, "airport": belief.AirportICAO},
	}}
	if posture != models.PostureAccept {
		candidates = append(candidates, Candidate{
			ActionType: "PUBLISH_GATEWAY_ADVISORY",
			Args:       map[string]any{"posture": posture, "airport": belief.AirportICAO},
		})
	}
	if posture == models.PostureRestrict || posture == models.PostureHold {
		candidates = append(candidates, Candidate{
			ActionType: "UPDATE_BOOKING_RULES",
			Args:       map[string]any{"restriction_level": posture},
		})
	}
	if posture == models.PostureEscalate {
		candidates = append(candidates, Candidate{
			ActionType: "ESCALATE_OPS",
			Args:       map[string]any{"reason": "automated escalation", "airport": belief.AirportICAO},
		})
	}
	if belief.ContradictionCount > 0 {
		candidates = append(candidates, Candidate{
			ActionType: "TRIGGER_REEVALUATION",
			Args:       map[string]any{"reason": "unresolved contradictions"},
		})
	}

	for i := range candidates {
		risk, requiresApproval := lookup(candidates[i].ActionType)
		candidates[i].Risk = risk
		candidates[i].Score = ScoreIntervention(candidates[i].ActionType, risk, requiresApproval)
	}

	// Stable order: score desc, then type, so equal-score plans are identical
	// across runs.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ActionType < candidates[j].ActionType
	})

	if len(candidates) > BeamWidth {
		candidates = candidates[:BeamWidth]
	}
	out := candidates[:0]
	for _, c := range candidates {
		if c.Score >= 0 {
			out = append(out, c)
		}
	}
	return out
}

// PlanInvestigations ranks fetch tools by information gain for the open
// uncertainty set; used when the critic demands another pass.
func PlanInvestigations(openUncertainties []string) []Candidate {
	out := []Candidate{}
	for tool := range toolResolves {
		score := ScoreInvestigation(tool, openUncertainties)
		if score > 0 {
			out = append(out, Candidate{ActionType: "INVESTIGATE", InvestigateTool: tool, Score: score, Risk: models.RiskLow})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].InvestigateTool < out[j].InvestigateTool
	})
	if len(out) > BeamWidth {
		out = out[:BeamWidth]
	}
	return out
}
