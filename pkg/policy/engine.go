// Package policy evaluates the governance rule set against a belief state.
// The engine is stateless: it loads policies effective now, tests each
// condition set, merges effects (BLOCK dominates REQUIRE_APPROVAL dominates
// ALLOW) and cites the text hashes of every contributing policy.
package policy

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/models"
)

// Verdicts.
const (
	VerdictAllow           = "ALLOW"
	VerdictRequireApproval = "REQUIRE_APPROVAL"
	VerdictBlock           = "BLOCK"
)

// Effect actions recognized in policy rows.
const (
	effectAllow               = "allow"
	effectBlock               = "block"
	effectBlockWithoutBooking = "block_without_booking"
	effectRequireApproval     = "require_approval"
	effectRequiresApproval    = "requires_approval"
	effectNeedsEvidence       = "needs_evidence"
	effectWarn                = "warn"
)

// ShipmentActionTypes is the closed set of shipment-level action types.
var ShipmentActionTypes = map[string]bool{
	"HOLD_CARGO":      true,
	"RELEASE_CARGO":   true,
	"SWITCH_GATEWAY":  true,
	"REBOOK_FLIGHT":   true,
	"UPGRADE_SERVICE": true,
	"NOTIFY_CUSTOMER": true,
	"FILE_CLAIM":      true,
}

type Effect struct {
	PolicyText string          `json:"policy_text"`
	TextHash   string          `json:"text_hash"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type Result struct {
	Verdict   string   `json:"verdict"`
	Effects   []Effect `json:"effects"`
	Citations []string `json:"citations"`
	Warnings  []string `json:"warnings,omitempty"`
}

type policyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Engine struct {
	DB policyDB
}

// LoadActive returns policies whose validity window contains now.
func (e *Engine) LoadActive(ctx context.Context, now time.Time) ([]models.Policy, error) {
	rows, err := e.DB.Query(ctx, `
		SELECT id, type, text, conditions, effects, effective_from, effective_to
		FROM policy
		WHERE effective_from <= $1 AND (effective_to IS NULL OR effective_to > $1)
		ORDER BY type, text
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Policy{}
	for rows.Next() {
		var p models.Policy
		if err := rows.Scan(&p.ID, &p.Type, &p.Text, &p.Conditions, &p.Effects,
			&p.EffectiveFrom, &p.EffectiveTo); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveTexts returns the texts of currently effective policies, used for
// playbook snapshots and drift scoring.
func (e *Engine) ActiveTexts(ctx context.Context) ([]string, error) {
	policies, err := e.LoadActive(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(policies))
	for _, p := range policies {
		texts = append(texts, p.Text)
	}
	return texts, nil
}

// Evaluate loads active policies and applies them to the belief state.
func (e *Engine) Evaluate(ctx context.Context, belief models.BeliefState) (Result, error) {
	policies, err := e.LoadActive(ctx, time.Now().UTC())
	if err != nil {
		return Result{}, err
	}
	return Apply(policies, belief), nil
}

// Apply is the pure evaluation: no store access, no clock beyond the caller's
// policy set.
func Apply(policies []models.Policy, belief models.BeliefState) Result {
	evalCtx := buildContext(belief)
	effects := []Effect{}
	citationSet := map[string]bool{}
	warnings := []string{}

	for _, p := range policies {
		if !conditionsMatch(p.Conditions, evalCtx) {
			continue
		}
		action, params := parseEffect(p.Effects)
		if action == "" {
			continue
		}
		eff := Effect{
			PolicyText: p.Text,
			TextHash:   models.PolicyTextHash(p.Text),
			Action:     action,
			Params:     params,
		}
		effects = append(effects, eff)
		citationSet[eff.TextHash] = true
		if action == effectWarn || action == effectNeedsEvidence {
			warnings = append(warnings, p.Text)
		}
	}

	effects = applySafetyOverride(effects, belief)
	verdict := mergeVerdict(effects)
	verdict = applyInvariantFloor(verdict, belief)

	citations := make([]string, 0, len(citationSet))
	for h := range citationSet {
		citations = append(citations, h)
	}
	sort.Strings(citations)

	return Result{Verdict: verdict, Effects: effects, Citations: citations, Warnings: warnings}
}

// applySafetyOverride drops block_without_booking effects when no
// shipment-typed action is actually proposed. Applied after rule matching so
// the rule stays in the set but cannot block a posture-only plan.
func applySafetyOverride(effects []Effect, belief models.BeliefState) []Effect {
	hasShipmentAction := false
	for _, a := range belief.ProposedActions {
		if ShipmentActionTypes[a] {
			hasShipmentAction = true
			break
		}
	}
	if hasShipmentAction {
		return effects
	}
	out := effects[:0]
	for _, eff := range effects {
		if eff.Action == effectBlockWithoutBooking {
			continue
		}
		out = append(out, eff)
	}
	return out
}

func mergeVerdict(effects []Effect) string {
	verdict := VerdictAllow
	for _, eff := range effects {
		switch eff.Action {
		case effectBlock:
			return VerdictBlock
		case effectBlockWithoutBooking:
			return VerdictBlock
		case effectRequireApproval, effectRequiresApproval:
			verdict = VerdictRequireApproval
		}
	}
	return verdict
}

// applyInvariantFloor enforces the rules that new policies may not remove:
// HIGH risk requires approval at minimum; CRITICAL risk with a proposed ACCEPT
// blocks; open contradictions plus stale evidence plus proposed ACCEPT blocks.
// Below HIGH risk, a proposed shipment-typed action without BOOKING evidence
// blocks, whether or not a booking policy is in the evaluated set.
func applyInvariantFloor(verdict string, belief models.BeliefState) string {
	if verdict == VerdictBlock {
		return verdict
	}
	if belief.RiskLevel == models.RiskCritical && belief.ProposedPosture == models.PostureAccept {
		return VerdictBlock
	}
	if belief.HasContradictions && belief.HasStaleEvidence && belief.ProposedPosture == models.PostureAccept {
		return VerdictBlock
	}
	if belief.RiskLevel == models.RiskHigh || belief.RiskLevel == models.RiskCritical {
		return VerdictRequireApproval
	}
	hasShipment, hasBooking := false, false
	for _, a := range belief.ProposedActions {
		if ShipmentActionTypes[a] {
			hasShipment = true
		}
	}
	for _, s := range belief.EvidenceSources {
		if s == "BOOKING" {
			hasBooking = true
		}
	}
	if hasShipment && !hasBooking {
		return VerdictBlock
	}
	return verdict
}

// buildContext flattens a belief state into the condition namespace. List
// values mean "any of"; the == operator treats them as membership.
func buildContext(belief models.BeliefState) map[string]any {
	actionTypes := make([]string, len(belief.ProposedActions))
	copy(actionTypes, belief.ProposedActions)
	hasShipment := false
	for _, a := range belief.ProposedActions {
		if ShipmentActionTypes[a] {
			hasShipment = true
		}
	}
	if hasShipment {
		actionTypes = append(actionTypes, "shipment")
	}
	ctx := map[string]any{
		"risk_level":         belief.RiskLevel,
		"posture":            belief.ProposedPosture,
		"proposed_posture":   belief.ProposedPosture,
		"has_contradictions": belief.HasContradictions,
		"has_stale_evidence": belief.HasStaleEvidence,
		"has_weather":        belief.HasWeather,
		"min_evidence":       belief.MinEvidenceCount,
		"evidence_count":     belief.EvidenceCount,
		"action_type":        actionTypes,
		"estimated_cost":     belief.EstimatedCost,
	}
	if belief.FlightCategory != "" {
		ctx["flight_category"] = belief.FlightCategory
	}
	if belief.ServiceTier != "" {
		ctx["service_tier"] = belief.ServiceTier
	}
	if belief.HoursUntilDeadline > 0 {
		ctx["hours_until_deadline"] = belief.HoursUntilDeadline
	}
	return ctx
}

type condition struct {
	field    string
	operator string
	value    any
}

func conditionsMatch(raw json.RawMessage, evalCtx map[string]any) bool {
	conds := parseConditions(raw)
	for _, c := range conds {
		if !conditionMatches(c, evalCtx) {
			return false
		}
	}
	return true
}

func parseConditions(raw json.RawMessage) []condition {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	out := make([]condition, 0, len(m))
	for field, spec := range m {
		if specMap, ok := spec.(map[string]any); ok {
			op, _ := specMap["op"].(string)
			if op == "" {
				op = "=="
			}
			out = append(out, condition{field: field, operator: op, value: specMap["value"]})
			continue
		}
		out = append(out, condition{field: field, operator: "==", value: spec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].field < out[j].field })
	return out
}

func conditionMatches(c condition, evalCtx map[string]any) bool {
	value, present := evalCtx[c.field]
	switch c.operator {
	case "==":
		return eqMatch(value, c.value)
	case "!=":
		return present && !eqMatch(value, c.value)
	case "in":
		return valueIn(value, c.value)
	case "not_in":
		return present && !valueIn(value, c.value)
	case ">":
		a, b, ok := numericPair(value, c.value)
		return ok && a > b
	case ">=":
		a, b, ok := numericPair(value, c.value)
		return ok && a >= b
	case "<":
		a, b, ok := numericPair(value, c.value)
		return ok && a < b
	case "<=":
		a, b, ok := numericPair(value, c.value)
		return ok && a <= b
	case "exists":
		return present && value != nil
	case "not_exists":
		return !present || value == nil
	}
	return false
}

// eqMatch: a list on either side means membership. A rule listing several
// accepted values matches when the context holds one of them, and a rule value
// matches a context list when the list contains it.
func eqMatch(ctxVal, condVal any) bool {
	if list, ok := condVal.([]any); ok {
		for _, v := range list {
			if eqMatch(ctxVal, v) {
				return true
			}
		}
		return false
	}
	switch cv := ctxVal.(type) {
	case []string:
		for _, v := range cv {
			if scalarEq(v, condVal) {
				return true
			}
		}
		return false
	case []any:
		for _, v := range cv {
			if scalarEq(v, condVal) {
				return true
			}
		}
		return false
	default:
		return scalarEq(ctxVal, condVal)
	}
}

func scalarEq(a, b any) bool {
	if af, bf, ok := numericPair(a, b); ok {
		return af == bf
	}
	return a == b
}

func valueIn(ctxVal, condVal any) bool {
	list, ok := condVal.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if eqMatch(ctxVal, v) {
			return true
		}
	}
	return false
}

func numericPair(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseEffect(raw json.RawMessage) (string, json.RawMessage) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", nil
	}
	var action string
	if err := json.Unmarshal(m["action"], &action); err != nil {
		return "", nil
	}
	return action, m["params"]
}
