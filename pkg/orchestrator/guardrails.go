package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"aerogate/pkg/models"
	"aerogate/pkg/policy"
)

// bookingGuardrail blocks a shipment-typed action proposed without booking
// evidence: the action is converted into a BLOCKING MissingEvidenceRequest
// and the case blocks. No shipment row is touched.
func (o *Orchestrator) bookingGuardrail(ctx context.Context, st *runState, p plannedAction) (bool, error) {
	if !policy.ShipmentActionTypes[p.Type] {
		return false, nil
	}
	for _, row := range st.evidenceRows {
		if row.SourceSystem == "BOOKING" {
			return false, nil
		}
	}
	req, err := o.Missing.Record(ctx, st.caseRow.ID, "BOOKING", "booking_evidence",
		map[string]any{"action_type": p.Type, "args": p.Args},
		fmt.Sprintf("shipment action %s proposed without booking evidence", p.Type),
		models.CriticalityBlocking)
	if err != nil {
		return false, err
	}
	st.blocked = true
	st.blockedReason = "shipment action without booking evidence"
	if o.Metrics != nil {
		o.Metrics.CountMissingEvidence(models.CriticalityBlocking)
	}
	o.trace(ctx, st, models.TraceGuardrailFail, "booking_required", map[string]any{
		"action_type": p.Type, "missing_request_id": req.ID.String(),
	})
	return true, nil
}

// evidenceGuardrail blocks the case if any promoted claim lost its binding.
// The store makes this impossible; the guardrail is the independent check.
func (o *Orchestrator) evidenceGuardrail(ctx context.Context, st *runState) error {
	unbound, err := o.Graph.UnboundFactClaims(ctx, st.airport.ID)
	if err != nil {
		return err
	}
	if len(unbound) == 0 {
		return nil
	}
	ids := make([]string, 0, len(unbound))
	for _, id := range unbound {
		ids = append(ids, id.String())
	}
	st.blocked = true
	st.blockedReason = "FACT claims without evidence binding"
	o.trace(ctx, st, models.TraceGuardrailFail, "evidence_binding", map[string]any{
		"claim_ids": ids,
	})
	return nil
}

// nonWorkflowGuardrail is the anti-replay sanity check: a case whose trace is
// all state transitions with no tool activity did not actually investigate.
// Emits a guardrail failure event; it does not block on its own.
func (o *Orchestrator) nonWorkflowGuardrail(ctx context.Context, st *runState) {
	trace, err := o.Cases.Trace(ctx, st.caseRow.ID)
	if err != nil {
		return
	}
	toolEvents := 0
	path := make([]string, 0, len(trace))
	for _, ev := range trace {
		if ev.EventType == models.TraceToolCall || ev.EventType == models.TraceToolResult {
			toolEvents++
		}
		if ev.EventType == models.TraceStateEnter {
			path = append(path, ev.RefID)
		}
	}
	if toolEvents == 0 {
		o.trace(ctx, st, models.TraceGuardrailFail, "non_workflow", map[string]any{
			"trace_path": strings.Join(path, ">"),
			"detail":     "no tool activity recorded for this case",
		})
	}
}
