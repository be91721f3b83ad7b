package orchestrator

import (
	"context"
	"time"

	"aerogate/pkg/models"
	"aerogate/pkg/packets"
	"aerogate/pkg/playbooks"
	"aerogate/pkg/statebus"
	"aerogate/pkg/webhooks"
)

// sealPacket builds and persists the Decision Packet, fires terminal
// notifications and hands a resolved case to the playbook learner.
func (o *Orchestrator) sealPacket(ctx context.Context, st *runState) (models.DecisionPacket, error) {
	claims, err := o.Graph.ClaimsForNode(ctx, st.airport.ID)
	if err != nil {
		return models.DecisionPacket{}, err
	}
	contradictions, err := o.Graph.OpenContradictions(ctx, st.airport.ID)
	if err != nil {
		return models.DecisionPacket{}, err
	}
	missingOpen, err := o.Missing.Open(ctx, st.caseRow.ID, "")
	if err != nil {
		return models.DecisionPacket{}, err
	}
	trace, err := o.Cases.Trace(ctx, st.caseRow.ID)
	if err != nil {
		return models.DecisionPacket{}, err
	}
	var cascade *models.CascadeImpact
	if o.CascadeFn != nil {
		cascade, err = o.CascadeFn(ctx, st.airport.ID)
		if err != nil {
			return models.DecisionPacket{}, err
		}
	}

	rationale := st.assessment.Rationale
	if st.blocked && st.blockedReason != "" {
		rationale = st.blockedReason
	}

	packet := packets.Build(packets.BuildInput{
		Case:            st.caseRow,
		Posture:         st.posture,
		Rationale:       rationale,
		Claims:          claims,
		Evidence:        st.evidenceRows,
		Contradictions:  contradictions,
		PolicyResult:    st.policyResult,
		ActionsProposed: st.proposed,
		ActionsExecuted: st.executed,
		MissingOpen:     missingOpen,
		Trace:           trace,
		Confidence:      st.assessment.ConfidenceBreakdown,
		Cascade:         cascade,
		FirstSignalAt:   st.firstSignalAt,
		PostureAt:       st.postureAt,
		SealedAt:        time.Now().UTC(),
		InvestigateRuns: st.investigateRuns,
	})
	if err := o.Packets.Save(ctx, packet); err != nil {
		return models.DecisionPacket{}, err
	}

	if o.Bus != nil {
		_ = o.Bus.Publish(ctx, statebus.Event{
			Type:   "case." + st.caseRow.Status,
			CaseID: st.caseRow.ID.String(),
		})
	}
	if st.caseRow.Status == models.CaseResolved {
		if o.Dispatcher != nil {
			o.Dispatcher.Dispatch(ctx, webhooks.EventCaseResolved, st.caseRow.ID.String(), map[string]any{
				"case_id": st.caseRow.ID.String(),
				"airport": st.icao,
				"posture": st.posture,
			})
		}
		o.minePlaybook(ctx, st)
	}
	return packet, nil
}

// minePlaybook extracts the resolved case into a retrievable template with
// the policy snapshot active now.
func (o *Orchestrator) minePlaybook(ctx context.Context, st *runState) {
	if o.Playbooks == nil {
		return
	}
	texts, err := o.Policy.ActiveTexts(ctx)
	if err != nil {
		return
	}
	contradictionTypes := []string{}
	if st.belief.HasContradictions {
		contradictions, err := o.Graph.OpenContradictions(ctx, st.airport.ID)
		if err == nil {
			for _, c := range contradictions {
				contradictionTypes = append(contradictionTypes, c.Type)
			}
		}
	}
	sources := make([]string, 0, len(st.evidenceIDs))
	for s := range st.evidenceIDs {
		sources = append(sources, s)
	}
	executed := make([]models.Action, 0, len(st.executed))
	success := true
	for _, res := range st.executed {
		executed = append(executed, res.Action)
		if res.Outcome != nil && !res.Outcome.Success {
			success = false
		}
	}
	pattern := playbooks.Pattern{
		CaseType:        st.caseRow.Type,
		Scope:           scopeSignature(st),
		EvidenceSources: sources,
		Contradictions:  contradictionTypes,
		RiskLevel:       st.assessment.RiskLevel,
		Posture:         st.posture,
	}
	_, _ = o.Playbooks.Mine(ctx, st.caseRow, pattern, executed, texts, success)
}

// scopeSignature generalizes the case scope for pattern matching: the pattern
// should retrieve for any airport with the same signal shape, so the literal
// ICAO stays out of it.
func scopeSignature(st *runState) string {
	if st.payloads.FAA != nil && st.payloads.FAA.Disrupted() {
		return "airport_disrupted"
	}
	if st.payloads.METAR != nil {
		switch st.payloads.METAR.Category() {
		case "IFR", "LIFR":
			return "airport_weather_degraded"
		}
	}
	if st.payloads.ADSB != nil && st.payloads.ADSB.Collapsed() {
		return "airport_movement_collapse"
	}
	return "airport_normal"
}
