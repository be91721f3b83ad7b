package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aerogate/pkg/evidence"
	"aerogate/pkg/governance"
	"aerogate/pkg/ingest"
	"aerogate/pkg/models"
	"aerogate/pkg/planner"
	"aerogate/pkg/policy"
	"aerogate/pkg/signals"
	"aerogate/pkg/webhooks"
)

// handleInit loads the case and scope context. Initial posture is the prior
// case posture, ACCEPT when none.
func (o *Orchestrator) handleInit(ctx context.Context, st *runState) (string, error) {
	caseRow, err := o.Cases.Get(ctx, st.caseRow.ID)
	if err != nil {
		return "", err
	}
	st.caseRow = caseRow
	st.icao = caseRow.Scope
	st.posture = caseRow.Posture
	if st.posture == "" {
		st.posture = models.PostureAccept
	}
	airport, err := o.Graph.GetOrCreateNode(ctx, "AIRPORT", st.icao)
	if err != nil {
		return "", err
	}
	st.airport = airport
	o.progress(st, StateInit, "case loaded, scope "+st.icao)
	return StateInvestigate, nil
}

// handleInvestigate fetches every required source, persists evidence, derives
// edges and claims, detects contradictions and accounts failures as
// MissingEvidenceRequests.
func (o *Orchestrator) handleInvestigate(ctx context.Context, st *runState) (string, error) {
	st.investigateRuns++
	sources := o.RequiredSources
	if len(sources) == 0 {
		sources = ingest.RequiredSources
	}
	o.trace(ctx, st, models.TraceToolCall, StateInvestigate, map[string]any{
		"sources": sources, "round": st.investigateRuns,
	})

	results := ingest.FetchAll(ctx, o.Source, st.icao, sources, o.IngestConfig)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	openBefore, err := o.Missing.Open(ctx, st.caseRow.ID, "")
	if err != nil {
		return "", err
	}

	for _, res := range results {
		if res.Err != nil {
			criticality := ingest.Criticality(res.Source)
			reason := res.Err.Error()
			requestType := "fetch"
			if errors.Is(res.Err, ingest.ErrPermanent) {
				requestType = "fetch_nonretryable"
			}
			if _, err := o.Missing.Record(ctx, st.caseRow.ID, res.Source, requestType,
				map[string]any{"icao": st.icao}, reason, criticality); err != nil {
				return "", err
			}
			if o.Metrics != nil {
				o.Metrics.CountMissingEvidence(criticality)
			}
			o.trace(ctx, st, models.TraceToolResult, StateInvestigate, map[string]any{
				"source": res.Source, "ok": false, "criticality": criticality,
			})
			continue
		}

		evID, err := o.Evidence.Put(ctx, evidence.PutInput{
			SourceSystem:   res.Source,
			SourceRef:      res.Raw.Ref,
			ContentType:    res.Raw.ContentType,
			Payload:        res.Raw.Payload,
			EventTimeStart: res.Raw.EventTimeStart,
			EventTimeEnd:   res.Raw.EventTimeEnd,
		})
		if err != nil {
			// I/O fault on put is fatal for this source's ingestion; account it.
			criticality := ingest.Criticality(res.Source)
			if _, recErr := o.Missing.Record(ctx, st.caseRow.ID, res.Source, "persist",
				map[string]any{"icao": st.icao}, err.Error(), criticality); recErr != nil {
				return "", recErr
			}
			continue
		}
		st.evidenceIDs[res.Source] = evID
		row, _, err := o.Evidence.Get(ctx, evID)
		if err != nil {
			return "", err
		}
		st.evidenceRows = append(st.evidenceRows, row)
		if st.firstSignalAt.IsZero() || row.RetrievedAt.Before(st.firstSignalAt) {
			st.firstSignalAt = row.RetrievedAt
		}
		if err := signals.DecodePayload(res.Source, res.Raw.Payload, &st.payloads); err != nil {
			if _, recErr := o.Missing.Record(ctx, st.caseRow.ID, res.Source, "decode",
				map[string]any{"icao": st.icao}, err.Error(), ingest.Criticality(res.Source)); recErr != nil {
				return "", recErr
			}
			delete(st.evidenceIDs, res.Source)
			continue
		}
		o.trace(ctx, st, models.TraceToolResult, StateInvestigate, map[string]any{
			"source": res.Source, "ok": true, "evidence_id": evID.String(),
		})

		// A source that failed earlier in this case and now delivered resolves
		// its open request explicitly.
		for _, req := range openBefore {
			if req.Source == res.Source {
				if err := o.Missing.Resolve(ctx, req.ID, evID); err != nil {
					return "", err
				}
			}
		}
	}

	derived := signals.Derive(st.icao, st.payloads, st.evidenceIDs)
	if _, err := signals.Persist(ctx, o.Graph, st.airport, derived); err != nil {
		return "", err
	}

	latest, err := o.Graph.LatestEdgesByType(ctx, st.airport.ID, []string{
		signals.EdgeDisruptedBy, signals.EdgeHasWeather, signals.EdgeHasMovement,
	})
	if err != nil {
		return "", err
	}
	for _, c := range signals.DetectContradictions(latest, time.Now().UTC()) {
		if _, err := o.Graph.RecordContradiction(ctx, c); err != nil {
			return "", err
		}
	}

	st.uncertainties = openUncertainties(st)
	o.progress(st, StateInvestigate, fmt.Sprintf("ingested %d sources", len(st.evidenceIDs)))
	return StateQuantifyRisk, nil
}

// openUncertainties names what the belief still lacks, in planner vocabulary.
func openUncertainties(st *runState) []string {
	out := []string{}
	if _, ok := st.evidenceIDs[signals.SourceFAANAS]; !ok {
		out = append(out, "airport_status_unknown")
	}
	if _, ok := st.evidenceIDs[signals.SourceMETAR]; !ok {
		out = append(out, "weather_conditions_unknown")
	}
	if _, ok := st.evidenceIDs[signals.SourceNWSAlerts]; !ok {
		out = append(out, "alert_status_unknown")
	}
	if _, ok := st.evidenceIDs[signals.SourceADSB]; !ok {
		out = append(out, "movement_data_unknown")
	}
	return out
}

// handleQuantifyRisk assembles the belief and calls the assessor. Assessor
// failure degrades: risk HIGH, confidence penalized, loop continues.
func (o *Orchestrator) handleQuantifyRisk(ctx context.Context, st *runState) (string, error) {
	belief, err := o.assembleBelief(ctx, st)
	if err != nil {
		return "", err
	}
	st.belief = belief

	timeout := o.AssessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	assessCtx, cancel := context.WithTimeout(ctx, timeout)
	assessment, err := o.Assessor.Assess(assessCtx, belief)
	cancel()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		assessment = models.RiskAssessment{
			RiskLevel:          models.RiskHigh,
			RecommendedPosture: models.PostureHold,
			Rationale:          "risk assessor unavailable, defaulting conservative",
			Degraded:           true,
		}
	}
	assessment.ConfidenceBreakdown = o.confidenceBreakdown(st, assessment.Degraded)
	if assessment.Confidence == 0 {
		assessment.Confidence = confidenceFrom(assessment.ConfidenceBreakdown)
	}
	st.assessment = assessment
	st.belief.RiskLevel = assessment.RiskLevel
	st.belief.ProposedPosture = assessment.RecommendedPosture
	o.progress(st, StateQuantifyRisk, "risk quantified")
	return StateCritique, nil
}

// handleCritique challenges evidence quality. Deterministic: another
// INVESTIGATE pass is demanded when fewer than two sources delivered, while
// retries remain.
func (o *Orchestrator) handleCritique(ctx context.Context, st *runState) (string, error) {
	sourcesDelivered := len(st.evidenceIDs)
	needMore := sourcesDelivered < 2
	if needMore && st.investigateRuns <= MaxInvestigateRetries {
		o.trace(ctx, st, models.TraceHandoff, StateCritique, map[string]any{
			"verdict": "insufficient evidence", "sources": sourcesDelivered,
		})
		o.progress(st, StateCritique, "insufficient evidence, reinvestigating")
		return StateInvestigate, nil
	}
	o.progress(st, StateCritique, "evidence accepted")
	return StateEvaluatePolicy, nil
}

func (o *Orchestrator) handleEvaluatePolicy(ctx context.Context, st *runState) (string, error) {
	result, err := o.Policy.Evaluate(ctx, st.belief)
	if err != nil {
		return "", err
	}
	st.policyResult = result
	if o.Metrics != nil {
		o.Metrics.CountVerdict(result.Verdict)
	}
	o.trace(ctx, st, models.TraceToolResult, StateEvaluatePolicy, map[string]any{
		"verdict": result.Verdict, "citations": result.Citations,
	})
	o.progress(st, StateEvaluatePolicy, "policy verdict "+result.Verdict)
	return StatePlanActions, nil
}

func (o *Orchestrator) handlePlanActions(ctx context.Context, st *runState) (string, error) {
	candidates := planner.Plan(st.belief, st.assessment, func(actionType string) (string, bool) {
		spec, ok := governance.ActionTypes[actionType]
		if !ok {
			return models.RiskLow, false
		}
		return spec.Risk, spec.RequiresApproval
	})
	for _, c := range candidates {
		st.planned = append(st.planned, plannedAction{Type: c.ActionType, Args: c.Args, Risk: c.Risk})
	}
	types := make([]string, 0, len(st.planned))
	for _, p := range st.planned {
		types = append(types, p.Type)
	}
	st.belief.ProposedActions = types
	o.progress(st, StatePlanActions, fmt.Sprintf("%d actions planned", len(st.planned)))
	if st.assessment.RecommendedPosture == models.PostureEscalate || hasType(st.planned, "NOTIFY_CUSTOMER") {
		return StateDraftComms, nil
	}
	return StateExecute, nil
}

func hasType(planned []plannedAction, actionType string) bool {
	for _, p := range planned {
		if p.Type == actionType {
			return true
		}
	}
	return false
}

// handleDraftComms fills notification payloads for customer and ops actions.
func (o *Orchestrator) handleDraftComms(ctx context.Context, st *runState) (string, error) {
	for i := range st.planned {
		switch st.planned[i].Type {
		case "NOTIFY_CUSTOMER", "ESCALATE_OPS":
			if st.planned[i].Args == nil {
				st.planned[i].Args = map[string]any{}
			}
			st.planned[i].Args["message"] = fmt.Sprintf(
				"Gateway %s posture %s: risk %s. %s",
				st.icao, st.assessment.RecommendedPosture, st.assessment.RiskLevel, st.assessment.Rationale)
		}
	}
	o.progress(st, StateDraftComms, "communications drafted")
	return StateExecute, nil
}

// handleExecute proposes each planned action through governance and runs the
// approved ones. A BLOCK verdict skips execution entirely.
func (o *Orchestrator) handleExecute(ctx context.Context, st *runState) (string, error) {
	if st.policyResult.Verdict == policy.VerdictBlock {
		st.blocked = true
		st.blockedReason = "policy verdict BLOCK"
		o.trace(ctx, st, models.TraceBlocked, StateExecute, map[string]any{
			"citations": st.policyResult.Citations,
		})
		o.progress(st, StateExecute, "execution skipped, policy BLOCK")
		return StateComplete, nil
	}

	approvalVerdict := st.policyResult.Verdict == policy.VerdictRequireApproval

	for _, p := range st.planned {
		if blocked, err := o.bookingGuardrail(ctx, st, p); err != nil {
			return "", err
		} else if blocked {
			continue
		}
		// A REQUIRE_APPROVAL verdict tightens approval on actions that carry
		// risk of their own; routine LOW-risk bookkeeping still auto-approves.
		action, err := o.Governor.Propose(ctx, st.caseRow.ID, p.Type, p.Args, approvalVerdict && p.Risk != models.RiskLow)
		if err != nil {
			return "", err
		}
		action, err = o.Governor.SubmitForApproval(ctx, action.ID)
		if err != nil {
			return "", err
		}
		st.proposed = append(st.proposed, action)
		if action.State != models.ActionApproved {
			continue // waits for an approver; the case cannot auto-resolve yet
		}
		outcome, err := o.Governor.Execute(ctx, action.ID)
		if err != nil {
			return "", err
		}
		action.State = models.ActionCompleted
		if !outcome.Success {
			action.State = models.ActionFailed
		}
		st.executed = append(st.executed, models.PacketActionResult{Action: action, Outcome: &outcome})
		o.afterExecute(ctx, st, action, outcome)
	}
	o.progress(st, StateExecute, fmt.Sprintf("%d actions executed", len(st.executed)))
	return StateComplete, nil
}

// afterExecute applies the side effects of a completed action: posture writes
// and outbound notifications.
func (o *Orchestrator) afterExecute(ctx context.Context, st *runState, action models.Action, outcome models.Outcome) {
	if action.Type == "SET_POSTURE" && outcome.Success {
		posture := st.assessment.RecommendedPosture
		if posture == "" {
			posture = models.PostureHold
		}
		if err := o.Cases.SetPosture(ctx, st.caseRow.ID, posture); err == nil {
			prior := st.posture
			st.posture = posture
			st.postureAt = time.Now().UTC()
			if o.Metrics != nil {
				o.Metrics.CountPosture(posture)
				if !st.firstSignalAt.IsZero() {
					o.Metrics.ObservePDL(st.postureAt.Sub(st.firstSignalAt))
				}
			}
			if o.Dispatcher != nil && prior != posture {
				o.Dispatcher.Dispatch(ctx, webhooks.EventPostureChange, action.ID.String(), map[string]any{
					"case_id": st.caseRow.ID.String(),
					"airport": st.icao,
					"from":    prior,
					"to":      posture,
				})
			}
		}
	}
	if o.Dispatcher != nil {
		o.Dispatcher.Dispatch(ctx, webhooks.EventActionExecuted, action.ID.String(), map[string]any{
			"case_id":     st.caseRow.ID.String(),
			"action_type": action.Type,
			"success":     outcome.Success,
		})
	}
}

// handleComplete settles final case status. Auto-resolution: every action
// terminal and no open BLOCKING missing evidence.
func (o *Orchestrator) handleComplete(ctx context.Context, st *runState) (string, error) {
	if err := o.evidenceGuardrail(ctx, st); err != nil {
		return "", err
	}
	o.nonWorkflowGuardrail(ctx, st)

	blocking, err := o.Missing.HasOpenBlocking(ctx, st.caseRow.ID)
	if err != nil {
		return "", err
	}
	allTerminal, err := o.Governor.AllTerminal(ctx, st.caseRow.ID)
	if err != nil {
		return "", err
	}

	status := models.CaseOpen
	switch {
	case st.blocked || blocking:
		status = models.CaseBlocked
	case allTerminal:
		status = models.CaseResolved
	}
	if err := o.Cases.SetStatus(ctx, st.caseRow.ID, status); err != nil {
		return "", err
	}
	st.caseRow.Status = status
	if o.Metrics != nil {
		o.Metrics.CountCaseStatus(status)
	}
	if st.postureAt.IsZero() {
		st.postureAt = time.Now().UTC()
	}
	o.progress(st, StateComplete, "case "+status)
	return "", nil
}

func confidenceFrom(b models.ConfidenceBreakdown) float64 {
	c := 1.0
	for _, p := range b.Penalties {
		c -= p
	}
	if c < 0.1 {
		c = 0.1
	}
	return c
}
