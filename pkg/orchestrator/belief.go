package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"aerogate/pkg/models"
	"aerogate/pkg/signals"
)

// Evidence older than this counts as stale for the belief.
const staleEvidenceAge = 15 * time.Minute

// assembleBelief summarizes graph and missing-evidence state into the
// structured record the policy engine and the planner consume.
func (o *Orchestrator) assembleBelief(ctx context.Context, st *runState) (models.BeliefState, error) {
	belief := models.BeliefState{
		CaseID:          st.caseRow.ID,
		AirportICAO:     st.icao,
		ProposedPosture: st.posture,
		ServiceTier:     o.ServiceTier,
	}
	if o.HoursUntilDeadline > 0 {
		belief.HoursUntilDeadline = o.HoursUntilDeadline
	}

	sources := make([]string, 0, len(st.evidenceIDs))
	for source := range st.evidenceIDs {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	belief.EvidenceSources = sources
	belief.EvidenceCount = len(st.evidenceRows)
	belief.MinEvidenceCount = len(sources)

	now := time.Now().UTC()
	for _, row := range st.evidenceRows {
		if now.Sub(row.RetrievedAt) > staleEvidenceAge {
			belief.HasStaleEvidence = true
			break
		}
	}

	claims, err := o.Graph.ClaimsForNode(ctx, st.airport.ID)
	if err != nil {
		return belief, err
	}
	belief.ClaimCount = len(claims)

	contradictions, err := o.Graph.OpenContradictions(ctx, st.airport.ID)
	if err != nil {
		return belief, err
	}
	belief.ContradictionCount = len(contradictions)
	belief.HasContradictions = len(contradictions) > 0

	if st.payloads.METAR != nil {
		belief.HasWeather = true
		belief.FlightCategory = st.payloads.METAR.Category()
	}
	if st.payloads.FAA != nil {
		belief.FAADisrupted = st.payloads.FAA.Disrupted()
		belief.FAADisruptionKind = st.payloads.FAA.Kind()
	}
	if st.payloads.ADSB != nil {
		belief.MovementCollapsed = st.payloads.ADSB.Collapsed()
	}
	for _, a := range st.payloads.Alerts {
		belief.AlertSeverities = append(belief.AlertSeverities, a.Severity)
	}
	required := o.RequiredSources
	if len(required) == 0 {
		required = defaultRequiredSources()
	}
	for _, source := range required {
		if _, ok := st.evidenceIDs[source]; !ok {
			belief.MissingSources = append(belief.MissingSources, source)
		}
	}
	belief.UncertaintyCount = len(st.uncertainties)
	return belief, nil
}

func defaultRequiredSources() []string {
	return []string{
		signals.SourceFAANAS, signals.SourceMETAR, signals.SourceTAF,
		signals.SourceNWSAlerts, signals.SourceADSB,
	}
}

// Per-source confidence penalties applied when a source is missing.
var sourcePenalties = map[string]float64{
	signals.SourceFAANAS:    0.25,
	signals.SourceMETAR:     0.25,
	signals.SourceTAF:       0.10,
	signals.SourceNWSAlerts: 0.10,
	signals.SourceADSB:      0.05,
}

const assessorDegradedPenalty = 0.20

// confidenceBreakdown explains what the assessment rests on: which sources
// delivered, which did not, and what each absence cost.
func (o *Orchestrator) confidenceBreakdown(st *runState, degraded bool) models.ConfidenceBreakdown {
	required := o.RequiredSources
	if len(required) == 0 {
		required = defaultRequiredSources()
	}
	b := models.ConfidenceBreakdown{Penalties: map[string]float64{}}
	for _, source := range required {
		if _, ok := st.evidenceIDs[source]; ok {
			b.SourcesOK = append(b.SourcesOK, source)
		} else {
			b.SourcesMissing = append(b.SourcesMissing, source)
			b.Penalties[source] = sourcePenalties[source]
		}
	}
	sort.Strings(b.SourcesOK)
	sort.Strings(b.SourcesMissing)
	if degraded {
		b.Penalties["risk_assessor"] = assessorDegradedPenalty
	}

	parts := []string{fmt.Sprintf("%d/%d sources delivered", len(b.SourcesOK), len(required))}
	if len(b.SourcesMissing) > 0 {
		parts = append(parts, "missing: "+strings.Join(b.SourcesMissing, ", "))
	}
	if degraded {
		parts = append(parts, "risk assessor degraded")
	}
	b.Explanation = strings.Join(parts, "; ")
	return b
}
