package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"aerogate/pkg/graph"
	"aerogate/pkg/models"
)

// DerivedSignal is one edge (plus optional claim) extracted from evidence.
// Every signal carries the exact evidence rows that supplied its attributes.
type DerivedSignal struct {
	EdgeType       string
	DstNodeType    string
	DstIdentifier  string
	Attrs          map[string]any
	Status         string
	Confidence     float64
	SourceSystem   string
	EvidenceIDs    []uuid.UUID
	EventTimeStart *time.Time
	EventTimeEnd   *time.Time
	ValidFrom      *time.Time
	ValidTo        *time.Time
	ClaimText      string
	ClaimStatus    string
}

// Derive applies the fixed derivation table to one airport's decoded payloads.
// evidenceIDs maps source tag to the evidence row that carried the payload. A
// source with no evidence row produces nothing; its absence is accounted as a
// MissingEvidenceRequest by the caller, never as a guessed edge.
func Derive(icao string, payloads SourcePayloads, evidenceIDs map[string]uuid.UUID) []DerivedSignal {
	out := []DerivedSignal{}

	if payloads.FAA != nil {
		if id, ok := evidenceIDs[SourceFAANAS]; ok {
			f := payloads.FAA
			start := f.RetrievedAt
			sig := DerivedSignal{
				EdgeType:      EdgeDisruptedBy,
				DstNodeType:   "CONDITION",
				DstIdentifier: icao + "/" + f.Kind(),
				Attrs: map[string]any{
					"kind":              f.Kind(),
					"ground_stop":       f.GroundStop,
					"delay":             f.Delay,
					"delay_type":        f.DelayType,
					"avg_delay_minutes": f.AvgDelayMinutes,
					"closure":           f.Closure,
					"reason":            f.Reason,
					"status":            disruptionStatus(f.Disrupted()),
					"has_disruption":    f.Disrupted(),
				},
				Status:         models.StatusFact,
				Confidence:     0.95,
				SourceSystem:   SourceFAANAS,
				EvidenceIDs:    []uuid.UUID{id},
				EventTimeStart: &start,
				EventTimeEnd:   f.EndTime,
			}
			out = append(out, sig)
		}
	}

	if payloads.METAR != nil {
		if id, ok := evidenceIDs[SourceMETAR]; ok {
			m := payloads.METAR
			cat := m.Category()
			start := m.ObservationTime
			sig := DerivedSignal{
				EdgeType:      EdgeHasWeather,
				DstNodeType:   "WEATHER_OBSERVATION",
				DstIdentifier: icao + "/" + m.ObservationTime.UTC().Format(time.RFC3339),
				Attrs: map[string]any{
					"flight_category":  cat,
					"visibility_miles": m.VisibilityMiles,
					"ceiling_feet":     m.CeilingFeet,
					"wind_speed_kt":    m.WindSpeedKt,
					"wind_gust_kt":     m.WindGustKt,
					"weather":          m.Weather,
					"severity":         WeatherSeverity(*m),
					"raw_metar":        m.RawText,
				},
				Status:         models.StatusFact,
				Confidence:     0.90,
				SourceSystem:   SourceMETAR,
				EvidenceIDs:    []uuid.UUID{id},
				EventTimeStart: &start,
			}
			if cat == "IFR" || cat == "LIFR" {
				sig.ClaimText = fmt.Sprintf("WeatherRisk: %s reporting %s (visibility %.1f mi, ceiling %d ft)",
					icao, cat, m.VisibilityMiles, m.CeilingFeet)
				sig.ClaimStatus = models.StatusFact
			}
			out = append(out, sig)
		}
	}

	if payloads.TAF != nil {
		if id, ok := evidenceIDs[SourceTAF]; ok {
			t := payloads.TAF
			// Validity is the forecast window, half-open.
			from, to := t.ValidFrom, t.ValidTo
			sig := DerivedSignal{
				EdgeType:      EdgeHasForecast,
				DstNodeType:   "WEATHER_FORECAST",
				DstIdentifier: icao + "/" + t.ValidFrom.UTC().Format(time.RFC3339),
				Attrs: map[string]any{
					"valid_from": t.ValidFrom.UTC().Format(time.RFC3339),
					"valid_to":   t.ValidTo.UTC().Format(time.RFC3339),
					"raw_taf":    t.RawText,
				},
				Status:         models.StatusFact,
				Confidence:     0.85,
				SourceSystem:   SourceTAF,
				EvidenceIDs:    []uuid.UUID{id},
				EventTimeStart: &from,
				EventTimeEnd:   &to,
				ValidFrom:      &from,
				ValidTo:        &to,
			}
			out = append(out, sig)
		}
	}

	if id, ok := evidenceIDs[SourceNWSAlerts]; ok {
		for _, a := range payloads.Alerts {
			status := models.StatusDraft
			if a.Severity == "Severe" || a.Severity == "Extreme" {
				status = models.StatusFact
			}
			start := a.Effective
			sig := DerivedSignal{
				EdgeType:      EdgeHasAlert,
				DstNodeType:   "ALERT",
				DstIdentifier: icao + "/" + a.Event,
				Attrs: map[string]any{
					"event":     a.Event,
					"severity":  a.Severity,
					"certainty": a.Certainty,
					"urgency":   a.Urgency,
					"headline":  a.Headline,
				},
				Status:         status,
				Confidence:     0.85,
				SourceSystem:   SourceNWSAlerts,
				EvidenceIDs:    []uuid.UUID{id},
				EventTimeStart: &start,
				EventTimeEnd:   a.Expires,
			}
			out = append(out, sig)
		}
	}

	if payloads.ADSB != nil {
		if id, ok := evidenceIDs[SourceADSB]; ok {
			a := payloads.ADSB
			start := a.RetrievedAt
			sig := DerivedSignal{
				EdgeType:      EdgeHasMovement,
				DstNodeType:   "MOVEMENT_SNAPSHOT",
				DstIdentifier: icao + "/" + a.RetrievedAt.UTC().Format(time.RFC3339),
				Attrs: map[string]any{
					"aircraft_count": a.AircraftCount,
					"baseline":       a.Baseline,
					"delta_percent":  a.DeltaPercent(),
					"collapsed":      a.Collapsed(),
				},
				Status:         models.StatusFact,
				Confidence:     0.70,
				SourceSystem:   SourceADSB,
				EvidenceIDs:    []uuid.UUID{id},
				EventTimeStart: &start,
			}
			if a.Collapsed() {
				sig.ClaimText = fmt.Sprintf("MovementCollapse: %s showing %d aircraft against baseline %d (%.0f%%)",
					icao, a.AircraftCount, a.Baseline, a.DeltaPercent())
				sig.ClaimStatus = models.StatusFact
			}
			out = append(out, sig)
		}
	}

	return out
}

// priorClaim finds the latest claim of the same kind (text prefix up to the
// colon) so the corrective claim can chain onto it.
func priorClaim(ctx context.Context, store GraphWriter, nodeID uuid.UUID, text string) (*uuid.UUID, error) {
	prefix := text
	if i := strings.IndexByte(text, ':'); i > 0 {
		prefix = text[:i]
	}
	claims, err := store.ClaimsForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	var latest *models.Claim
	for i := range claims {
		c := &claims[i]
		if c.Status == models.StatusRetracted {
			continue
		}
		cp := c.Text
		if j := strings.IndexByte(c.Text, ':'); j > 0 {
			cp = c.Text[:j]
		}
		if cp != prefix {
			continue
		}
		if latest == nil || c.IngestedAt.After(latest.IngestedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	id := latest.ID
	return &id, nil
}

func disruptionStatus(disrupted bool) string {
	if disrupted {
		return "DISRUPTED"
	}
	return "NORMAL"
}

// PersistResult reports what one derivation round wrote.
type PersistResult struct {
	EdgeIDs  []uuid.UUID
	ClaimIDs []uuid.UUID
}

// GraphWriter is the slice of the graph store derivation writes through.
type GraphWriter interface {
	GetOrCreateNode(ctx context.Context, nodeType, identifier string) (models.Node, error)
	CreateEdge(ctx context.Context, in graph.EdgeInput) (models.Edge, error)
	CreateClaim(ctx context.Context, in graph.ClaimInput) (models.Claim, error)
	PromoteClaimToFact(ctx context.Context, claimID uuid.UUID) error
	ClaimsForNode(ctx context.Context, nodeID uuid.UUID) ([]models.Claim, error)
}

// Persist writes derived signals as edges bound to their evidence, promoting
// to the signal's target status, and records companion claims with the same
// bindings via the claim promotion protocol.
func Persist(ctx context.Context, store GraphWriter, airport models.Node, sigs []DerivedSignal) (PersistResult, error) {
	var res PersistResult
	for _, sig := range sigs {
		dst, err := store.GetOrCreateNode(ctx, sig.DstNodeType, sig.DstIdentifier)
		if err != nil {
			return res, err
		}
		status := sig.Status
		edge, err := store.CreateEdge(ctx, graph.EdgeInput{
			Src:            airport.ID,
			Dst:            dst.ID,
			Type:           sig.EdgeType,
			Attrs:          sig.Attrs,
			Status:         status,
			SourceSystem:   sig.SourceSystem,
			Confidence:     sig.Confidence,
			EventTimeStart: sig.EventTimeStart,
			EventTimeEnd:   sig.EventTimeEnd,
			ValidFrom:      sig.ValidFrom,
			ValidTo:        sig.ValidTo,
			EvidenceIDs:    sig.EvidenceIDs,
		})
		if err != nil {
			return res, err
		}
		res.EdgeIDs = append(res.EdgeIDs, edge.ID)

		if sig.ClaimText != "" {
			// A newer observation of the same kind supersedes the prior
			// claim; the chain keeps as-of reads before the correction intact.
			supersedes, err := priorClaim(ctx, store, airport.ID, sig.ClaimText)
			if err != nil {
				return res, err
			}
			claim, err := store.CreateClaim(ctx, graph.ClaimInput{
				SubjectNodeID:  airport.ID,
				Text:           sig.ClaimText,
				Status:         models.StatusDraft,
				Confidence:     sig.Confidence,
				EventTimeStart: sig.EventTimeStart,
				EventTimeEnd:   sig.EventTimeEnd,
				Supersedes:     supersedes,
				EvidenceIDs:    sig.EvidenceIDs,
			})
			if err != nil {
				return res, err
			}
			if sig.ClaimStatus == models.StatusFact {
				if err := store.PromoteClaimToFact(ctx, claim.ID); err != nil {
					return res, err
				}
			}
			res.ClaimIDs = append(res.ClaimIDs, claim.ID)
		}
	}
	return res, nil
}
