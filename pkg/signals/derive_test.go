package signals

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"aerogate/pkg/models"
)

func payloadsForTest(now time.Time) (SourcePayloads, map[string]uuid.UUID) {
	expires := now.Add(12 * time.Hour)
	p := SourcePayloads{
		FAA: &FAAStatus{GroundStop: true, Delay: true, DelayType: "Ground Stop", Reason: "SNOW-ICE", RetrievedAt: now},
		METAR: &METAR{
			Station: "KJFK", VisibilityMiles: 0.25, CeilingFeet: 200,
			WindSpeedKt: 22, WindGustKt: 38, Weather: "+SN BLSN", ObservationTime: now,
		},
		TAF: &TAF{Station: "KJFK", ValidFrom: now, ValidTo: now.Add(24 * time.Hour), IssuedAt: now},
		Alerts: []NWSAlert{
			{Event: "Winter Storm Warning", Severity: "Severe", Certainty: "Observed", Effective: now, Expires: &expires},
			{Event: "Special Weather Statement", Severity: "Minor", Certainty: "Likely", Effective: now},
		},
		ADSB: &ADSBSnapshot{AircraftCount: 32, Baseline: 110, RetrievedAt: now},
	}
	ids := map[string]uuid.UUID{}
	for _, s := range []string{SourceFAANAS, SourceMETAR, SourceTAF, SourceNWSAlerts, SourceADSB} {
		ids[s] = uuid.New()
	}
	return p, ids
}

func TestDeriveFullTable(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	payloads, ids := payloadsForTest(now)
	sigs := Derive("KJFK", payloads, ids)

	byType := map[string][]DerivedSignal{}
	for _, s := range sigs {
		byType[s.EdgeType] = append(byType[s.EdgeType], s)
	}

	if len(byType[EdgeDisruptedBy]) != 1 {
		t.Fatalf("expected one DISRUPTED_BY edge, got %d", len(byType[EdgeDisruptedBy]))
	}
	faa := byType[EdgeDisruptedBy][0]
	if faa.Attrs["kind"] != "GROUND_STOP" {
		t.Fatalf("expected GROUND_STOP kind, got %v", faa.Attrs["kind"])
	}
	if len(faa.EvidenceIDs) != 1 || faa.EvidenceIDs[0] != ids[SourceFAANAS] {
		t.Fatal("FAA edge must bind the FAA evidence row")
	}

	weather := byType[EdgeHasWeather]
	if len(weather) != 1 {
		t.Fatalf("expected one HAS_WEATHER edge, got %d", len(weather))
	}
	if weather[0].ClaimText == "" || weather[0].ClaimStatus != models.StatusFact {
		t.Fatal("LIFR conditions must produce a WeatherRisk FACT claim")
	}

	taf := byType[EdgeHasForecast]
	if len(taf) != 1 {
		t.Fatalf("expected one HAS_FORECAST edge, got %d", len(taf))
	}
	if taf[0].ValidFrom == nil || taf[0].ValidTo == nil {
		t.Fatal("forecast edge validity must be the forecast window")
	}

	alerts := byType[EdgeHasAlert]
	if len(alerts) != 2 {
		t.Fatalf("expected two HAS_ALERT edges, got %d", len(alerts))
	}
	statuses := map[string]string{}
	for _, a := range alerts {
		statuses[a.Attrs["event"].(string)] = a.Status
	}
	if statuses["Winter Storm Warning"] != models.StatusFact {
		t.Fatal("Severe alert edge should be FACT")
	}
	if statuses["Special Weather Statement"] != models.StatusDraft {
		t.Fatal("Minor alert edge should stay DRAFT")
	}

	movement := byType[EdgeHasMovement]
	if len(movement) != 1 {
		t.Fatalf("expected one HAS_MOVEMENT edge, got %d", len(movement))
	}
	if movement[0].ClaimText == "" {
		t.Fatal("collapsed movement must produce a MovementCollapse claim")
	}
}

func TestDeriveSkipsSourcesWithoutEvidence(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	payloads, ids := payloadsForTest(now)
	delete(ids, SourceADSB)
	sigs := Derive("KJFK", payloads, ids)
	for _, s := range sigs {
		if s.EdgeType == EdgeHasMovement {
			t.Fatal("no movement edge may exist without its evidence row")
		}
	}
}

func TestDeriveNoCollapseClaimAtBoundary(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	payloads, ids := payloadsForTest(now)
	payloads.ADSB = &ADSBSnapshot{AircraftCount: 55, Baseline: 110, RetrievedAt: now}
	sigs := Derive("KJFK", payloads, ids)
	for _, s := range sigs {
		if s.EdgeType == EdgeHasMovement && s.ClaimText != "" {
			t.Fatal("count at exactly half baseline must not claim collapse")
		}
	}
}
