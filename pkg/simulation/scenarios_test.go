package simulation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"aerogate/pkg/signals"
)

func TestCatalogParses(t *testing.T) {
	scenarios, err := Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(scenarios) < 4 {
		t.Fatalf("expected at least 4 canned scenarios, got %d", len(scenarios))
	}
	ids := map[string]bool{}
	for _, s := range scenarios {
		if s.ID == "" || s.Airport == "" {
			t.Fatalf("scenario missing id or airport: %+v", s)
		}
		if ids[s.ID] {
			t.Fatalf("duplicate scenario id %s", s.ID)
		}
		ids[s.ID] = true
	}
	for _, want := range []string{"jfk-ground-stop", "sea-contradiction", "dfw-adsb-timeout", "lax-clear"} {
		if !ids[want] {
			t.Fatalf("expected scenario %s in catalog", want)
		}
	}
}

func TestFindUnknownScenario(t *testing.T) {
	if _, err := Find("no-such-scenario"); err == nil {
		t.Fatal("expected error for unknown scenario")
	}
}

func TestSourceServesCannedPayloads(t *testing.T) {
	scenario, err := Find("jfk-ground-stop")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	src := &Source{Scenario: scenario, Now: func() time.Time { return now }}

	raw, err := src.Fetch(context.Background(), signals.SourceFAANAS, "KJFK")
	if err != nil {
		t.Fatalf("fetch faa: %v", err)
	}
	var status signals.FAAStatus
	if err := json.Unmarshal(raw.Payload, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.GroundStop {
		t.Fatal("scenario ground stop not reflected in payload")
	}

	raw, err = src.Fetch(context.Background(), signals.SourceADSB, "KJFK")
	if err != nil {
		t.Fatalf("fetch adsb: %v", err)
	}
	var snapshot signals.ADSBSnapshot
	if err := json.Unmarshal(raw.Payload, &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.AircraftCount != 32 || snapshot.Baseline != 110 {
		t.Fatalf("unexpected movement payload: %+v", snapshot)
	}
	if !snapshot.Collapsed() {
		t.Fatal("32 of 110 should collapse")
	}
}

func TestSourceFailSourceTimesOut(t *testing.T) {
	scenario, err := Find("dfw-adsb-timeout")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	src := &Source{Scenario: scenario}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.Fetch(ctx, signals.SourceADSB, "KDFW"); err == nil {
		t.Fatal("failed source must not return a payload")
	}
	if _, err := src.Fetch(context.Background(), signals.SourceMETAR, "KDFW"); err != nil {
		t.Fatalf("healthy source should serve: %v", err)
	}
}

func TestSourceDeterministicRef(t *testing.T) {
	scenario, _ := Find("lax-clear")
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	src := &Source{Scenario: scenario, Now: func() time.Time { return now }}
	a, _ := src.Fetch(context.Background(), signals.SourceMETAR, "KLAX")
	b, _ := src.Fetch(context.Background(), signals.SourceMETAR, "KLAX")
	if a.Ref != b.Ref || string(a.Payload) != string(b.Payload) {
		t.Fatal("pinned clock must give identical fetches")
	}
}
