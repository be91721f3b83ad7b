package playbooks

import (
	"math"
	"testing"
	"time"
)

func TestDecayFactorAtHalfLife(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	created := now.AddDate(0, 0, -30)
	if got := DecayFactor(created, nil, "weather", now); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("weather playbook at 30 days must decay to exactly 0.5, got %v", got)
	}
	created = now.AddDate(0, 0, -90)
	if got := DecayFactor(created, nil, "operational", now); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("operational playbook at 90 days must decay to 0.5, got %v", got)
	}
	created = now.AddDate(0, 0, -180)
	if got := DecayFactor(created, nil, "customs", now); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("customs playbook at 180 days must decay to 0.5, got %v", got)
	}
}

func TestDecayUsesMostRecentUse(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	created := now.AddDate(0, 0, -300)
	lastUsed := now.AddDate(0, 0, -1)
	fresh := DecayFactor(created, &lastUsed, "weather", now)
	stale := DecayFactor(created, nil, "weather", now)
	if fresh <= stale {
		t.Fatal("a recently used playbook must decay less than an unused one")
	}
	if fresh < 0.9 {
		t.Fatalf("one day old use should be near 1.0, got %v", fresh)
	}
}

func TestPolicyAlignmentJaccard(t *testing.T) {
	a := []string{"aaa", "bbb", "ccc"}
	if got := PolicyAlignment(a, a); got != 1.0 {
		t.Fatalf("identical snapshots should align 1.0, got %v", got)
	}
	if got := PolicyAlignment(a, []string{"aaa", "bbb", "ddd"}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("2 shared of 4 total should be 0.5, got %v", got)
	}
	if got := PolicyAlignment(a, []string{"xxx"}); got != 0 {
		t.Fatalf("disjoint snapshots should align 0, got %v", got)
	}
	if got := PolicyAlignment(nil, a); got != 0.5 {
		t.Fatalf("legacy playbook without snapshot gets 0.5, got %v", got)
	}
	if got := PolicyAlignment(nil, nil); got != 1.0 {
		t.Fatalf("both empty means aligned, got %v", got)
	}
}

func TestSampleConfidenceRamp(t *testing.T) {
	if got := SampleConfidence(0); got != 0 {
		t.Fatalf("zero uses means zero confidence, got %v", got)
	}
	if got := SampleConfidence(1); math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("one use should be 0.2, got %v", got)
	}
	if got := SampleConfidence(5); got != 1.0 {
		t.Fatalf("five uses should saturate, got %v", got)
	}
	if got := SampleConfidence(200); got != 1.0 {
		t.Fatalf("confidence is capped at 1, got %v", got)
	}
}

func TestScoreComposition(t *testing.T) {
	got := Score(0.8, 0.5, 0.5, 5)
	if math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("0.8*0.5*0.5*1.0 should be 0.2, got %v", got)
	}
}

func TestInferDomain(t *testing.T) {
	if got := InferDomain("CUSTOMS", nil); got != "customs" {
		t.Fatalf("expected customs, got %s", got)
	}
	if got := InferDomain("AIRPORT_DISRUPTION", []string{"METAR", "TAF"}); got != "weather" {
		t.Fatalf("weather-only sources should infer weather, got %s", got)
	}
	if got := InferDomain("AIRPORT_DISRUPTION", []string{"METAR", "FAA_NAS"}); got != "operational" {
		t.Fatalf("mixed sources should infer operational, got %s", got)
	}
	if got := InferDomain("AIRPORT_DISRUPTION", nil); got != "operational" {
		t.Fatalf("no sources should default operational, got %s", got)
	}
}
