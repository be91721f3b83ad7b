package graph

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"aerogate/pkg/models"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tp(s string) *time.Time {
	t := ts(s)
	return &t
}

func TestEdgeVisibleAtBitemporalWindow(t *testing.T) {
	e := models.Edge{
		ID:             uuid.New(),
		Status:         models.StatusFact,
		EventTimeStart: tp("2026-02-01T10:00:00Z"),
		EventTimeEnd:   tp("2026-02-01T14:00:00Z"),
		IngestedAt:     ts("2026-02-01T10:05:00Z"),
	}
	cases := []struct {
		name    string
		event   string
		ingest  string
		visible bool
	}{
		{"inside both windows", "2026-02-01T12:00:00Z", "2026-02-01T11:00:00Z", true},
		{"event before start", "2026-02-01T09:00:00Z", "2026-02-01T11:00:00Z", false},
		{"event at end is excluded", "2026-02-01T14:00:00Z", "2026-02-01T15:00:00Z", false},
		{"event at start is included", "2026-02-01T10:00:00Z", "2026-02-01T11:00:00Z", true},
		{"not yet ingested", "2026-02-01T12:00:00Z", "2026-02-01T10:00:00Z", false},
		{"ingested exactly then", "2026-02-01T12:00:00Z", "2026-02-01T10:05:00Z", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EdgeVisibleAt(e, ts(tc.event), ts(tc.ingest), nil)
			if got != tc.visible {
				t.Fatalf("expected visible=%v", tc.visible)
			}
		})
	}
}

func TestEdgeVisibleAtRetracted(t *testing.T) {
	e := models.Edge{
		ID:         uuid.New(),
		Status:     models.StatusRetracted,
		IngestedAt: ts("2026-02-01T10:00:00Z"),
	}
	if EdgeVisibleAt(e, ts("2026-02-01T12:00:00Z"), ts("2026-02-01T12:00:00Z"), nil) {
		t.Fatal("retracted edge must not be visible")
	}
}

// Replay soundness: the corrective row appears only once its ingest time is
// inside the query window, and the superseded row disappears at the same
// moment.
func TestClaimSupersessionReplay(t *testing.T) {
	t1 := ts("2026-02-01T10:00:00Z")
	t2 := ts("2026-02-01T11:00:00Z")
	original := models.Claim{
		ID:             uuid.New(),
		Status:         models.StatusFact,
		EventTimeStart: &t1,
		IngestedAt:     t1,
	}
	corrective := models.Claim{
		ID:             uuid.New(),
		Status:         models.StatusFact,
		EventTimeStart: &t1,
		IngestedAt:     t2,
		Supersedes:     &original.ID,
	}
	claims := []models.Claim{original, corrective}

	supersededAtT1 := SupersededSet(claims,
		func(c models.Claim) time.Time { return c.IngestedAt },
		func(c models.Claim) string {
			if c.Supersedes == nil {
				return ""
			}
			return c.Supersedes.String()
		}, t1)
	if supersededAtT1[original.ID.String()] {
		t.Fatal("original must still be visible before the corrective ingestion")
	}
	if !ClaimVisibleAt(original, t1, t1, supersededAtT1) {
		t.Fatal("original should be visible as of t1/t1")
	}
	if ClaimVisibleAt(corrective, t1, t1, supersededAtT1) {
		t.Fatal("corrective must be invisible before its ingestion")
	}

	supersededAtT2 := SupersededSet(claims,
		func(c models.Claim) time.Time { return c.IngestedAt },
		func(c models.Claim) string {
			if c.Supersedes == nil {
				return ""
			}
			return c.Supersedes.String()
		}, t2)
	if !supersededAtT2[original.ID.String()] {
		t.Fatal("original must be superseded at t2")
	}
	if ClaimVisibleAt(original, t1, t2, supersededAtT2) {
		t.Fatal("superseded original must not be visible at t2")
	}
	if !ClaimVisibleAt(corrective, t1, t2, supersededAtT2) {
		t.Fatal("corrective must be visible at t2")
	}
}
