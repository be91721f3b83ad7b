// Package playbooks mines resolved cases into retrievable action templates
// and scores them at retrieval with decay, policy alignment and a sample-size
// confidence ramp.
package playbooks

import (
	"math"
	"time"
)

// Domain half-lives in days. Weather patterns rot fast; customs/compliance
// playbooks stay valid until regulation changes.
var halfLives = map[string]float64{
	"weather":     30,
	"operational": 90,
	"customs":     180,
}

const defaultHalfLife = 90.0

// DecayFactor = 0.5^(age_days / half_life). The reference point is the more
// recent of created and last-used: a recently exercised playbook stays
// relevant regardless of age.
func DecayFactor(createdAt time.Time, lastUsedAt *time.Time, domain string, now time.Time) float64 {
	reference := createdAt
	if lastUsedAt != nil && lastUsedAt.After(reference) {
		reference = *lastUsedAt
	}
	ageDays := now.Sub(reference).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	halfLife, ok := halfLives[domain]
	if !ok {
		halfLife = defaultHalfLife
	}
	return math.Pow(0.5, ageDays/halfLife)
}

// PolicyAlignment is the Jaccard similarity of the snapshot hash sets.
// A legacy playbook with no snapshot gets 0.5, benefit of the doubt.
func PolicyAlignment(snapshot, current []string) float64 {
	if len(snapshot) == 0 && len(current) == 0 {
		return 1.0
	}
	if len(snapshot) == 0 {
		return 0.5
	}
	a := map[string]bool{}
	for _, h := range snapshot {
		a[h] = true
	}
	intersection := 0
	union := len(a)
	seen := map[string]bool{}
	for _, h := range current {
		if seen[h] {
			continue
		}
		seen[h] = true
		if a[h] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// SampleConfidence ramps with use count so a 1/1 playbook cannot outrank a
// 200/200 one: min(useCount/5, 1).
func SampleConfidence(useCount int) float64 {
	if useCount <= 0 {
		return 0
	}
	c := float64(useCount) / 5
	if c > 1 {
		return 1
	}
	return c
}

// Score is the retrieval relevance:
// success_rate x decay x policy_alignment x confidence, all in [0,1].
func Score(successRate, decay, alignment float64, useCount int) float64 {
	return successRate * decay * alignment * SampleConfidence(useCount)
}

// InferDomain classifies a playbook pattern for half-life selection.
func InferDomain(caseType string, evidenceSources []string) string {
	switch caseType {
	case "CUSTOMS", "IMPORT", "EXPORT":
		return "customs"
	}
	if len(evidenceSources) == 0 {
		return "operational"
	}
	weatherOnly := true
	for _, s := range evidenceSources {
		switch s {
		case "METAR", "TAF", "NWS_ALERTS":
		default:
			weatherOnly = false
		}
	}
	if weatherOnly {
		return "weather"
	}
	return "operational"
}
