// Package risk provides the RiskAssessor implementations the gateway wires:
// an HTTP client for an external model provider, and a deterministic
// heuristic used when no provider is configured and in simulation runs.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aerogate/pkg/httpx"
	"aerogate/pkg/models"
)

// HeuristicAssessor grades the belief with a fixed severity score. Pure, so
// identical beliefs always produce identical assessments.
type HeuristicAssessor struct{}

func (HeuristicAssessor) Assess(ctx context.Context, belief models.BeliefState) (models.RiskAssessment, error) {
	score := 0
	rationaleParts := []string{}

	switch belief.FAADisruptionKind {
	case "GROUND_STOP", "CLOSURE":
		score += 4
		rationaleParts = append(rationaleParts, "FAA "+belief.FAADisruptionKind)
	case "DELAY":
		score += 3
		rationaleParts = append(rationaleParts, "FAA delay program")
	}
	switch belief.FlightCategory {
	case "LIFR":
		score += 3
		rationaleParts = append(rationaleParts, "LIFR conditions")
	case "IFR":
		score += 2
		rationaleParts = append(rationaleParts, "IFR conditions")
	case "MVFR":
		score++
	}
	for _, sev := range belief.AlertSeverities {
		if sev == "Severe" || sev == "Extreme" {
			score += 2
			rationaleParts = append(rationaleParts, sev+" weather alert")
			break
		}
	}
	if belief.MovementCollapsed {
		score += 2
		rationaleParts = append(rationaleParts, "aircraft movement collapse")
	}
	score += belief.ContradictionCount

	level := models.RiskLow
	switch {
	case score >= 12:
		level = models.RiskCritical
	case score >= 8:
		level = models.RiskHigh
	case score >= 3:
		level = models.RiskMedium
	}

	posture := models.PostureAccept
	switch level {
	case models.RiskCritical:
		posture = models.PostureEscalate
	case models.RiskHigh:
		posture = models.PostureHold
	case models.RiskMedium:
		posture = models.PostureRestrict
	default:
		// Normal signals with gaps in coverage still restrict: absence of a
		// source is not evidence of normal operations.
		if len(belief.MissingSources) > 0 {
			posture = models.PostureRestrict
		}
	}

	rationale := "no adverse signals"
	if len(rationaleParts) > 0 {
		rationale = ""
		for i, p := range rationaleParts {
			if i > 0 {
				rationale += "; "
			}
			rationale += p
		}
	} else if posture == models.PostureRestrict {
		rationale = "signals normal but source coverage incomplete"
	}

	return models.RiskAssessment{
		RiskLevel:          level,
		RecommendedPosture: posture,
		Rationale:          rationale,
	}, nil
}

// HTTPAssessor posts the belief to an external provider endpoint and expects
// a RiskAssessment back. Transport errors and 5xx are retried once; anything
// unparseable is an error the orchestrator degrades on.
type HTTPAssessor struct {
	Client     *http.Client
	URL        string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (a *HTTPAssessor) Assess(ctx context.Context, belief models.BeliefState) (models.RiskAssessment, error) {
	body, err := json.Marshal(belief)
	if err != nil {
		return models.RiskAssessment{}, err
	}
	headers := map[string]string{}
	if a.AuthHeader != "" && a.AuthToken != "" {
		headers[a.AuthHeader] = a.AuthToken
	}
	retries := a.Retries
	if retries <= 0 {
		retries = 1
	}
	retryDelay := a.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}
	status, respBody, err := httpx.RequestJSON(ctx, a.Client, http.MethodPost, a.URL, body, headers, retries, retryDelay)
	if err != nil {
		return models.RiskAssessment{}, err
	}
	if status != http.StatusOK {
		return models.RiskAssessment{}, fmt.Errorf("risk assessor returned %d", status)
	}
	var out models.RiskAssessment
	if err := json.Unmarshal(respBody, &out); err != nil {
		return models.RiskAssessment{}, fmt.Errorf("risk assessor payload: %w", err)
	}
	if out.RiskLevel == "" || out.RecommendedPosture == "" {
		return models.RiskAssessment{}, fmt.Errorf("risk assessor payload incomplete")
	}
	return out, nil
}
