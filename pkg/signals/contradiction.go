package signals

import (
	"encoding/json"
	"fmt"
	"time"

	"aerogate/pkg/models"
)

// Contradiction types. Detection runs after derivation over the latest edge
// per source and pairs the conflicting rows.
const (
	ContradictionFAAWeather      = "FAA_WEATHER_MISMATCH"
	ContradictionFAAMovement     = "FAA_MOVEMENT_MISMATCH"
	ContradictionWeatherMovement = "WEATHER_MOVEMENT_MISMATCH"
	ContradictionStaleFAA        = "STALE_FAA_DATA"
)

// FAA data older than this while other sources are fresh counts as stale.
const staleFAAAge = 15 * time.Minute

// DetectContradictions pairs conflicting signal edges for one airport. edges
// should be the latest edge per (type, source); now anchors staleness checks.
func DetectContradictions(edges []models.Edge, now time.Time) []models.Contradiction {
	var faa, weather, movement *models.Edge
	for i := range edges {
		switch edges[i].Type {
		case EdgeDisruptedBy:
			faa = &edges[i]
		case EdgeHasWeather:
			weather = &edges[i]
		case EdgeHasMovement:
			movement = &edges[i]
		}
	}

	out := []models.Contradiction{}

	if faa != nil && weather != nil {
		if c := checkFAAWeather(*faa, *weather, now); c != nil {
			out = append(out, *c)
		}
	}
	if faa != nil && movement != nil {
		if c := checkFAAMovement(*faa, *movement, now); c != nil {
			out = append(out, *c)
		}
	}
	if weather != nil && movement != nil {
		if c := checkWeatherMovement(*weather, *movement, now); c != nil {
			out = append(out, *c)
		}
	}
	if faa != nil {
		if c := checkStaleFAA(*faa, weather, movement, now); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func edgeAttrs(e models.Edge) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(e.Attrs, &m)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func attrBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func attrString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func attrFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func checkFAAWeather(faa, weather models.Edge, now time.Time) *models.Contradiction {
	fa, wa := edgeAttrs(faa), edgeAttrs(weather)
	faaNormal := !attrBool(fa, "has_disruption")
	cat := attrString(wa, "flight_category")
	weatherBad := cat == "IFR" || cat == "LIFR" || attrString(wa, "severity") == "HIGH"
	if !faaNormal || !weatherBad {
		return nil
	}
	attrs, _ := json.Marshal(map[string]any{
		"flight_category":  cat,
		"weather_severity": attrString(wa, "severity"),
	})
	return &models.Contradiction{
		ClaimA:           faa.ID,
		ClaimB:           weather.ID,
		Type:             ContradictionFAAWeather,
		Severity:         "HIGH",
		Explanation:      fmt.Sprintf("FAA reports normal operations but weather shows %s conditions", cat),
		DetectedAt:       now,
		ResolutionStatus: models.ContradictionOpen,
		Attrs:            attrs,
	}
}

func checkFAAMovement(faa, movement models.Edge, now time.Time) *models.Contradiction {
	fa, ma := edgeAttrs(faa), edgeAttrs(movement)
	if attrBool(fa, "has_disruption") || !attrBool(ma, "collapsed") {
		return nil
	}
	delta := attrFloat(ma, "delta_percent")
	attrs, _ := json.Marshal(map[string]any{
		"aircraft_count": attrFloat(ma, "aircraft_count"),
		"delta_percent":  delta,
	})
	return &models.Contradiction{
		ClaimA:           faa.ID,
		ClaimB:           movement.ID,
		Type:             ContradictionFAAMovement,
		Severity:         "HIGH",
		Explanation:      fmt.Sprintf("FAA reports normal operations but aircraft count is down %.0f%% from baseline", -delta),
		DetectedAt:       now,
		ResolutionStatus: models.ContradictionOpen,
		Attrs:            attrs,
	}
}

func checkWeatherMovement(weather, movement models.Edge, now time.Time) *models.Contradiction {
	wa, ma := edgeAttrs(weather), edgeAttrs(movement)
	weatherGood := attrString(wa, "flight_category") == "VFR" && attrString(wa, "severity") == "LOW"
	if !weatherGood || !attrBool(ma, "collapsed") {
		return nil
	}
	attrs, _ := json.Marshal(map[string]any{
		"flight_category": attrString(wa, "flight_category"),
		"aircraft_count":  attrFloat(ma, "aircraft_count"),
	})
	return &models.Contradiction{
		ClaimA:           weather.ID,
		ClaimB:           movement.ID,
		Type:             ContradictionWeatherMovement,
		Severity:         "MEDIUM",
		Explanation:      "Weather is VFR but aircraft movement has collapsed",
		DetectedAt:       now,
		ResolutionStatus: models.ContradictionOpen,
		Attrs:            attrs,
	}
}

func checkStaleFAA(faa models.Edge, weather, movement *models.Edge, now time.Time) *models.Contradiction {
	age := now.Sub(faa.IngestedAt)
	if age <= staleFAAAge {
		return nil
	}
	// Only a contradiction when another source is fresh, otherwise everything
	// is equally old and there is nothing to disagree with.
	fresh := (*models.Edge)(nil)
	if weather != nil && now.Sub(weather.IngestedAt) <= staleFAAAge {
		fresh = weather
	} else if movement != nil && now.Sub(movement.IngestedAt) <= staleFAAAge {
		fresh = movement
	}
	if fresh == nil {
		return nil
	}
	attrs, _ := json.Marshal(map[string]any{
		"faa_age_seconds": int(age.Seconds()),
		"fresh_source":    fresh.SourceSystem,
	})
	return &models.Contradiction{
		ClaimA:           faa.ID,
		ClaimB:           fresh.ID,
		Type:             ContradictionStaleFAA,
		Severity:         "MEDIUM",
		Explanation:      fmt.Sprintf("FAA data is %d minutes old while %s is fresh", int(age.Minutes()), fresh.SourceSystem),
		DetectedAt:       now,
		ResolutionStatus: models.ContradictionOpen,
		Attrs:            attrs,
	}
}
