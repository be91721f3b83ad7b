// Package simulation is the canned-scenario harness: a deterministic
// SignalSource fed from a YAML catalog, plus graph seeding for cascade
// fixtures. It replaces the live source clients without touching the
// orchestrator.
package simulation

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aerogate/pkg/ingest"
	"aerogate/pkg/signals"
)

//go:embed scenarios.yaml
var scenariosYAML []byte

// Scenario is one canned disruption picture for an airport.
type Scenario struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Airport     string   `yaml:"airport" json:"airport"`
	FailSources []string `yaml:"fail_sources" json:"fail_sources,omitempty"`

	FAA *struct {
		GroundStop bool   `yaml:"ground_stop" json:"ground_stop"`
		Delay      bool   `yaml:"delay" json:"delay"`
		DelayType  string `yaml:"delay_type" json:"delay_type,omitempty"`
		Closure    bool   `yaml:"closure" json:"closure"`
		Reason     string `yaml:"reason" json:"reason,omitempty"`
	} `yaml:"faa" json:"faa,omitempty"`

	Metar *struct {
		FlightCategory  string  `yaml:"flight_category" json:"flight_category"`
		VisibilityMiles float64 `yaml:"visibility_miles" json:"visibility_miles"`
		CeilingFeet     int     `yaml:"ceiling_feet" json:"ceiling_feet"`
		WindSpeedKt     int     `yaml:"wind_speed_kt" json:"wind_speed_kt"`
		WindGustKt      int     `yaml:"wind_gust_kt" json:"wind_gust_kt"`
		Weather         string  `yaml:"weather" json:"weather,omitempty"`
	} `yaml:"metar" json:"metar,omitempty"`

	TAFHours int `yaml:"taf_hours" json:"taf_hours,omitempty"`

	Alerts []struct {
		Event     string `yaml:"event" json:"event"`
		Severity  string `yaml:"severity" json:"severity"`
		Certainty string `yaml:"certainty" json:"certainty"`
		Headline  string `yaml:"headline" json:"headline,omitempty"`
		Hours     int    `yaml:"hours" json:"hours,omitempty"`
	} `yaml:"alerts" json:"alerts,omitempty"`

	ADSB *struct {
		AircraftCount int `yaml:"aircraft_count" json:"aircraft_count"`
		Baseline      int `yaml:"baseline" json:"baseline"`
	} `yaml:"adsb" json:"adsb,omitempty"`
}

// Catalog loads the embedded scenario list.
func Catalog() ([]Scenario, error) {
	var doc struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(scenariosYAML, &doc); err != nil {
		return nil, fmt.Errorf("scenario catalog: %w", err)
	}
	return doc.Scenarios, nil
}

// Find returns the scenario with the given id.
func Find(id string) (Scenario, error) {
	scenarios, err := Catalog()
	if err != nil {
		return Scenario{}, err
	}
	for _, s := range scenarios {
		if s.ID == id {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("scenario %q not found", id)
}

// CatalogSource serves whichever scenario matches the requested airport,
// falling back to a benign picture for unknown fields. Backs SCENARIO_MODE,
// where the gateway runs with no live source clients at all.
type CatalogSource struct {
	Now func() time.Time
}

func (c *CatalogSource) Fetch(ctx context.Context, source, icao string) (ingest.RawSignal, error) {
	scenarios, err := Catalog()
	if err != nil {
		return ingest.RawSignal{}, err
	}
	for _, sc := range scenarios {
		if strings.EqualFold(sc.Airport, icao) {
			src := &Source{Scenario: sc, Now: c.Now}
			return src.Fetch(ctx, source, icao)
		}
	}
	benign := Scenario{ID: "benign", Airport: strings.ToUpper(icao)}
	benign.FAA = &struct {
		GroundStop bool   `yaml:"ground_stop" json:"ground_stop"`
		Delay      bool   `yaml:"delay" json:"delay"`
		DelayType  string `yaml:"delay_type" json:"delay_type,omitempty"`
		Closure    bool   `yaml:"closure" json:"closure"`
		Reason     string `yaml:"reason" json:"reason,omitempty"`
	}{}
	benign.Metar = &struct {
		FlightCategory  string  `yaml:"flight_category" json:"flight_category"`
		VisibilityMiles float64 `yaml:"visibility_miles" json:"visibility_miles"`
		CeilingFeet     int     `yaml:"ceiling_feet" json:"ceiling_feet"`
		WindSpeedKt     int     `yaml:"wind_speed_kt" json:"wind_speed_kt"`
		WindGustKt      int     `yaml:"wind_gust_kt" json:"wind_gust_kt"`
		Weather         string  `yaml:"weather" json:"weather,omitempty"`
	}{FlightCategory: "VFR", VisibilityMiles: 10, CeilingFeet: 25000, WindSpeedKt: 7}
	benign.ADSB = &struct {
		AircraftCount int `yaml:"aircraft_count" json:"aircraft_count"`
		Baseline      int `yaml:"baseline" json:"baseline"`
	}{AircraftCount: 60, Baseline: 65}
	src := &Source{Scenario: benign, Now: c.Now}
	return src.Fetch(ctx, source, icao)
}

// Source is a deterministic SignalSource serving one scenario. Sources listed
// in FailSources time out; everything else returns the canned payload.
type Source struct {
	Scenario Scenario
	Now      func() time.Time
}

func (s *Source) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Source) Fetch(ctx context.Context, source, icao string) (ingest.RawSignal, error) {
	for _, fail := range s.Scenario.FailSources {
		if strings.EqualFold(fail, source) {
			// Simulated outage: block until the caller's timeout fires.
			<-ctx.Done()
			return ingest.RawSignal{}, ctx.Err()
		}
	}
	now := s.now()
	ref := icao + "/" + now.Format("20060102T150405Z")
	payload, err := s.payloadFor(source, now)
	if err != nil {
		return ingest.RawSignal{}, err
	}
	if payload == nil {
		return ingest.RawSignal{}, fmt.Errorf("%w: scenario has no %s data", ingest.ErrPermanent, source)
	}
	return ingest.RawSignal{
		Source:      source,
		Ref:         ref,
		ContentType: "application/json",
		Payload:     payload,
	}, nil
}

func (s *Source) payloadFor(source string, now time.Time) ([]byte, error) {
	sc := s.Scenario
	switch source {
	case signals.SourceFAANAS:
		status := signals.FAAStatus{RetrievedAt: now}
		if sc.FAA != nil {
			status.GroundStop = sc.FAA.GroundStop
			status.Delay = sc.FAA.Delay
			status.DelayType = sc.FAA.DelayType
			status.Closure = sc.FAA.Closure
			status.Reason = sc.FAA.Reason
		}
		return json.Marshal(status)
	case signals.SourceMETAR:
		if sc.Metar == nil {
			return nil, nil
		}
		return json.Marshal(signals.METAR{
			Station:         sc.Airport,
			FlightCategory:  sc.Metar.FlightCategory,
			VisibilityMiles: sc.Metar.VisibilityMiles,
			CeilingFeet:     sc.Metar.CeilingFeet,
			WindSpeedKt:     sc.Metar.WindSpeedKt,
			WindGustKt:      sc.Metar.WindGustKt,
			Weather:         sc.Metar.Weather,
			ObservationTime: now,
		})
	case signals.SourceTAF:
		hours := sc.TAFHours
		if hours <= 0 {
			hours = 24
		}
		return json.Marshal(signals.TAF{
			Station:   sc.Airport,
			ValidFrom: now,
			ValidTo:   now.Add(time.Duration(hours) * time.Hour),
			IssuedAt:  now,
		})
	case signals.SourceNWSAlerts:
		alerts := make([]signals.NWSAlert, 0, len(sc.Alerts))
		for _, a := range sc.Alerts {
			hours := a.Hours
			if hours <= 0 {
				hours = 12
			}
			expires := now.Add(time.Duration(hours) * time.Hour)
			alerts = append(alerts, signals.NWSAlert{
				Event:     a.Event,
				Severity:  a.Severity,
				Certainty: a.Certainty,
				Headline:  a.Headline,
				Effective: now,
				Expires:   &expires,
			})
		}
		return json.Marshal(alerts)
	case signals.SourceADSB:
		if sc.ADSB == nil {
			return nil, nil
		}
		return json.Marshal(signals.ADSBSnapshot{
			AircraftCount: sc.ADSB.AircraftCount,
			Baseline:      sc.ADSB.Baseline,
			RetrievedAt:   now,
		})
	}
	return nil, fmt.Errorf("%w: unknown source %s", ingest.ErrPermanent, source)
}
