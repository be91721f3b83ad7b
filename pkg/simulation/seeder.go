package simulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/graph"
)

type seederDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Seeder creates downstream cascade fixtures for an airport: flights, the
// shipments they carry and their bookings with SLA values.
type Seeder struct {
	DB    seederDB
	Graph *graph.Store
}

type SeedResult struct {
	SeedUsed     string `json:"seed_used"`
	NodesCreated int    `json:"nodes_created"`
	Cleared      bool   `json:"cleared,omitempty"`
}

// Fixed fixture shape per airport: three flights, two shipments each, one
// booking per shipment.
var seedBookings = []struct {
	flight   string
	shipment string
	booking  string
	slaUSD   float64
	tier     string
}{
	{"FL100", "TRK-1001", "BK-5001", 18000, "PREMIUM"},
	{"FL100", "TRK-1002", "BK-5002", 7500, "STANDARD"},
	{"FL200", "TRK-2001", "BK-5003", 22000, "PREMIUM"},
	{"FL200", "TRK-2002", "BK-5004", 4200, "STANDARD"},
	{"FL300", "TRK-3001", "BK-5005", 9900, "STANDARD"},
	{"FL300", "TRK-3002", "BK-5006", 31000, "PREMIUM"},
}

// Seed creates the fixture graph under an airport. With refresh, existing
// fixtures are cleared first.
func (s *Seeder) Seed(ctx context.Context, icao string, refresh bool) (SeedResult, error) {
	res := SeedResult{SeedUsed: "default-cascade-v1"}
	if refresh {
		if _, _, err := s.Clear(ctx, icao); err != nil {
			return res, err
		}
		res.Cleared = true
	}
	airport, err := s.Graph.GetOrCreateNode(ctx, "AIRPORT", icao)
	if err != nil {
		return res, err
	}
	res.NodesCreated++

	// Baseline attributes live in a node version so later corrections chain
	// instead of mutating the node.
	if _, err := s.Graph.CurrentVersion(ctx, airport.ID); errors.Is(err, graph.ErrNotFound) {
		if _, verr := s.Graph.NewVersion(ctx, airport.ID, map[string]any{
			"movement_baseline": 110,
			"seed":              "default-cascade-v1",
		}); verr != nil {
			return res, verr
		}
	} else if err != nil {
		return res, err
	}

	created := map[string]bool{}
	for _, row := range seedBookings {
		flightID := icao + "/" + row.flight
		flight, err := s.Graph.GetOrCreateNode(ctx, "FLIGHT", flightID)
		if err != nil {
			return res, err
		}
		if !created[flightID] {
			created[flightID] = true
			res.NodesCreated++
			if _, err := s.Graph.CreateEdge(ctx, graph.EdgeInput{
				Src: airport.ID, Dst: flight.ID, Type: "HAS_FLIGHT",
				SourceSystem: "SIMULATION", Confidence: 1,
				Attrs: map[string]any{"flight": row.flight},
			}); err != nil {
				return res, err
			}
		}
		shipment, err := s.Graph.GetOrCreateNode(ctx, "SHIPMENT", row.shipment)
		if err != nil {
			return res, err
		}
		res.NodesCreated++
		if _, err := s.Graph.CreateEdge(ctx, graph.EdgeInput{
			Src: flight.ID, Dst: shipment.ID, Type: "CARRIES_SHIPMENT",
			SourceSystem: "SIMULATION", Confidence: 1,
			Attrs: map[string]any{"shipment": row.shipment},
		}); err != nil {
			return res, err
		}
		booking, err := s.Graph.GetOrCreateNode(ctx, "BOOKING", row.booking)
		if err != nil {
			return res, err
		}
		res.NodesCreated++
		if _, err := s.Graph.CreateEdge(ctx, graph.EdgeInput{
			Src: shipment.ID, Dst: booking.ID, Type: "HAS_BOOKING",
			SourceSystem: "SIMULATION", Confidence: 1,
			Attrs: map[string]any{
				"booking":       row.booking,
				"sla_value_usd": row.slaUSD,
				"service_tier":  row.tier,
			},
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Clear removes simulation fixtures reachable from the airport. Fixture rows
// carry source_system SIMULATION, so nothing ingested from live sources is
// touched.
func (s *Seeder) Clear(ctx context.Context, icao string) (edgesDeleted, nodesDeleted int, err error) {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM edge WHERE source_system='SIMULATION' AND (
			src IN (SELECT id FROM node WHERE type='AIRPORT' AND identifier=$1)
			OR src IN (SELECT id FROM node WHERE type='FLIGHT' AND identifier LIKE $1 || '/%')
			OR src IN (SELECT id FROM node WHERE type='SHIPMENT')
		)
	`, icao)
	if err != nil {
		return 0, 0, fmt.Errorf("clear edges: %w", err)
	}
	edgesDeleted = int(tag.RowsAffected())

	tag, err = s.DB.Exec(ctx, `
		DELETE FROM node n
		WHERE (n.type='FLIGHT' AND n.identifier LIKE $1 || '/%')
		   OR (n.type IN ('SHIPMENT','BOOKING') AND NOT EXISTS (
		        SELECT 1 FROM edge e WHERE e.src=n.id OR e.dst=n.id))
	`, icao)
	if err != nil {
		return edgesDeleted, 0, fmt.Errorf("clear nodes: %w", err)
	}
	nodesDeleted = int(tag.RowsAffected())
	return edgesDeleted, nodesDeleted, nil
}
