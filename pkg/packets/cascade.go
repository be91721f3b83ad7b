package packets

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"aerogate/pkg/graph"
	"aerogate/pkg/models"
)

// Downstream edge types for cascade traversal: airport to departing flights,
// flights to shipments, shipments to bookings.
var cascadeEdgeTypes = []string{"HAS_FLIGHT", "CARRIES_SHIPMENT", "HAS_BOOKING"}

// Cascade walks the downstream graph from an airport and rolls up exposure.
// SLA exposure sums the sla_value_usd attribute on booking edges.
func Cascade(ctx context.Context, store *graph.Store, airportNodeID uuid.UUID) (*models.CascadeImpact, error) {
	hops, err := store.Traverse(ctx, airportNodeID, cascadeEdgeTypes, 3)
	if err != nil {
		return nil, err
	}
	impact := &models.CascadeImpact{}
	for _, hop := range hops {
		switch hop.Edge.Type {
		case "HAS_FLIGHT":
			impact.Flights++
		case "CARRIES_SHIPMENT":
			impact.Shipments++
		case "HAS_BOOKING":
			impact.Bookings++
			var attrs map[string]any
			if err := json.Unmarshal(hop.Edge.Attrs, &attrs); err == nil {
				if v, ok := attrs["sla_value_usd"].(float64); ok {
					impact.SLAExposure += v
				}
			}
		}
	}
	return impact, nil
}
