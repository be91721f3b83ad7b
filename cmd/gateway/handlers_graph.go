package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aerogate/pkg/graph"
	"aerogate/pkg/httpx"
	"aerogate/pkg/packets"
)

// handleBitemporalBeliefs is the canonical point-in-time replay read: what
// the system believed about event_time, as known at ingest_time.
func (s *Server) handleBitemporalBeliefs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventTime  time.Time `json:"event_time"`
		IngestTime time.Time `json:"ingest_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.EventTime.IsZero() || body.IngestTime.IsZero() {
		httpx.Error(w, http.StatusBadRequest, "event_time and ingest_time are required RFC 3339 timestamps")
		return
	}
	view, err := s.Graph.AsOf(r.Context(), body.EventTime.UTC(), body.IngestTime.UTC())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleCascade(w http.ResponseWriter, r *http.Request) {
	icao := strings.ToUpper(chi.URLParam(r, "icao"))
	airport, err := s.Graph.GetNode(r.Context(), "AIRPORT", icao)
	if errors.Is(err, graph.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "airport not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	impact, err := packets.Cascade(r.Context(), s.Graph, airport.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"airport": icao,
		"impact":  impact,
	})
}
