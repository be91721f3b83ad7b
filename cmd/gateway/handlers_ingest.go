package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aerogate/pkg/evidence"
	"aerogate/pkg/httpx"
	"aerogate/pkg/ingest"
	"aerogate/pkg/signals"
)

// handleIngestAirport pre-seeds evidence for an airport outside any case:
// fetches every source, persists the payloads and derives graph signals.
func (s *Server) handleIngestAirport(w http.ResponseWriter, r *http.Request) {
	icao := strings.ToUpper(chi.URLParam(r, "icao"))
	if len(icao) != 4 {
		httpx.Error(w, http.StatusBadRequest, "icao must be a 4-letter code")
		return
	}
	if s.Source == nil {
		httpx.Error(w, http.StatusConflict, "no signal source configured")
		return
	}
	ctx, cancel := timeoutContext(r, time.Minute)
	defer cancel()

	results := ingest.FetchAll(ctx, s.Source, icao, nil, s.IngestConfig)

	succeeded := []string{}
	failed := []string{}
	errs := []string{}
	payloads := signals.SourcePayloads{}
	evidenceIDs := map[string]uuid.UUID{}

	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Source)
			errs = append(errs, res.Source+": "+res.Err.Error())
			continue
		}
		id, err := s.Evidence.Put(ctx, evidence.PutInput{
			SourceSystem:   res.Source,
			SourceRef:      res.Raw.Ref,
			ContentType:    res.Raw.ContentType,
			Payload:        res.Raw.Payload,
			EventTimeStart: res.Raw.EventTimeStart,
			EventTimeEnd:   res.Raw.EventTimeEnd,
		})
		if err != nil {
			failed = append(failed, res.Source)
			errs = append(errs, res.Source+": "+err.Error())
			continue
		}
		if err := signals.DecodePayload(res.Source, res.Raw.Payload, &payloads); err != nil {
			failed = append(failed, res.Source)
			errs = append(errs, res.Source+": "+err.Error())
			continue
		}
		evidenceIDs[res.Source] = id
		succeeded = append(succeeded, res.Source)
	}

	airport, err := s.Graph.GetOrCreateNode(ctx, "AIRPORT", icao)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	derived := signals.Derive(icao, payloads, evidenceIDs)
	if _, err := signals.Persist(ctx, s.Graph, airport, derived); err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"sources_succeeded": succeeded,
		"sources_failed":    failed,
		"errors":            errs,
	})
}

// handleEvidenceBySource streams evidence index rows for a source system,
// optionally narrowed to one source ref.
func (s *Server) handleEvidenceBySource(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		httpx.Error(w, http.StatusBadRequest, "source query parameter is required")
		return
	}
	rows, err := s.Evidence.BySource(r.Context(), source, r.URL.Query().Get("ref"))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"evidence": rows})
}
