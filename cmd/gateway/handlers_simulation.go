package main

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"aerogate/pkg/httpx"
	"aerogate/pkg/models"
	"aerogate/pkg/simulation"
)

func (s *Server) handleSimSeed(w http.ResponseWriter, r *http.Request) {
	icao := strings.ToUpper(chi.URLParam(r, "icao"))
	refresh := r.URL.Query().Get("refresh") == "true"
	res, err := s.Seeder.Seed(r.Context(), icao, refresh)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSimUnseed(w http.ResponseWriter, r *http.Request) {
	icao := strings.ToUpper(chi.URLParam(r, "icao"))
	edges, nodes, err := s.Seeder.Clear(r.Context(), icao)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"edges_deleted": edges,
		"nodes_deleted": nodes,
	})
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := simulation.Catalog()
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"scenarios": scenarios})
}

// handleRunScenario creates a case for the scenario's airport and runs it
// against the canned source.
func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	scenario, err := simulation.Find(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	caseRow, err := s.Cases.Create(r.Context(), models.CaseAirportDisruption, scenario.Airport)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.runCase(w, r, caseRow.ID, &simulation.Source{Scenario: scenario})
}
