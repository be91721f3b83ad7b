package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aerogate/pkg/cases"
	"aerogate/pkg/governance"
	"aerogate/pkg/httpx"
	"aerogate/pkg/ingest"
	"aerogate/pkg/invariant"
	"aerogate/pkg/models"
	"aerogate/pkg/packets"
)

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CaseType string `json:"case_type"`
		Scope    string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.CaseType == "" {
		body.CaseType = models.CaseAirportDisruption
	}
	if body.CaseType != models.CaseAirportDisruption && body.CaseType != models.CaseLaneDisruption {
		httpx.Error(w, http.StatusBadRequest, "unknown case_type")
		return
	}
	if body.Scope == "" {
		httpx.Error(w, http.StatusBadRequest, "scope is required")
		return
	}
	caseRow, err := s.Cases.Create(r.Context(), body.CaseType, body.Scope)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"case_id": caseRow.ID.String()}
	if texts, err := s.Policy.ActiveTexts(r.Context()); err == nil {
		if scored, err := s.Playbooks.Retrieve(r.Context(), body.CaseType, "", texts, 1); err == nil && len(scored) > 0 {
			resp["playbook_suggested"] = map[string]any{
				"playbook_id": scored[0].Playbook.ID.String(),
				"score":       scored[0].Score,
			}
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid case id")
		return
	}
	caseRow, err := s.Cases.Get(r.Context(), id)
	if errors.Is(err, cases.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, caseRow)
}

// handleRunCase starts orchestration and returns once the case completes or
// blocks. The packet is the response body.
func (s *Server) handleRunCase(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid case id")
		return
	}
	if _, err := s.Cases.Get(r.Context(), id); errors.Is(err, cases.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "case not found")
		return
	} else if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Source == nil {
		httpx.Error(w, http.StatusConflict, "no signal source configured; set source base URLs or use /simulation/run")
		return
	}
	s.runCase(w, r, id, nil)
}

func (s *Server) runCase(w http.ResponseWriter, r *http.Request, id uuid.UUID, source ingest.SignalSource) {
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := timeoutContext(r, timeout)
	defer cancel()

	packet, err := s.orchestratorFor(source).Run(ctx, id)
	if err != nil {
		var violation *invariant.Violation
		switch {
		case errors.As(err, &violation):
			httpx.Error(w, http.StatusConflict, violation.Error())
		case errors.Is(err, ctx.Err()):
			httpx.Error(w, http.StatusGatewayTimeout, "case run cancelled: "+err.Error())
		default:
			httpx.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, packet)
}

func (s *Server) handleCaseTrace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid case id")
		return
	}
	trace, err := s.Cases.Trace(r.Context(), id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"case_id": id.String(), "trace": trace})
}

func (s *Server) handleGetPacket(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "caseID"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid case id")
		return
	}
	packet, err := s.Packets.Load(r.Context(), id)
	if errors.Is(err, packets.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "decision packet not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, packet)
}

// handleCaseActions lists a case's actions with their latest outcomes.
func (s *Server) handleCaseActions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid case id")
		return
	}
	actions, err := s.Governor.ForCase(r.Context(), id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.PacketActionResult, 0, len(actions))
	for _, a := range actions {
		outcome, err := s.Governor.OutcomeFor(r.Context(), a.ID)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, models.PacketActionResult{Action: a, Outcome: outcome})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"case_id": id.String(), "actions": out})
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	s.actionTransition(w, r, func(id uuid.UUID, actor string) error {
		_, err := s.Governor.Approve(r.Context(), id, actor)
		return err
	})
}

func (s *Server) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	s.actionTransition(w, r, func(id uuid.UUID, actor string) error {
		_, err := s.Governor.Reject(r.Context(), id, actor, "rejected by operator")
		return err
	})
}

func (s *Server) handleRollbackAction(w http.ResponseWriter, r *http.Request) {
	s.actionTransition(w, r, func(id uuid.UUID, actor string) error {
		_, err := s.Governor.Rollback(r.Context(), id, actor)
		return err
	})
}

func (s *Server) actionTransition(w http.ResponseWriter, r *http.Request, fn func(id uuid.UUID, actor string) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}
	var body struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Actor == "" {
		body.Actor = "operator"
	}
	err = fn(id, body.Actor)
	var violation *invariant.Violation
	switch {
	case err == nil:
		action, getErr := s.Governor.Get(r.Context(), id)
		if getErr != nil {
			httpx.Error(w, http.StatusInternalServerError, getErr.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, action)
	case errors.Is(err, governance.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "action not found")
	case errors.As(err, &violation):
		httpx.Error(w, http.StatusConflict, violation.Error())
	case errors.Is(err, governance.ErrInvalidTransition),
		errors.Is(err, governance.ErrRollbackUnsupported):
		httpx.Error(w, http.StatusConflict, err.Error())
	default:
		httpx.Error(w, http.StatusInternalServerError, err.Error())
	}
}

func timeoutContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}
