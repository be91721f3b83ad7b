package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aerogate/pkg/httpx"
	"aerogate/pkg/webhooks"
)

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string            `json:"name"`
		URL        string            `json:"url"`
		EventTypes []string          `json:"event_types"`
		Headers    map[string]string `json:"headers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.URL == "" || len(body.EventTypes) == 0 {
		httpx.Error(w, http.StatusBadRequest, "url and event_types are required")
		return
	}
	hook, err := s.Webhooks.Register(r.Context(), body.Name, body.URL, body.EventTypes, body.Headers)
	switch {
	case errors.Is(err, webhooks.ErrPrivateAddress):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, webhooks.ErrUnknownEvent):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case err != nil:
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		httpx.WriteJSON(w, http.StatusCreated, hook)
	}
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.Webhooks.List(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	err = s.Webhooks.Unregister(r.Context(), id)
	if errors.Is(err, webhooks.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"deleted": id.String()})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	deliveries, err := s.Dispatcher.Deliveries(r.Context(), id, 50)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	texts, err := s.Policy.ActiveTexts(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	scored, err := s.Playbooks.Retrieve(r.Context(), r.URL.Query().Get("case_type"), r.URL.Query().Get("scope"), texts, 20)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"playbooks": scored})
}
