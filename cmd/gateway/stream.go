package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"aerogate/pkg/httpx"
	"aerogate/pkg/stream"
)

// handleRunStream serves server-sent events for one case's run: started,
// state_transition, progress, completed, error. The subscription is opened
// before the client typically POSTs /run, so no transition is missed.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if !eventMatchesCase(evt, caseID) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			flusher.Flush()
			if evt.Type == "completed" || evt.Type == "error" {
				return
			}
		}
	}
}

func eventMatchesCase(evt stream.Event, caseID string) bool {
	var data struct {
		CaseID string `json:"case_id"`
	}
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return false
	}
	return data.CaseID == caseID
}

// handleEventsWS is the firehose: every case event over one websocket.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closed")

	ch := s.Events.Subscribe(128)
	defer s.Events.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := wsjson.Write(r.Context(), conn, evt); err != nil {
				return
			}
		}
	}
}
