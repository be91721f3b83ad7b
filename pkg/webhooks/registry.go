// Package webhooks delivers case events to registered endpoints with
// at-least-once semantics and an SSRF guard on every outbound URL.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event types a webhook can subscribe to.
const (
	EventPostureChange     = "POSTURE_CHANGE"
	EventActionExecuted    = "ACTION_EXECUTED"
	EventCaseResolved      = "CASE_RESOLVED"
	EventSLABreachImminent = "SLA_BREACH_IMMINENT"
)

var knownEvents = map[string]bool{
	EventPostureChange:     true,
	EventActionExecuted:    true,
	EventCaseResolved:      true,
	EventSLABreachImminent: true,
}

type Webhook struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	EventTypes []string          `json:"event_types"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    bool              `json:"enabled"`
	CreatedAt  time.Time         `json:"created_at"`
}

type webhookDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Registry struct {
	DB      webhookDB
	Resolve resolver
}

var (
	ErrNotFound     = errors.New("webhook not found")
	ErrUnknownEvent = errors.New("unknown webhook event type")
)

// Register validates the URL (SSRF guard included) and stores the webhook.
func (r *Registry) Register(ctx context.Context, name, rawURL string, eventTypes []string, headers map[string]string) (Webhook, error) {
	for _, et := range eventTypes {
		if !knownEvents[et] {
			return Webhook{}, ErrUnknownEvent
		}
	}
	if err := CheckURL(ctx, rawURL, r.Resolve); err != nil {
		return Webhook{}, err
	}
	w := Webhook{
		ID:         uuid.New(),
		Name:       name,
		URL:        rawURL,
		EventTypes: eventTypes,
		Headers:    headers,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	events, _ := json.Marshal(w.EventTypes)
	var headersRaw json.RawMessage
	if headers != nil {
		headersRaw, _ = json.Marshal(headers)
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO webhook (id, name, url, event_types, headers, enabled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, w.ID, w.Name, w.URL, events, headersRaw, w.Enabled, w.CreatedAt)
	return w, err
}

func (r *Registry) Unregister(ctx context.Context, id uuid.UUID) error {
	tag, err := r.DB.Exec(ctx, `DELETE FROM webhook WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.DB.Exec(ctx, `UPDATE webhook SET enabled=$2 WHERE id=$1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ForEvent returns enabled webhooks subscribed to an event type.
func (r *Registry) ForEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	hooks, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := hooks[:0]
	for _, h := range hooks {
		if !h.Enabled {
			continue
		}
		for _, et := range h.EventTypes {
			if et == eventType {
				out = append(out, h)
				break
			}
		}
	}
	return out, nil
}

func (r *Registry) List(ctx context.Context) ([]Webhook, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, url, event_types, headers, enabled, created_at
		FROM webhook ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Webhook{}
	for rows.Next() {
		var w Webhook
		var events, headers json.RawMessage
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &events, &headers, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &w.EventTypes)
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &w.Headers)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
