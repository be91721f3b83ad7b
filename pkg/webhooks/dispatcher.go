package webhooks

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"aerogate/pkg/httpx"
	"aerogate/pkg/store"
)

// Dispatcher POSTs event payloads to subscribed endpoints. At-least-once:
// failures are logged with the attempt count and last response, never
// swallowed silently; a delivery dedup key in the cache keeps concurrent
// dispatchers from double-posting the same (webhook, event) pair.
type Dispatcher struct {
	Registry   *Registry
	Client     *http.Client
	Cache      store.Cache
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

type Delivery struct {
	ID           uuid.UUID `json:"id"`
	WebhookID    uuid.UUID `json:"webhook_id"`
	EventType    string    `json:"event_type"`
	EventID      string    `json:"event_id"`
	Attempts     int       `json:"attempts"`
	LastStatus   int       `json:"last_status"`
	LastResponse string    `json:"last_response,omitempty"`
	Succeeded    bool      `json:"succeeded"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

// Dispatch fans one event out to all subscribed endpoints. The URL is
// re-checked against the SSRF guard immediately before each POST.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, eventID string, payload map[string]any) []Delivery {
	hooks, err := d.Registry.ForEvent(ctx, eventType)
	if err != nil {
		log.Printf("webhooks: load registry: %v", err)
		return nil
	}
	if len(hooks) == 0 {
		return nil
	}
	body, _ := json.Marshal(map[string]any{
		"event":    eventType,
		"event_id": eventID,
		"sent_at":  time.Now().UTC().Format(time.RFC3339),
		"data":     payload,
	})

	deliveries := make([]Delivery, 0, len(hooks))
	for _, hook := range hooks {
		if d.Cache != nil {
			key := "webhook:delivery:" + hook.ID.String() + ":" + eventID
			ok, err := d.Cache.SetNX(ctx, key, "1", 10*time.Minute)
			if err == nil && !ok {
				continue // another dispatcher already owns this delivery
			}
		}
		deliveries = append(deliveries, d.deliver(ctx, hook, eventType, eventID, body))
	}
	return deliveries
}

func (d *Dispatcher) deliver(ctx context.Context, hook Webhook, eventType, eventID string, body []byte) Delivery {
	del := Delivery{
		ID:        uuid.New(),
		WebhookID: hook.ID,
		EventType: eventType,
		EventID:   eventID,
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if err := CheckURL(ctx, hook.URL, d.Registry.Resolve); err != nil {
		del.Attempts = 1
		del.LastResponse = err.Error()
		d.record(ctx, hook, del)
		return del
	}

	retries := d.Retries
	if retries <= 0 {
		retries = 2
	}
	retryDelay := d.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	postCtx, cancel := context.WithTimeout(ctx, timeout*time.Duration(retries+1))
	defer cancel()
	status, respBody, err := httpx.RequestJSON(postCtx, d.Client, http.MethodPost, hook.URL, body, hook.Headers, retries, retryDelay)
	del.Attempts = retries + 1
	del.LastStatus = status
	if err != nil {
		del.LastResponse = err.Error()
	} else {
		if len(respBody) > 500 {
			respBody = respBody[:500]
		}
		del.LastResponse = string(respBody)
		del.Succeeded = status >= 200 && status < 300
	}
	d.record(ctx, hook, del)
	if !del.Succeeded {
		log.Printf("webhooks: delivery to %s failed after %d attempts (status %d)", hook.Name, del.Attempts, status)
	}
	return del
}

func (d *Dispatcher) record(ctx context.Context, hook Webhook, del Delivery) {
	del.DeliveredAt = time.Now().UTC()
	_, err := d.Registry.DB.Exec(ctx, `
		INSERT INTO webhook_delivery
		(id, webhook_id, event_type, event_id, attempts, last_status, last_response, succeeded, delivered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, del.ID, del.WebhookID, del.EventType, del.EventID, del.Attempts,
		del.LastStatus, del.LastResponse, del.Succeeded, del.DeliveredAt)
	if err != nil {
		log.Printf("webhooks: record delivery: %v", err)
	}
}

// Deliveries lists the delivery log for one webhook, newest first.
func (d *Dispatcher) Deliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.Registry.DB.Query(ctx, `
		SELECT id, webhook_id, event_type, event_id, attempts, last_status, last_response, succeeded, delivered_at
		FROM webhook_delivery WHERE webhook_id=$1 ORDER BY delivered_at DESC LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Delivery{}
	for rows.Next() {
		var del Delivery
		if err := rows.Scan(&del.ID, &del.WebhookID, &del.EventType, &del.EventID,
			&del.Attempts, &del.LastStatus, &del.LastResponse, &del.Succeeded, &del.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, del)
	}
	return out, rows.Err()
}
