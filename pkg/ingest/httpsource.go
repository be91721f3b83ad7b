package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aerogate/pkg/httpx"
)

// HTTPSource fetches raw signal bytes from per-source base URLs. The upstream
// clients that speak each provider's protocol live behind these endpoints;
// this side only moves bytes and classifies failures.
type HTTPSource struct {
	Client   *http.Client
	BaseURLs map[string]string // source tag -> base URL
}

func (h *HTTPSource) Fetch(ctx context.Context, source, icao string) (RawSignal, error) {
	base, ok := h.BaseURLs[source]
	if !ok || strings.TrimSpace(base) == "" {
		return RawSignal{}, fmt.Errorf("%w: no endpoint configured for %s", ErrPermanent, source)
	}
	url := strings.TrimRight(base, "/") + "/" + icao
	status, body, err := httpx.RequestJSON(ctx, h.Client, http.MethodGet, url, nil, nil, 0, 0)
	if err != nil {
		return RawSignal{}, err
	}
	if status >= 500 {
		return RawSignal{}, fmt.Errorf("source %s returned %d", source, status)
	}
	if status >= 400 {
		return RawSignal{}, fmt.Errorf("%w: source %s returned %d", ErrPermanent, source, status)
	}
	return RawSignal{
		Source:      source,
		Ref:         icao + "/" + time.Now().UTC().Format("20060102T150405Z"),
		ContentType: "application/json",
		Payload:     body,
	}, nil
}
