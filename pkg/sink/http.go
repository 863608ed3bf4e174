package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dmitrymomot/pgsteward"
)

// HTTP posts alerts and reports as JSON to a webhook URL. Deliveries
// inherit the dispatcher's per-sink timeout through the context.
type HTTP struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// HTTPOption configures the HTTP sink.
type HTTPOption func(*HTTP)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHeader adds a static request header (authorization tokens etc.).
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) { h.headers[key] = value }
}

// NewHTTP creates a webhook sink.
func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		url:     url,
		client:  http.DefaultClient,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTP) OnAlert(ctx context.Context, a pgsteward.Alert) error {
	return h.post(ctx, "alert", a)
}

func (h *HTTP) OnReport(ctx context.Context, r pgsteward.Report) error {
	return h.post(ctx, "report", r)
}

func (h *HTTP) post(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}{Event: event, Payload: payload})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink: webhook returned %s", resp.Status)
	}
	return nil
}
