package statesync

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookForwarder bridges the admin event stream to an external push
// provider over HTTP. Delivery is best-effort: a failed POST is logged and
// dropped, the reconciliation poller covers the gap.
type WebhookForwarder struct {
	Endpoint string
	Token    string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewWebhookForwarder(endpoint, token string, logger *slog.Logger) *WebhookForwarder {
	return &WebhookForwarder{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Logger:   logger,
	}
}

// Run consumes the admin channel until ctx is done.
func (f *WebhookForwarder) Run(ctx context.Context, hub *Hub) {
	events, cancel := hub.Subscribe(AdminChannel, 256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.post(ctx, ev)
		}
	}
}

func (f *WebhookForwarder) post(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		f.Logger.Warn("webhook push failed", "entity", ev.EntityID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		f.Logger.Warn("webhook push rejected", "entity", ev.EntityID, "status", resp.StatusCode)
	}
}
