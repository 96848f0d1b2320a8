package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// WebhookRequest is the payload POSTed to a webhook node, per
// SPEC_FULL.md §4.6 step 6.
type WebhookRequest struct {
	SessionID   string         `json:"session_id"`
	TenantID    string         `json:"tenant_id"`
	Step        string         `json:"step"`
	Attempt     int            `json:"attempt"`
	Params      map[string]any `json:"params"`
	CallbackURL string         `json:"callback_url"`
}

// WebhookAck is the synchronous response a webhook returns to confirm
// it accepted the dispatch; the actual NodeResult arrives later via
// callback.
type WebhookAck struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// WebhookClient dispatches work to external webhook nodes, following
// the HTTP-client idiom of crab-gateway/internal/toolclient/client.go.
type WebhookClient struct {
	logger     *log.Logger
	httpClient *http.Client
}

func NewWebhookClient(logger *log.Logger, timeout time.Duration) *WebhookClient {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookClient{logger: logger, httpClient: &http.Client{Timeout: timeout}}
}

// Dispatch POSTs a WebhookRequest to endpoint and returns the
// synchronous acknowledgement. Progress after this point is driven by
// the node calling back into the Dispatcher's callback endpoint.
func (c *WebhookClient) Dispatch(ctx context.Context, endpoint string, req WebhookRequest) (WebhookAck, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return WebhookAck{}, fmt.Errorf("marshal webhook request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return WebhookAck{}, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return WebhookAck{}, fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return WebhookAck{}, fmt.Errorf("webhook status %d: %s", resp.StatusCode, message)
	}

	var ack WebhookAck
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ack); err != nil {
		c.logger.Printf("registry: webhook %s returned non-ack body, treating as accepted: %v", endpoint, err)
		return WebhookAck{Accepted: true}, nil
	}
	return ack, nil
}
