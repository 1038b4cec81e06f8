// Package notify pushes multi-channel notifications to the notification
// collaborator. Fire-and-forget: delivery failures are logged, never
// propagated into order finalization.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cartpilot/cartpilot/internal/observability"
)

type Payload struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, recipientID, recipientEmail string, payload Payload) error
}

// HTTPNotifier posts notifications to the collaborator's endpoint.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		client:   observability.NewHTTPClient(10*time.Second, endpoint),
	}
}

func (n *HTTPNotifier) Send(ctx context.Context, recipientID, recipientEmail string, payload Payload) error {
	body, err := json.Marshal(map[string]any{
		"recipient_id":    recipientID,
		"recipient_email": recipientEmail,
		"notification":    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NoopNotifier discards notifications; used when no endpoint is configured.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, recipientID, recipientEmail string, payload Payload) error {
	return nil
}
