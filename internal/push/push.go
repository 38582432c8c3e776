// Package push delivers work-plan and completion notifications to the device
// that started a session. Delivery is fire-and-forget; failures are logged
// and never affect turn state.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/tether/internal/observability"
)

// Notification is one push payload.
type Notification struct {
	// DeviceID is the initiator device the delivery service routes to.
	DeviceID string `json:"deviceId"`

	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`

	// Kind is created, next or completed.
	Kind string `json:"kind"`

	StepIndex int `json:"stepIndex"`
	Total     int `json:"total"`

	// TaskTitle is truncated to 120 characters before dispatch.
	TaskTitle string `json:"taskTitle,omitempty"`
}

// Dispatcher sends notifications to the initiator device.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the log. Used when no push endpoint
// is configured.
type LogDispatcher struct {
	Logger *observability.Logger
}

func (d *LogDispatcher) Send(ctx context.Context, n Notification) error {
	if d.Logger != nil {
		d.Logger.Info(ctx, "push notification",
			"device_id", n.DeviceID,
			"session_id", n.SessionID,
			"kind", n.Kind,
			"step", n.StepIndex,
			"total", n.Total,
			"task", n.TaskTitle,
		)
	}
	return nil
}

// HTTPDispatcher posts notifications as JSON to a delivery service.
type HTTPDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPDispatcher(endpoint string) *HTTPDispatcher {
	return &HTTPDispatcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDispatcher) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
