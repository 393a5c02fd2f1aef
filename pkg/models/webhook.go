package models

import "time"

// WebhookConfig is the per-principal delivery target for outcome
// notifications. Method defaults to POST when empty.
type WebhookConfig struct {
	URL     string
	Method  string
	Secret  string
	Headers map[string]string
}

// Configured reports whether there is anywhere to deliver to.
func (c WebhookConfig) Configured() bool {
	return c.URL != ""
}

// WebhookEvent is the wire body delivered to a receiver:
// {event, timestamp, data}. The serialized bytes are what gets signed;
// the payload is immutable once constructed.
type WebhookEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Webhook event types.
const (
	EventCaptureCompleted = "capture.completed"
	EventCaptureFailed    = "capture.failed"
)
