package models

import (
	"time"

	"github.com/google/uuid"
)

// Principal is the account entity credentials and usage records belong to.
// Webhook settings are optional; a principal with no webhook URL receives
// no outcome notifications.
type Principal struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	Tier           string            `db:"tier"            json:"tier"`
	WebhookURL     string            `db:"webhook_url"     json:"webhook_url,omitempty"`
	WebhookMethod  string            `db:"webhook_method"  json:"webhook_method,omitempty"`
	WebhookSecret  string            `db:"webhook_secret"  json:"-"`
	WebhookHeaders map[string]string `db:"webhook_headers" json:"webhook_headers,omitempty"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"      json:"updated_at"`
}
