package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one append-only accounting row per completed request
// attempt, success or failure. Rows are never mutated after insert.
type UsageRecord struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	CredentialID *uuid.UUID `db:"credential_id" json:"credential_id,omitempty"`
	PrincipalID  uuid.UUID  `db:"principal_id"  json:"principal_id"`
	Endpoint     string     `db:"endpoint"      json:"endpoint"`
	Outcome      string     `db:"outcome"       json:"outcome"`
	DurationMS   int64      `db:"duration_ms"   json:"duration_ms"`
	PayloadBytes int64      `db:"payload_bytes" json:"payload_bytes"`
	ErrorDetail  *string    `db:"error_detail"  json:"error_detail,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}

// Usage record outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
