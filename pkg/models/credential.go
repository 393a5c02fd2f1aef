package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialStatus is the lifecycle state of an API credential.
// Active is the only state with outgoing transitions: Active -> Expired
// (time-driven, detected at validation) and Active -> Revoked (explicit).
// Expired and Revoked are terminal.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
	CredentialRevoked CredentialStatus = "revoked"
)

// Credential is an API key record. The raw token is shown once at creation;
// only its keyed digest is stored. KeyPrefix is the non-secret leading part
// of the token kept for display and logging.
type Credential struct {
	ID          uuid.UUID        `db:"id"           json:"id"`
	PrincipalID uuid.UUID        `db:"principal_id" json:"principal_id"`
	Name        string           `db:"name"         json:"name"`
	Digest      string           `db:"digest"       json:"-"`
	KeyPrefix   string           `db:"key_prefix"   json:"key_prefix"`
	Status      CredentialStatus `db:"status"       json:"status"`
	UsageCount  int64            `db:"usage_count"  json:"usage_count"`
	UsageQuota  int64            `db:"usage_quota"  json:"usage_quota"`
	LastUsedAt  *time.Time       `db:"last_used_at" json:"last_used_at,omitempty"`
	ExpiresAt   time.Time        `db:"expires_at"   json:"expires_at"`
	RevokedAt   *time.Time       `db:"revoked_at"   json:"-"`
	CreatedAt   time.Time        `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at"   json:"updated_at"`
}

// Terminal reports whether the credential can no longer transition.
func (c *Credential) Terminal() bool {
	return c.Status == CredentialExpired || c.Status == CredentialRevoked
}
