package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/snapgate/snapgate/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// EnsurePrincipal creates the principal row if it does not exist yet and
	// returns it. New principals start on the standard tier.
	EnsurePrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	GetPrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error)

	CreateCredential(ctx context.Context, cred *models.Credential) error
	// GetCredentialByDigest is a single keyed lookup on the unique digest
	// index; callers must never scan-and-compare raw tokens.
	GetCredentialByDigest(ctx context.Context, digest string) (*models.Credential, error)
	// MarkCredentialExpired flips an Active credential to Expired. It is a
	// no-op for credentials already in a terminal state.
	MarkCredentialExpired(ctx context.Context, id uuid.UUID) error
	// RevokeCredential is principal-scoped; it returns ErrNotFound when the
	// credential does not exist, belongs to someone else, or is terminal.
	RevokeCredential(ctx context.Context, id uuid.UUID, principalID uuid.UUID) error
	ListCredentials(ctx context.Context, principalID uuid.UUID) ([]*models.Credential, error)
	// TouchCredentialUsage bumps usage_count and last_used_at atomically in
	// SQL so concurrent requests never regress either value.
	TouchCredentialUsage(ctx context.Context, id uuid.UUID) error

	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error
	CountUsageSince(ctx context.Context, principalID uuid.UUID, since time.Time) (int64, error)
}
