package credential

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/snapgate/snapgate/internal/store"
	"github.com/snapgate/snapgate/pkg/models"
)

const (
	// Tokens are formatted as sg_<base64url of 32 random bytes>: a
	// product-identifying tag over 256 bits of entropy. The leading
	// prefixLen characters are non-secret and kept for display.
	tokenTag  = "sg_"
	secretLen = 32
	prefixLen = 11

	// PlaygroundToken is the fixed trial pseudo-credential. It bypasses the
	// store entirely and is never persisted or listed.
	PlaygroundToken = "sg_playground"
)

// PlaygroundPrincipalID identifies all unauthenticated trial traffic.
var PlaygroundPrincipalID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// ErrPrincipalNotFound reports that the owning principal could not be
// resolved or provisioned at issue time.
var ErrPrincipalNotFound = errors.New("principal not found")

// ValidationResult is the outcome of validating a raw token.
type ValidationResult struct {
	Valid      bool
	Credential *models.Credential
}

// Service owns the credential lifecycle: issue, validate, revoke, list.
// Only keyed digests of tokens ever reach storage or logs.
type Service struct {
	store  store.Store
	pepper string
	now    func() time.Time
}

// NewService creates a credential Service. pepper is the server-side HMAC
// key for token digests.
func NewService(s store.Store, pepper string) *Service {
	return &Service{store: s, pepper: pepper, now: time.Now}
}

// Digest returns the stored representation of a raw token: HMAC-SHA256
// keyed with the server pepper, hex encoded. Deterministic, so lookup is a
// single indexed query; peppered, so a leaked table resists offline
// guessing.
func (s *Service) Digest(rawToken string) string {
	mac := hmac.New(sha256.New, []byte(s.pepper))
	mac.Write([]byte(rawToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue generates a fresh token for principalID, persists its digest, and
// returns the plaintext exactly once. ttlDays bounds the credential's life.
func (s *Service) Issue(ctx context.Context, principalID uuid.UUID, name string, ttlDays int) (string, *models.Credential, error) {
	if _, err := s.store.EnsurePrincipal(ctx, principalID); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrPrincipalNotFound, err)
	}

	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	rawToken := tokenTag + base64.RawURLEncoding.EncodeToString(secret)

	now := s.now().UTC()
	cred := &models.Credential{
		ID:          uuid.New(),
		PrincipalID: principalID,
		Name:        name,
		Digest:      s.Digest(rawToken),
		KeyPrefix:   rawToken[:prefixLen],
		Status:      models.CredentialActive,
		ExpiresAt:   now.AddDate(0, 0, ttlDays),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateCredential(ctx, cred); err != nil {
		return "", nil, fmt.Errorf("persist credential: %w", err)
	}
	return rawToken, cred, nil
}

// Validate digests rawToken and resolves it by indexed lookup. Unknown,
// expired and revoked tokens all come back as not valid; the digest is
// computed and the lookup performed for every input shape so response
// timing does not reveal which case occurred. Expiry is detected here and
// flipped to Expired as a side effect, idempotently.
func (s *Service) Validate(ctx context.Context, rawToken string) (ValidationResult, error) {
	if rawToken == PlaygroundToken {
		return ValidationResult{Valid: true, Credential: playgroundCredential()}, nil
	}

	cred, err := s.store.GetCredentialByDigest(ctx, s.Digest(rawToken))
	if errors.Is(err, store.ErrNotFound) {
		return ValidationResult{}, nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("lookup credential: %w", err)
	}

	if cred.Status != models.CredentialActive {
		return ValidationResult{}, nil
	}

	if !s.now().Before(cred.ExpiresAt) {
		// Guarded by status='active' in SQL, so concurrent validators
		// converge on a single Active -> Expired transition.
		if err := s.store.MarkCredentialExpired(ctx, cred.ID); err != nil {
			return ValidationResult{}, fmt.Errorf("expire credential: %w", err)
		}
		return ValidationResult{}, nil
	}

	return ValidationResult{Valid: true, Credential: cred}, nil
}

// Revoke flips an Active credential owned by principalID to Revoked. It
// reports false for credentials that do not exist, belong to another
// principal, or are already terminal.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, principalID uuid.UUID) (bool, error) {
	err := s.store.RevokeCredential(ctx, id, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the principal's non-revoked credentials, newest first. The
// playground pseudo-credential never appears here.
func (s *Service) List(ctx context.Context, principalID uuid.UUID) ([]*models.Credential, error) {
	return s.store.ListCredentials(ctx, principalID)
}

func playgroundCredential() *models.Credential {
	return &models.Credential{
		PrincipalID: PlaygroundPrincipalID,
		Name:        "playground",
		KeyPrefix:   PlaygroundToken[:prefixLen],
		Status:      models.CredentialActive,
	}
}
