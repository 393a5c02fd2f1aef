// Package auth is the single choke point in front of the capture
// collaborator: every inbound call is admitted or denied here, and nothing
// else may reach the renderer without passing through it.
package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/snapgate/snapgate/internal/credential"
	"github.com/snapgate/snapgate/internal/ratelimit"
	"github.com/snapgate/snapgate/internal/store"
	"github.com/snapgate/snapgate/pkg/models"
)

// Admission error taxonomy. Unknown, expired and revoked tokens all map to
// ErrInvalidCredential so callers cannot enumerate which case they hit.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrRateLimited       = errors.New("rate limited")
)

// Result carries the admit verdict and everything the transport layer needs
// to respond: the resolved identity on success and the rate-limit window
// state whenever a check ran (including denials, for Retry-After).
type Result struct {
	OK          bool
	PrincipalID uuid.UUID
	Credential  *models.Credential
	Tier        models.Tier
	RateLimit   *ratelimit.Result
}

// Authenticator combines credential validation and the rate-limit check
// into a single admit/deny decision.
type Authenticator struct {
	credentials *credential.Service
	limiter     *ratelimit.Limiter
	store       store.Store
}

// NewAuthenticator creates the admission façade.
func NewAuthenticator(creds *credential.Service, limiter *ratelimit.Limiter, s store.Store) *Authenticator {
	return &Authenticator{credentials: creds, limiter: limiter, store: s}
}

// Authenticate validates rawToken and runs the tier's rate-limit check.
// The returned error is one of ErrMissingCredential, ErrInvalidCredential,
// ErrRateLimited, or an internal fault; on ErrRateLimited the Result still
// carries the window state for backoff guidance.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (Result, error) {
	if rawToken == "" {
		return Result{}, ErrMissingCredential
	}

	validation, err := a.credentials.Validate(ctx, rawToken)
	if err != nil {
		return Result{}, err
	}
	if !validation.Valid {
		return Result{}, ErrInvalidCredential
	}

	cred := validation.Credential
	tier := a.resolveTier(ctx, cred)

	check, err := a.limiter.Check(ctx, cred.PrincipalID.String(), tier)
	if err != nil {
		// The counter adapter absorbs store outages itself; an error here
		// is unexpected, and blocking paying traffic on it would punish
		// callers for our internals. Admit and log.
		slog.Error("rate limit check failed, admitting", "principal_id", cred.PrincipalID, "error", err)
		check = ratelimit.Result{Allowed: true, Limit: tier.Limit}
	}

	result := Result{
		PrincipalID: cred.PrincipalID,
		Credential:  cred,
		Tier:        tier,
		RateLimit:   &check,
	}
	if !check.Allowed {
		return result, ErrRateLimited
	}

	result.OK = true
	return result, nil
}

// resolveTier maps a credential to its rate-limit tier. The playground
// pseudo-credential and any unresolvable principal land on the anonymous
// tier: ambiguous or degraded state never grants extra quota.
func (a *Authenticator) resolveTier(ctx context.Context, cred *models.Credential) models.Tier {
	if cred.PrincipalID == credential.PlaygroundPrincipalID {
		return models.TierByName(models.TierAnonymous)
	}

	principal, err := a.store.GetPrincipal(ctx, cred.PrincipalID)
	if err != nil {
		slog.Warn("tier lookup failed, using lowest tier", "principal_id", cred.PrincipalID, "error", err)
		return models.TierByName(models.TierAnonymous)
	}
	return models.TierByName(principal.Tier)
}
