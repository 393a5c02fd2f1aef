package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mw "github.com/snapgate/snapgate/internal/api/middleware"
	"github.com/snapgate/snapgate/internal/api/response"
	"github.com/snapgate/snapgate/internal/credential"
	"github.com/snapgate/snapgate/pkg/models"
)

const defaultKeyTTLDays = 365

// CredentialManager defines the credential lifecycle operations the key
// handlers depend on.
type CredentialManager interface {
	Issue(ctx context.Context, principalID uuid.UUID, name string, ttlDays int) (string, *models.Credential, error)
	Revoke(ctx context.Context, id uuid.UUID, principalID uuid.UUID) (bool, error)
	List(ctx context.Context, principalID uuid.UUID) ([]*models.Credential, error)
}

type createKeyRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	TTLDays int    `json:"ttl_days" validate:"omitempty,min=1,max=3650"`
}

type createKeyResponse struct {
	// Key is the plaintext token, returned exactly once. It is not
	// recoverable afterwards.
	Key        string             `json:"key"`
	Credential *models.Credential `json:"credential"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/keys.
func NewCreateKeyHandler(svc CredentialManager, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, ok := mw.GetPrincipalID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_PRINCIPAL", "Missing principal", nil)
			return
		}

		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if req.TTLDays == 0 {
			req.TTLDays = defaultKeyTTLDays
		}

		rawToken, cred, err := svc.Issue(r.Context(), principalID, req.Name, req.TTLDays)
		if errors.Is(err, credential.ErrPrincipalNotFound) {
			response.Error(w, http.StatusUnprocessableEntity,
				"PRINCIPAL_NOT_FOUND", "Principal could not be provisioned", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to issue key", nil)
			return
		}

		response.Created(w, createKeyResponse{Key: rawToken, Credential: cred})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/keys.
func NewListKeysHandler(svc CredentialManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, ok := mw.GetPrincipalID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_PRINCIPAL", "Missing principal", nil)
			return
		}

		creds, err := svc.List(r.Context(), principalID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}
		if creds == nil {
			creds = []*models.Credential{}
		}

		response.JSON(w, creds)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/keys/{keyID}.
func NewRevokeKeyHandler(svc CredentialManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, ok := mw.GetPrincipalID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_PRINCIPAL", "Missing principal", nil)
			return
		}

		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a valid UUID", nil)
			return
		}

		revoked, err := svc.Revoke(r.Context(), keyID, principalID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}
		if !revoked {
			// Not owned, unknown, or already terminal: indistinguishable on
			// purpose.
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Key not found", nil)
			return
		}

		response.JSON(w, map[string]any{"revoked": true, "id": keyID})
	}
}
