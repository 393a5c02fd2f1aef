package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/snapgate/snapgate/internal/auth"
)

type contextKey string

const (
	principalIDKey contextKey = "principal_id"
	admissionKey   contextKey = "admission"
)

// SetPrincipalID stores the identity-layer principal id (keys endpoints).
func SetPrincipalID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, principalIDKey, id)
}

func GetPrincipalID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(principalIDKey).(uuid.UUID)
	return id, ok
}

// SetAdmission stores the admit verdict (capture endpoints).
func SetAdmission(ctx context.Context, res auth.Result) context.Context {
	return context.WithValue(ctx, admissionKey, res)
}

// GetAdmission returns the admit verdict placed by the Admit middleware.
func GetAdmission(r *http.Request) (auth.Result, bool) {
	res, ok := r.Context().Value(admissionKey).(auth.Result)
	return res, ok
}
