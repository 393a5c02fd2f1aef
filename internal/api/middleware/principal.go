package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/snapgate/snapgate/internal/api/response"
)

// PrincipalHeader carries the caller's principal id on key-management
// endpoints. It is set by the upstream identity layer; this core does not
// verify identity itself.
const PrincipalHeader = "X-Principal-ID"

// RequirePrincipal rejects key-management requests without a valid
// principal id header and stores the id in the request context.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(PrincipalHeader)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"MISSING_PRINCIPAL", "Missing "+PrincipalHeader+" header", nil)
			return
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_PRINCIPAL", PrincipalHeader+" must be a valid UUID", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetPrincipalID(r.Context(), id)))
	})
}
