package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snapgate/snapgate/internal/api/response"
	"github.com/snapgate/snapgate/internal/auth"
	"github.com/snapgate/snapgate/internal/ratelimit"
)

// Admission provides the authenticate-and-rate-limit middleware guarding
// every capture endpoint.
type Admission struct {
	authenticator *auth.Authenticator
}

// NewAdmission creates the Admission middleware.
func NewAdmission(a *auth.Authenticator) *Admission {
	return &Admission{authenticator: a}
}

// Admit runs the full admission check: bearer token extraction, credential
// validation, rate-limit decision. Denied requests get 401 or 429 here;
// admitted requests proceed with the verdict in the request context and
// rate-limit headers already set.
func (m *Admission) Admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)

		result, err := m.authenticator.Authenticate(r.Context(), token)
		if result.RateLimit != nil {
			setRateLimitHeaders(w, *result.RateLimit)
		}

		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(SetAdmission(r.Context(), result)))
		case errors.Is(err, auth.ErrMissingCredential):
			response.Error(w, http.StatusUnauthorized,
				"MISSING_CREDENTIAL", "Missing or invalid Authorization header", nil)
		case errors.Is(err, auth.ErrInvalidCredential):
			response.Error(w, http.StatusUnauthorized,
				"INVALID_CREDENTIAL", "Invalid API key", nil)
		case errors.Is(err, auth.ErrRateLimited):
			retryAfter := int(result.RateLimit.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", map[string]any{
					"reset_at": result.RateLimit.ResetAt.UTC().Format(time.RFC3339),
				})
		default:
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to authenticate request", nil)
		}
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
