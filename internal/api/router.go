package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/snapgate/snapgate/internal/api/middleware"
	"github.com/snapgate/snapgate/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Admission *mw.Admission

	HealthHandler    http.HandlerFunc
	CaptureHandler   http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Key management: caller identity comes from the external identity
	// layer, not from an API key.
	r.Group(func(r chi.Router) {
		r.Use(mw.RequirePrincipal)

		r.Post("/api/v1/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/api/v1/keys", orNotImplemented(deps.ListKeysHandler))
		r.Delete("/api/v1/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
	})

	// Metered capture endpoints: everything behind the admission choke
	// point.
	r.Group(func(r chi.Router) {
		r.Use(deps.Admission.Admit)

		r.Post("/api/v1/capture", orNotImplemented(deps.CaptureHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
