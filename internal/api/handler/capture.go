package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mw "github.com/snapgate/snapgate/internal/api/middleware"
	"github.com/snapgate/snapgate/internal/api/response"
	"github.com/snapgate/snapgate/internal/capture"
	"github.com/snapgate/snapgate/internal/credential"
	"github.com/snapgate/snapgate/internal/meter"
	"github.com/snapgate/snapgate/pkg/models"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
	defaultFormat         = "png"

	captureEndpoint = "/api/v1/capture"
)

// Recorder accepts usage events. Implementations must not block.
type Recorder interface {
	Record(ev meter.Event)
}

// Notifier accepts outcome notifications for asynchronous delivery.
type Notifier interface {
	Dispatch(config models.WebhookConfig, event models.WebhookEvent)
}

// PrincipalSource resolves a principal's webhook settings.
type PrincipalSource interface {
	GetPrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error)
}

type captureRequest struct {
	URL            string `json:"url" validate:"required,url"`
	ViewportWidth  int    `json:"viewport_width" validate:"omitempty,min=16,max=7680"`
	ViewportHeight int    `json:"viewport_height" validate:"omitempty,min=16,max=7680"`
	Format         string `json:"format" validate:"omitempty,oneof=png jpeg pdf"`
}

// NewCaptureHandler returns an http.HandlerFunc for POST /api/v1/capture.
// Admission has already happened in middleware; this handler renders,
// meters the outcome, and hands the notification to the dispatcher. The
// render verdict determines the response; metering and notification never
// do.
func NewCaptureHandler(renderer capture.Renderer, recorder Recorder, notifier Notifier, principals PrincipalSource, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admission, ok := mw.GetAdmission(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_CREDENTIAL", "Request not admitted", nil)
			return
		}

		var req captureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if req.ViewportWidth == 0 {
			req.ViewportWidth = defaultViewportWidth
		}
		if req.ViewportHeight == 0 {
			req.ViewportHeight = defaultViewportHeight
		}
		if req.Format == "" {
			req.Format = defaultFormat
		}

		start := time.Now()
		result, renderErr := renderer.Render(r.Context(), capture.Request{
			URL:            req.URL,
			ViewportWidth:  req.ViewportWidth,
			ViewportHeight: req.ViewportHeight,
			Format:         req.Format,
		})
		duration := time.Since(start)

		ev := meter.Event{
			PrincipalID: admission.PrincipalID,
			Endpoint:    captureEndpoint,
			Duration:    duration,
		}
		if admission.Credential != nil && admission.Credential.ID != uuid.Nil {
			id := admission.Credential.ID
			ev.CredentialID = &id
		}

		if renderErr != nil {
			ev.Outcome = models.OutcomeFailure
			ev.ErrorDetail = renderErr.Error()
			recorder.Record(ev)
			notify(r.Context(), notifier, principals, admission.PrincipalID, models.WebhookEvent{
				Event:     models.EventCaptureFailed,
				Timestamp: time.Now().UTC(),
				Data: map[string]any{
					"url":         req.URL,
					"format":      req.Format,
					"duration_ms": duration.Milliseconds(),
					"error":       renderErr.Error(),
				},
			})
			response.Error(w, http.StatusBadGateway, "RENDER_FAILED", "Capture could not be rendered", nil)
			return
		}

		ev.Outcome = models.OutcomeSuccess
		ev.PayloadBytes = int64(len(result.Data))
		recorder.Record(ev)
		notify(r.Context(), notifier, principals, admission.PrincipalID, models.WebhookEvent{
			Event:     models.EventCaptureCompleted,
			Timestamp: time.Now().UTC(),
			Data: map[string]any{
				"url":         req.URL,
				"format":      req.Format,
				"bytes":       len(result.Data),
				"duration_ms": duration.Milliseconds(),
			},
		})

		response.Binary(w, result.ContentType, result.Data)
	}
}

// notify enqueues the outcome webhook when the principal has one
// configured. Playground traffic has no principal row and no webhooks.
func notify(ctx context.Context, notifier Notifier, principals PrincipalSource, principalID uuid.UUID, event models.WebhookEvent) {
	if principalID == credential.PlaygroundPrincipalID {
		return
	}

	principal, err := principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return
	}

	notifier.Dispatch(models.WebhookConfig{
		URL:     principal.WebhookURL,
		Method:  principal.WebhookMethod,
		Secret:  principal.WebhookSecret,
		Headers: principal.WebhookHeaders,
	}, event)
}
