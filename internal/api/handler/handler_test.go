package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/snapgate/snapgate/internal/api/handler"
	mw "github.com/snapgate/snapgate/internal/api/middleware"
	"github.com/snapgate/snapgate/internal/auth"
	"github.com/snapgate/snapgate/internal/capture"
	"github.com/snapgate/snapgate/internal/capture/mock"
	"github.com/snapgate/snapgate/internal/credential"
	"github.com/snapgate/snapgate/internal/meter"
	"github.com/snapgate/snapgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeCredentials struct {
	issueFn  func(ctx context.Context, principalID uuid.UUID, name string, ttlDays int) (string, *models.Credential, error)
	revokeFn func(ctx context.Context, id uuid.UUID, principalID uuid.UUID) (bool, error)
	listFn   func(ctx context.Context, principalID uuid.UUID) ([]*models.Credential, error)
}

func (f *fakeCredentials) Issue(ctx context.Context, principalID uuid.UUID, name string, ttlDays int) (string, *models.Credential, error) {
	return f.issueFn(ctx, principalID, name, ttlDays)
}

func (f *fakeCredentials) Revoke(ctx context.Context, id uuid.UUID, principalID uuid.UUID) (bool, error) {
	return f.revokeFn(ctx, id, principalID)
}

func (f *fakeCredentials) List(ctx context.Context, principalID uuid.UUID) ([]*models.Credential, error) {
	return f.listFn(ctx, principalID)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []meter.Event
}

func (f *fakeRecorder) Record(ev meter.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeRecorder) recorded() []meter.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]meter.Event(nil), f.events...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.WebhookEvent
}

func (f *fakeNotifier) Dispatch(_ models.WebhookConfig, event models.WebhookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) dispatched() []models.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.WebhookEvent(nil), f.events...)
}

type fakePrincipals struct {
	principal *models.Principal
	err       error
}

func (f *fakePrincipals) GetPrincipal(_ context.Context, _ uuid.UUID) (*models.Principal, error) {
	return f.principal, f.err
}

// --- Helpers ---

func withPrincipal(req *http.Request, id uuid.UUID) *http.Request {
	return req.WithContext(mw.SetPrincipalID(req.Context(), id))
}

func withAdmission(req *http.Request, principalID uuid.UUID, cred *models.Credential) *http.Request {
	return req.WithContext(mw.SetAdmission(req.Context(), auth.Result{
		OK:          true,
		PrincipalID: principalID,
		Credential:  cred,
		Tier:        models.TierByName(models.TierStandard),
	}))
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

// --- Create key ---

func TestCreateKey_Success(t *testing.T) {
	principalID := uuid.New()
	svc := &fakeCredentials{
		issueFn: func(_ context.Context, pid uuid.UUID, name string, ttlDays int) (string, *models.Credential, error) {
			assert.Equal(t, principalID, pid)
			assert.Equal(t, "production", name)
			assert.Equal(t, 30, ttlDays)
			return "sg_plaintext-token", &models.Credential{ID: uuid.New(), PrincipalID: pid, Name: name}, nil
		},
	}
	h := handler.NewCreateKeyHandler(svc, validator.New())

	body := bytes.NewBufferString(`{"name":"production","ttl_days":30}`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/keys", body), principalID)
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].(map[string]any)
	assert.Equal(t, "sg_plaintext-token", data["key"])
	assert.Equal(t, "production", data["credential"].(map[string]any)["name"])
}

func TestCreateKey_DefaultsTTL(t *testing.T) {
	var gotTTL int
	svc := &fakeCredentials{
		issueFn: func(_ context.Context, pid uuid.UUID, name string, ttlDays int) (string, *models.Credential, error) {
			gotTTL = ttlDays
			return "sg_x", &models.Credential{ID: uuid.New()}, nil
		},
	}
	h := handler.NewCreateKeyHandler(svc, validator.New())

	body := bytes.NewBufferString(`{"name":"ci"}`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/keys", body), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 365, gotTTL)
}

func TestCreateKey_MissingName(t *testing.T) {
	h := handler.NewCreateKeyHandler(&fakeCredentials{}, validator.New())

	body := bytes.NewBufferString(`{"ttl_days":30}`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/keys", body), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

func TestCreateKey_InvalidJSON(t *testing.T) {
	h := handler.NewCreateKeyHandler(&fakeCredentials{}, validator.New())

	body := bytes.NewBufferString(`{not json`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/keys", body), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateKey_PrincipalNotProvisionable(t *testing.T) {
	svc := &fakeCredentials{
		issueFn: func(_ context.Context, _ uuid.UUID, _ string, _ int) (string, *models.Credential, error) {
			return "", nil, credential.ErrPrincipalNotFound
		},
	}
	h := handler.NewCreateKeyHandler(svc, validator.New())

	body := bytes.NewBufferString(`{"name":"x"}`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/keys", body), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "PRINCIPAL_NOT_FOUND", errCode(t, w))
}

func TestCreateKey_NoPrincipalContext(t *testing.T) {
	h := handler.NewCreateKeyHandler(&fakeCredentials{}, validator.New())

	body := bytes.NewBufferString(`{"name":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys", body)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- List keys ---

func TestListKeys_ReturnsCredentials(t *testing.T) {
	principalID := uuid.New()
	svc := &fakeCredentials{
		listFn: func(_ context.Context, pid uuid.UUID) ([]*models.Credential, error) {
			assert.Equal(t, principalID, pid)
			return []*models.Credential{
				{ID: uuid.New(), Name: "one", Status: models.CredentialActive},
				{ID: uuid.New(), Name: "two", Status: models.CredentialExpired},
			}, nil
		},
	}
	h := handler.NewListKeysHandler(svc)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys", nil), principalID)
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp["data"], 2)
}

func TestListKeys_EmptyIsArrayNotNull(t *testing.T) {
	svc := &fakeCredentials{
		listFn: func(_ context.Context, _ uuid.UUID) ([]*models.Credential, error) {
			return nil, nil
		},
	}
	h := handler.NewListKeysHandler(svc)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys", nil), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

// --- Revoke key ---

func revokeRequest(t *testing.T, keyID string, principalID uuid.UUID) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/keys/"+keyID, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("keyID", keyID)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	return withPrincipal(req, principalID)
}

func TestRevokeKey_Success(t *testing.T) {
	keyID := uuid.New()
	principalID := uuid.New()
	svc := &fakeCredentials{
		revokeFn: func(_ context.Context, id uuid.UUID, pid uuid.UUID) (bool, error) {
			assert.Equal(t, keyID, id)
			assert.Equal(t, principalID, pid)
			return true, nil
		},
	}
	h := handler.NewRevokeKeyHandler(svc)

	w := httptest.NewRecorder()
	h(w, revokeRequest(t, keyID.String(), principalID))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"revoked":true`)
}

func TestRevokeKey_UnknownIs404(t *testing.T) {
	svc := &fakeCredentials{
		revokeFn: func(_ context.Context, _ uuid.UUID, _ uuid.UUID) (bool, error) {
			return false, nil
		},
	}
	h := handler.NewRevokeKeyHandler(svc)

	w := httptest.NewRecorder()
	h(w, revokeRequest(t, uuid.NewString(), uuid.New()))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, w))
}

func TestRevokeKey_BadUUID(t *testing.T) {
	h := handler.NewRevokeKeyHandler(&fakeCredentials{})

	w := httptest.NewRecorder()
	h(w, revokeRequest(t, "not-a-uuid", uuid.New()))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Capture ---

func captureDeps() (*fakeRecorder, *fakeNotifier, *fakePrincipals) {
	return &fakeRecorder{}, &fakeNotifier{}, &fakePrincipals{
		principal: &models.Principal{
			ID:         uuid.New(),
			Tier:       models.TierStandard,
			WebhookURL: "https://hooks.example.com/capture",
		},
	}
}

func TestCapture_SuccessReturnsBinary(t *testing.T) {
	recorder, notifier, principals := captureDeps()
	renderer := &mock.MockRenderer{
		RenderFunc: func(_ context.Context, req capture.Request) (*capture.Result, error) {
			assert.Equal(t, "https://example.com", req.URL)
			assert.Equal(t, 1280, req.ViewportWidth)
			assert.Equal(t, 800, req.ViewportHeight)
			assert.Equal(t, "png", req.Format)
			return &capture.Result{Data: []byte("png-bytes"), ContentType: "image/png"}, nil
		},
	}
	h := handler.NewCaptureHandler(renderer, recorder, notifier, principals, validator.New())

	principalID := uuid.New()
	cred := &models.Credential{ID: uuid.New(), PrincipalID: principalID}
	body := bytes.NewBufferString(`{"url":"https://example.com"}`)
	req := withAdmission(httptest.NewRequest(http.MethodPost, "/api/v1/capture", body), principalID, cred)
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", w.Body.String())

	events := recorder.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, principalID, events[0].PrincipalID)
	require.NotNil(t, events[0].CredentialID)
	assert.Equal(t, cred.ID, *events[0].CredentialID)
	assert.Equal(t, int64(len("png-bytes")), events[0].PayloadBytes)

	hooks := notifier.dispatched()
	require.Len(t, hooks, 1)
	assert.Equal(t, models.EventCaptureCompleted, hooks[0].Event)
}

func TestCapture_RenderFailureIs502AndMetered(t *testing.T) {
	recorder, notifier, principals := captureDeps()
	renderer := mock.NewFailingRenderer(capture.ErrRenderFailed)
	h := handler.NewCaptureHandler(renderer, recorder, notifier, principals, validator.New())

	body := bytes.NewBufferString(`{"url":"https://example.com"}`)
	req := withAdmission(httptest.NewRequest(http.MethodPost, "/api/v1/capture", body), uuid.New(), nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "RENDER_FAILED", errCode(t, w))

	events := recorder.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeFailure, events[0].Outcome)
	assert.NotEmpty(t, events[0].ErrorDetail)

	hooks := notifier.dispatched()
	require.Len(t, hooks, 1)
	assert.Equal(t, models.EventCaptureFailed, hooks[0].Event)
}

func TestCapture_InvalidURLRejected(t *testing.T) {
	recorder, notifier, principals := captureDeps()
	h := handler.NewCaptureHandler(mock.NewMockRenderer(), recorder, notifier, principals, validator.New())

	body := bytes.NewBufferString(`{"url":"not a url"}`)
	req := withAdmission(httptest.NewRequest(http.MethodPost, "/api/v1/capture", body), uuid.New(), nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, recorder.recorded(), "rejected requests are not metered")
}

func TestCapture_BadFormatRejected(t *testing.T) {
	recorder, notifier, principals := captureDeps()
	h := handler.NewCaptureHandler(mock.NewMockRenderer(), recorder, notifier, principals, validator.New())

	body := bytes.NewBufferString(`{"url":"https://example.com","format":"gif"}`)
	req := withAdmission(httptest.NewRequest(http.MethodPost, "/api/v1/capture", body), uuid.New(), nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCapture_NotAdmittedIs401(t *testing.T) {
	recorder, notifier, principals := captureDeps()
	h := handler.NewCaptureHandler(mock.NewMockRenderer(), recorder, notifier, principals, validator.New())

	body := bytes.NewBufferString(`{"url":"https://example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/capture", body)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCapture_PlaygroundGetsNoWebhook(t *testing.T) {
	recorder, notifier, principals := captureDeps()
	h := handler.NewCaptureHandler(mock.NewMockRenderer(), recorder, notifier, principals, validator.New())

	body := bytes.NewBufferString(`{"url":"https://example.com"}`)
	req := withAdmission(httptest.NewRequest(http.MethodPost, "/api/v1/capture", body), credential.PlaygroundPrincipalID, nil)
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, recorder.recorded(), 1, "playground usage is still metered")
	assert.Empty(t, notifier.dispatched())
}

func TestCapture_PrincipalLookupFailureStillSucceeds(t *testing.T) {
	recorder := &fakeRecorder{}
	notifier := &fakeNotifier{}
	principals := &fakePrincipals{err: errors.New("db down")}
	h := handler.NewCaptureHandler(mock.NewMockRenderer(), recorder, notifier, principals, validator.New())

	body := bytes.NewBufferString(`{"url":"https://example.com"}`)
	req := withAdmission(httptest.NewRequest(http.MethodPost, "/api/v1/capture", body), uuid.New(), nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, notifier.dispatched())
}

func TestCapture_DurationRecorded(t *testing.T) {
	recorder, notifier, principals := captureDeps()
	renderer := &mock.MockRenderer{
		RenderFunc: func(_ context.Context, _ capture.Request) (*capture.Result, error) {
			time.Sleep(5 * time.Millisecond)
			return &capture.Result{Data: []byte("x"), ContentType: "image/png"}, nil
		},
	}
	h := handler.NewCaptureHandler(renderer, recorder, notifier, principals, validator.New())

	body := bytes.NewBufferString(`{"url":"https://example.com"}`)
	req := withAdmission(httptest.NewRequest(http.MethodPost, "/api/v1/capture", body), uuid.New(), nil)
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	events := recorder.recorded()
	require.Len(t, events, 1)
	assert.GreaterOrEqual(t, events[0].Duration, 5*time.Millisecond)
}
