// Package capture wraps the external headless-browser renderer. Rendering
// is an opaque collaborator: this package only shapes the request, bounds
// the call with a timeout, and classifies failures.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for renderer failures.
var (
	ErrRendererUnreachable = errors.New("renderer unreachable")
	ErrRenderFailed        = errors.New("render failed")
	ErrRenderTimeout       = errors.New("render timeout")
)

// Request describes one capture: target page, viewport, output format.
type Request struct {
	URL            string `json:"url"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Format         string `json:"format"`
}

// Result is the rendered artifact.
type Result struct {
	Data        []byte
	ContentType string
}

// Renderer is the interface for the external render collaborator.
type Renderer interface {
	Render(ctx context.Context, req Request) (*Result, error)
	Ready(ctx context.Context) error
}

// HTTPRenderer implements Renderer against the render service's HTTP API.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer creates a renderer client with a hard per-call timeout.
func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRenderer) Render(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: renderer returned %d", ErrRenderFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read render response: %w", err)
	}

	return &Result{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (r *HTTPRenderer) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: renderer returned %d", ErrRendererUnreachable, resp.StatusCode)
	}
	return nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRenderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrRendererUnreachable, err)
}
