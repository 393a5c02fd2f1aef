package mock

import (
	"context"

	"github.com/snapgate/snapgate/internal/capture"
)

// MockRenderer satisfies capture.Renderer for testing.
type MockRenderer struct {
	RenderFunc func(ctx context.Context, req capture.Request) (*capture.Result, error)
	ReadyFunc  func(ctx context.Context) error
}

func (m *MockRenderer) Render(ctx context.Context, req capture.Request) (*capture.Result, error) {
	if m.RenderFunc != nil {
		return m.RenderFunc(ctx, req)
	}
	return &capture.Result{Data: []byte("mock-image"), ContentType: "image/png"}, nil
}

func (m *MockRenderer) Ready(ctx context.Context) error {
	if m.ReadyFunc != nil {
		return m.ReadyFunc(ctx)
	}
	return nil
}

// NewMockRenderer returns a MockRenderer with successful defaults.
func NewMockRenderer() *MockRenderer {
	return &MockRenderer{}
}

// NewFailingRenderer returns a MockRenderer that always returns err.
func NewFailingRenderer(err error) *MockRenderer {
	return &MockRenderer{
		RenderFunc: func(_ context.Context, _ capture.Request) (*capture.Result, error) {
			return nil, err
		},
		ReadyFunc: func(_ context.Context) error {
			return err
		},
	}
}
