package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/goliatone/go-templates/pkg/engine"
	"github.com/goliatone/go-templates/pkg/pool"
)

// DefaultMediaType is used when a response does not name one.
const DefaultMediaType = "text/html; charset=utf-8"

// RequestKey is the context key holding the request being rendered.
const RequestKey = "request"

// BackgroundFunc runs after a TemplateResponse body has been written.
type BackgroundFunc func(ctx context.Context)

// TemplateResponse is a rendered template ready to be served. Template and
// Context are kept for middleware and tests that inspect what was rendered.
type TemplateResponse struct {
	Template   engine.Template
	Context    map[string]any
	Body       string
	StatusCode int
	Header     http.Header
	MediaType  string
	Background BackgroundFunc
}

var _ http.Handler = (*TemplateResponse)(nil)

// ServeHTTP writes the response and then runs the background task, if any.
func (t *TemplateResponse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := w.Header()
	for key, values := range t.Header {
		header[key] = append([]string(nil), values...)
	}
	if header.Get("Content-Type") == "" {
		mediaType := t.MediaType
		if mediaType == "" {
			mediaType = DefaultMediaType
		}
		header.Set("Content-Type", mediaType)
	}
	header.Set("Content-Length", strconv.Itoa(len(t.Body)))

	status := t.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, t.Body)
	}

	if t.Background != nil {
		t.Background(context.WithoutCancel(r.Context()))
	}
}

// ResponseOption customises a TemplateResponse.
type ResponseOption func(*TemplateResponse)

// WithStatus sets the HTTP status code; the default is 200.
func WithStatus(code int) ResponseOption {
	return func(t *TemplateResponse) {
		t.StatusCode = code
	}
}

// WithHeaders adds headers to the response.
func WithHeaders(h http.Header) ResponseOption {
	return func(t *TemplateResponse) {
		if t.Header == nil {
			t.Header = make(http.Header, len(h))
		}
		for key, values := range h {
			for _, v := range values {
				t.Header.Add(key, v)
			}
		}
	}
}

// WithMediaType overrides the Content-Type of the response.
func WithMediaType(mediaType string) ResponseOption {
	return func(t *TemplateResponse) {
		t.MediaType = mediaType
	}
}

// WithBackground registers a task run once the body has been written.
func WithBackground(fn BackgroundFunc) ResponseOption {
	return func(t *TemplateResponse) {
		t.Background = fn
	}
}

// ResponseBuilder renders whole templates, merging context processor output
// into the caller's context first.
type ResponseBuilder struct {
	loader   engine.Loader
	builder  *ContextBuilder
	contexts *pool.Pool[map[string]any]
	sizer    Sizer
	logger   *zap.Logger
}

// NewResponseBuilder wires the response builder to its collaborators.
func NewResponseBuilder(loader engine.Loader, builder *ContextBuilder, contexts *pool.Pool[map[string]any], sizer Sizer, logger *zap.Logger) (*ResponseBuilder, error) {
	if loader == nil || builder == nil || contexts == nil {
		return nil, errors.New("render: response builder requires a loader, context builder and context pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseBuilder{
		loader:   loader,
		builder:  builder,
		contexts: contexts,
		sizer:    sizer,
		logger:   logger,
	}, nil
}

// Build renders name for r. The request is added to data under RequestKey
// when data does not already hold one. Every failure is returned as a
// *RenderFailure naming the template.
func (b *ResponseBuilder) Build(ctx context.Context, r *http.Request, name string, data map[string]any, opts ...ResponseOption) (*TemplateResponse, error) {
	base := make(map[string]any, len(data)+1)
	for key, value := range data {
		base[key] = value
	}
	if _, ok := base[RequestKey]; !ok && r != nil {
		base[RequestKey] = r
	}

	merged, err := b.builder.Build(ctx, r, base)
	if err != nil {
		return nil, b.fail(name, err)
	}

	tpl, body, err := b.render(ctx, name, merged)
	if err != nil {
		return nil, b.fail(name, err)
	}

	resp := &TemplateResponse{
		Template:   tpl,
		Context:    merged,
		Body:       body,
		StatusCode: http.StatusOK,
		MediaType:  DefaultMediaType,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(resp)
		}
	}
	return resp, nil
}

// Render renders the whole of name with data only, without context
// processors.
func (b *ResponseBuilder) Render(ctx context.Context, name string, data map[string]any) (string, error) {
	_, body, err := b.render(ctx, name, data)
	if err != nil {
		return "", b.fail(name, err)
	}
	return body, nil
}

func (b *ResponseBuilder) render(ctx context.Context, name string, data map[string]any) (engine.Template, string, error) {
	tpl, err := b.loader.Load(ctx, name)
	if err != nil {
		return nil, "", err
	}

	container := b.contexts.Acquire()
	defer b.contexts.Release(container)

	for key, value := range data {
		container[key] = value
	}
	renderCtx, err := tpl.NewContext(container)
	if err != nil {
		return nil, "", fmt.Errorf("build context: %w", err)
	}

	body, err := Collect(ctx, tpl.Root(renderCtx), b.sizer.Choose(b.sizer.Estimate(container)))
	if err != nil {
		return nil, "", err
	}
	return tpl, body, nil
}

func (b *ResponseBuilder) fail(name string, err error) error {
	b.logger.Warn("template render failed", zap.String("template", name), zap.Error(err))
	return &RenderFailure{Template: name, Err: err}
}
