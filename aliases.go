package templates

import (
	"net/http"

	"github.com/goliatone/go-templates/pkg/engine"
	"github.com/goliatone/go-templates/pkg/render"
)

// TemplateResponse is the rendered response returned by
// Templates.TemplateResponse; alias exported for convenience.
type TemplateResponse = render.TemplateResponse

// ContextProcessor derives template variables from a request.
type ContextProcessor = render.ContextProcessor

// ResponseOption customises a TemplateResponse.
type ResponseOption = render.ResponseOption

// BackgroundFunc runs after a response body has been written.
type BackgroundFunc = render.BackgroundFunc

// Error types surfaced by the renderer.
type (
	TemplateNotFoundError = engine.TemplateNotFoundError
	BlockNotFoundError    = render.BlockNotFoundError
	ContextProcessorError = render.ContextProcessorError
	RenderFailure         = render.RenderFailure
)

var (
	// ErrTemplateNotFound matches every TemplateNotFoundError.
	ErrTemplateNotFound = engine.ErrTemplateNotFound
	// ErrBlockNotFound matches every BlockNotFoundError.
	ErrBlockNotFound = render.ErrBlockNotFound
)

// WithStatus sets the response status code.
func WithStatus(code int) ResponseOption { return render.WithStatus(code) }

// WithMediaType overrides the response Content-Type.
func WithMediaType(mediaType string) ResponseOption { return render.WithMediaType(mediaType) }

// WithBackground runs fn once the response body has been written.
func WithBackground(fn BackgroundFunc) ResponseOption { return render.WithBackground(fn) }

// WithHeaders adds headers to the response.
func WithHeaders(h http.Header) ResponseOption { return render.WithHeaders(h) }
