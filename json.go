package templates

import (
	"context"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/goliatone/go-templates/pkg/render"
)

// JSONMediaType is the Content-Type of a JSONResponse.
const JSONMediaType = "application/json"

var jsonAPI = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// JSONResponse serves Content as compact JSON. Map keys are sorted so equal
// content always produces the same bytes.
type JSONResponse struct {
	Content    any
	StatusCode int
	Header     http.Header
	Background render.BackgroundFunc
}

var _ http.Handler = (*JSONResponse)(nil)

// NewJSONResponse builds a JSONResponse with status 200.
func NewJSONResponse(content any, opts ...ResponseOption) *JSONResponse {
	carrier := &render.TemplateResponse{StatusCode: http.StatusOK}
	for _, opt := range opts {
		if opt != nil {
			opt(carrier)
		}
	}
	return &JSONResponse{
		Content:    content,
		StatusCode: carrier.StatusCode,
		Header:     carrier.Header,
		Background: carrier.Background,
	}
}

// Body encodes Content.
func (j *JSONResponse) Body() ([]byte, error) {
	return jsonAPI.Marshal(j.Content)
}

// ServeHTTP writes the encoded content, or a 500 when Content cannot be
// encoded, and then runs the background task.
func (j *JSONResponse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := j.Body()
	if err != nil {
		http.Error(w, "json encoding failed", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	for key, values := range j.Header {
		header[key] = append([]string(nil), values...)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", JSONMediaType)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	status := j.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}

	if j.Background != nil {
		j.Background(context.WithoutCancel(r.Context()))
	}
}
