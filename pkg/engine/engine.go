package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrTemplateNotFound matches every TemplateNotFoundError via errors.Is.
var ErrTemplateNotFound = errors.New("engine: template not found")

// TemplateNotFoundError reports a template the loader could not resolve.
type TemplateNotFoundError struct {
	Name string
	Err  error
}

func (e *TemplateNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: template %q not found: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("engine: template %q not found", e.Name)
}

func (e *TemplateNotFoundError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTemplateNotFound) succeed.
func (e *TemplateNotFoundError) Is(target error) bool {
	return target == ErrTemplateNotFound
}

// Chunks is a lazy, finite sequence of rendered text. A sequence is consumed
// once; ranging over it again re-executes the render. A non-nil error ends
// the sequence.
type Chunks = iter.Seq2[string, error]

// Context is the engine-level variable set a render function executes with.
type Context map[string]any

// BlockFunc renders a single named block of a compiled template.
type BlockFunc func(ctx Context) Chunks

// Template is a compiled template as exposed by an engine.
type Template interface {
	// Name is the name the template was loaded under.
	Name() string
	// NewContext builds the execution context from caller data. The template
	// may merge engine globals; data must not be retained after the render.
	NewContext(data map[string]any) (Context, error)
	// Root renders the whole template, honouring inheritance.
	Root(ctx Context) Chunks
	// Block returns the render function of the named block, searching the
	// template first and then its ancestors.
	Block(name string) (BlockFunc, bool)
}

// Loader resolves templates by name. Implementations return an error
// matching ErrTemplateNotFound for unknown names.
type Loader interface {
	Load(ctx context.Context, name string) (Template, error)
}

// Concat joins rendered chunks in order.
func Concat(chunks []string) string {
	switch len(chunks) {
	case 0:
		return ""
	case 1:
		return chunks[0]
	}
	return strings.Join(chunks, "")
}

// Single wraps an already rendered string, or an error, as a one-element
// sequence.
func Single(text string, err error) Chunks {
	return func(yield func(string, error) bool) {
		yield(text, err)
	}
}
