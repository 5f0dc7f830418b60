package render

import (
	"errors"
	"fmt"
)

// ErrBlockNotFound matches every BlockNotFoundError via errors.Is.
var ErrBlockNotFound = errors.New("render: block not found")

// BlockNotFoundError reports a block missing from a template and all of the
// templates it extends.
type BlockNotFoundError struct {
	Template string
	Block    string
}

func (e *BlockNotFoundError) Error() string {
	return fmt.Sprintf("render: block %q not found in template %q", e.Block, e.Template)
}

// Is lets errors.Is(err, ErrBlockNotFound) succeed.
func (e *BlockNotFoundError) Is(target error) bool {
	return target == ErrBlockNotFound
}

// ContextProcessorError identifies the context processor that failed while a
// context was being built.
type ContextProcessorError struct {
	Processor string
	Index     int
	Err       error
}

func (e *ContextProcessorError) Error() string {
	return fmt.Sprintf("render: context processor %q (#%d) failed: %v", e.Processor, e.Index, e.Err)
}

func (e *ContextProcessorError) Unwrap() error { return e.Err }

// RenderFailure wraps any other error raised while rendering a template or
// one of its blocks. Block is empty for full-template renders.
type RenderFailure struct {
	Template string
	Block    string
	Err      error
}

func (e *RenderFailure) Error() string {
	if e.Block != "" {
		return fmt.Sprintf("render: fragment %q of template %q: %v", e.Block, e.Template, e.Err)
	}
	return fmt.Sprintf("render: template %q: %v", e.Template, e.Err)
}

func (e *RenderFailure) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking processor or render.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
