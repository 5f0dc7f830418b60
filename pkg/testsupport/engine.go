package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-templates/pkg/engine"
)

// ChunkFunc produces the chunks of a fake block for the given context.
type ChunkFunc func(ctx engine.Context) ([]string, error)

// Template is an in-memory engine.Template whose blocks are plain Go
// functions. Every chunk a ChunkFunc returns is yielded separately.
type Template struct {
	TemplateName string
	RootFunc     ChunkFunc
	Blocks       map[string]ChunkFunc
	Globals      map[string]any

	// Renders counts executed block and root renders.
	Renders atomic.Int64
	// Lookups counts Block calls.
	Lookups atomic.Int64
}

var _ engine.Template = (*Template)(nil)

func (t *Template) Name() string { return t.TemplateName }

func (t *Template) NewContext(data map[string]any) (engine.Context, error) {
	ctx := make(engine.Context, len(t.Globals)+len(data))
	for key, value := range t.Globals {
		ctx[key] = value
	}
	for key, value := range data {
		ctx[key] = value
	}
	return ctx, nil
}

func (t *Template) Root(ctx engine.Context) engine.Chunks {
	if t.RootFunc == nil {
		return engine.Single("", nil)
	}
	return t.chunks(t.RootFunc, ctx)
}

func (t *Template) Block(name string) (engine.BlockFunc, bool) {
	t.Lookups.Add(1)
	fn, ok := t.Blocks[name]
	if !ok {
		return nil, false
	}
	return func(ctx engine.Context) engine.Chunks {
		return t.chunks(fn, ctx)
	}, true
}

func (t *Template) chunks(fn ChunkFunc, ctx engine.Context) engine.Chunks {
	return func(yield func(string, error) bool) {
		t.Renders.Add(1)
		parts, err := fn(ctx)
		for _, part := range parts {
			if !yield(part, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

// Loader serves Templates by name and counts lookups.
type Loader struct {
	mu        sync.RWMutex
	templates map[string]*Template
	loads     atomic.Int64
}

var _ engine.Loader = (*Loader)(nil)

// NewLoader registers the given templates under their names.
func NewLoader(templates ...*Template) *Loader {
	l := &Loader{templates: make(map[string]*Template, len(templates))}
	for _, tpl := range templates {
		l.templates[tpl.TemplateName] = tpl
	}
	return l
}

func (l *Loader) Load(ctx context.Context, name string) (engine.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.loads.Add(1)

	l.mu.RLock()
	defer l.mu.RUnlock()
	tpl, ok := l.templates[name]
	if !ok {
		return nil, &engine.TemplateNotFoundError{Name: name}
	}
	return tpl, nil
}

// Loads reports how many times Load was called.
func (l *Loader) Loads() int64 { return l.loads.Load() }

// Static returns a ChunkFunc that always yields parts.
func Static(parts ...string) ChunkFunc {
	return func(engine.Context) ([]string, error) {
		return parts, nil
	}
}

// Echo returns a ChunkFunc rendering "key=value" pairs for keys, one chunk
// each, separated by sep.
func Echo(sep string, keys ...string) ChunkFunc {
	return func(ctx engine.Context) ([]string, error) {
		parts := make([]string, 0, len(keys)*2)
		for i, key := range keys {
			if i > 0 {
				parts = append(parts, sep)
			}
			parts = append(parts, fmt.Sprintf("%s=%v", key, ctx[key]))
		}
		return parts, nil
	}
}

// Keys renders the sorted context keys joined by commas.
func Keys() ChunkFunc {
	return func(ctx engine.Context) ([]string, error) {
		keys := make([]string, 0, len(ctx))
		for key := range ctx {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return []string{strings.Join(keys, ",")}, nil
	}
}
