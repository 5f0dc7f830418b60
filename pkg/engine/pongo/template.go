package pongo

import (
	"fmt"
	"io"
	"path"
	"regexp"
	"sync"

	"github.com/flosch/pongo2/v6"

	"github.com/goliatone/go-templates/pkg/engine"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Template is a compiled pongo2 template plus its resolved extends chain.
type Template struct {
	name   string
	path   string
	tpl    *pongo2.Template
	chain  []*link
	engine *Engine

	deps    map[string]struct{}
	dynamic bool

	mu      sync.Mutex
	proxies map[string]*pongo2.Template
}

var _ engine.Template = (*Template)(nil)

// Name returns the name the template was requested with.
func (t *Template) Name() string { return t.name }

// Path returns the resolved template path, including any configured extension.
func (t *Template) Path() string { return t.path }

// Parents lists the paths of the templates this one extends, nearest first.
func (t *Template) Parents() []string {
	out := make([]string, 0, len(t.chain)-1)
	for _, l := range t.chain[1:] {
		out = append(out, l.path)
	}
	return out
}

// Blocks lists every block reachable from this template, sorted by name.
func (t *Template) Blocks() []string {
	return sortedBlockNames(t.chain)
}

// NewContext wraps data as a pongo2 context. pongo2 copies the map and merges
// set globals when execution starts, so data can be recycled afterwards.
func (t *Template) NewContext(data map[string]any) (engine.Context, error) {
	for key := range data {
		if !identifierPattern.MatchString(key) {
			return nil, fmt.Errorf("pongo: context key %q is not a valid identifier", key)
		}
	}
	return engine.Context(data), nil
}

// Root renders the whole template. Each write pongo2 performs becomes one
// chunk of the sequence.
func (t *Template) Root(ctx engine.Context) engine.Chunks {
	return engine.FromWriter(func(w io.Writer) error {
		return t.tpl.ExecuteWriterUnbuffered(pongo2.Context(ctx), w)
	})
}

// Block returns the render function of name when this template or one of
// its ancestors declares it. The block renders with the same overrides a
// full render applies.
func (t *Template) Block(name string) (engine.BlockFunc, bool) {
	if name == proxyBlock || !t.declares(name) {
		return nil, false
	}
	return func(ctx engine.Context) engine.Chunks {
		return func(yield func(string, error) bool) {
			proxy, err := t.proxy(name)
			if err != nil {
				yield("", err)
				return
			}
			out, err := proxy.ExecuteBlocks(pongo2.Context(ctx), []string{proxyBlock})
			if err != nil {
				yield("", err)
				return
			}
			yield(out[proxyBlock], nil)
		}
	}, true
}

// DependsOn reports whether a render of t reads the template at p, through
// extends, include or import. Templates with dynamic includes depend on every
// path.
func (t *Template) DependsOn(p string) bool {
	if t.dynamic {
		return true
	}
	_, ok := t.deps[path.Clean(p)]
	return ok
}

func (t *Template) declares(name string) bool {
	for _, l := range t.chain {
		if _, ok := l.blocks[name]; ok {
			return true
		}
	}
	return false
}

// proxy compiles, once per block, the template that renders name in the
// context of this template's chain.
func (t *Template) proxy(name string) (*pongo2.Template, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.proxies[name]; ok {
		return p, nil
	}
	p, err := t.engine.compileString(proxySource(t.path, name))
	if err != nil {
		return nil, fmt.Errorf("pongo: compile block %q of %q: %w", name, t.path, err)
	}
	if t.proxies == nil {
		t.proxies = make(map[string]*pongo2.Template)
	}
	t.proxies[name] = p
	return p, nil
}
