package pongo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"

	"github.com/goliatone/go-templates/pkg/engine"
)

// Option configures the pongo2 engine before construction.
type Option func(*config)

type config struct {
	baseDir    string
	templates  fs.FS
	extension  string
	setName    string
	templateFn map[string]any
	globalData map[string]any
}

// WithBaseDir configures the engine to load templates from a directory on disk.
func WithBaseDir(dir string) Option {
	return func(cfg *config) {
		cfg.baseDir = strings.TrimSpace(dir)
	}
}

// WithFS configures the engine to load templates from an fs.FS.
func WithFS(files fs.FS) Option {
	return func(cfg *config) {
		cfg.templates = files
	}
}

// WithExtension appends ext to template names that do not already carry it.
// Names are used verbatim when no extension is configured.
func WithExtension(ext string) Option {
	return func(cfg *config) {
		trimmed := strings.TrimSpace(ext)
		if trimmed == "" {
			return
		}
		if !strings.HasPrefix(trimmed, ".") {
			trimmed = "." + trimmed
		}
		cfg.extension = trimmed
	}
}

// WithSetName names the underlying pongo2 template set.
func WithSetName(name string) Option {
	return func(cfg *config) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.setName = trimmed
		}
	}
}

// WithTemplateFunc registers filters (pongo2.FilterFunction values) or
// callable globals when the engine is built.
func WithTemplateFunc(funcs map[string]any) Option {
	return func(cfg *config) {
		if len(funcs) == 0 {
			return
		}
		if cfg.templateFn == nil {
			cfg.templateFn = make(map[string]any, len(funcs))
		}
		for name, fn := range funcs {
			cfg.templateFn[strings.TrimSpace(name)] = fn
		}
	}
}

// WithGlobalData seeds global context values available to every template.
func WithGlobalData(data map[string]any) Option {
	return func(cfg *config) {
		if len(data) == 0 {
			return
		}
		if cfg.globalData == nil {
			cfg.globalData = make(map[string]any, len(data))
		}
		for key, value := range data {
			cfg.globalData[strings.TrimSpace(key)] = value
		}
	}
}

// Engine loads pongo2 templates and exposes them through engine.Template.
// Globals and filters must be registered before rendering starts; the
// underlying template set reads them without synchronisation.
type Engine struct {
	mu sync.RWMutex

	templateSet *pongo2.TemplateSet
	templates   map[string]*Template
	sources     []fs.FS
	tplExt      string

	// relativeExtends mirrors how the first pongo2 loader resolves
	// {% extends %}: relative to the extending template for fs.FS loaders,
	// relative to the base directory for the local loader.
	relativeExtends bool
}

var _ engine.Loader = (*Engine)(nil)

// New constructs an Engine using the provided configuration options.
func New(options ...Option) (*Engine, error) {
	cfg := &config{setName: "templates"}
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(cfg)
	}

	if cfg.baseDir == "" && cfg.templates == nil {
		return nil, errors.New("pongo: need to provide either base dir or fs.FS")
	}

	var (
		loaders []pongo2.TemplateLoader
		sources []fs.FS
	)
	if cfg.baseDir != "" {
		loader, err := pongo2.NewLocalFileSystemLoader(cfg.baseDir)
		if err != nil {
			return nil, fmt.Errorf("pongo: create local loader: %w", err)
		}
		loaders = append(loaders, loader)
		sources = append(sources, os.DirFS(cfg.baseDir))
	}
	if cfg.templates != nil {
		loaders = append(loaders, pongo2.NewFSLoader(cfg.templates))
		sources = append(sources, cfg.templates)
	}

	e := &Engine{
		templateSet: pongo2.NewSet(cfg.setName, loaders...),
		templates:   make(map[string]*Template),
		sources:     sources,
		tplExt:      cfg.extension,

		relativeExtends: cfg.baseDir == "",
	}
	registerDefaultFilters()

	if err := e.GlobalContext(cfg.globalData); err != nil {
		return nil, fmt.Errorf("pongo: apply global data: %w", err)
	}
	for name, fn := range cfg.templateFn {
		if err := e.registerTemplateFunc(name, fn); err != nil {
			return nil, fmt.Errorf("pongo: register template func %q: %w", name, err)
		}
	}

	return e, nil
}

// Load returns the compiled template for name, compiling it on first use.
func (e *Engine) Load(ctx context.Context, name string) (engine.Template, error) {
	if e == nil || e.templateSet == nil {
		return nil, errors.New("pongo: engine is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.getTemplate(name)
}

// Reset drops every compiled template so the next Load re-reads the sources.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.templates)
}

// Invalidate drops the compiled templates that read any of the changed
// paths and returns a predicate matching the template names that resolved
// to them. Other compiled templates stay memoised.
func (e *Engine) Invalidate(changed []string) func(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	stale := make(map[string]struct{})
	for p, tpl := range e.templates {
		for _, c := range changed {
			if tpl.DependsOn(c) {
				stale[p] = struct{}{}
				delete(e.templates, p)
				break
			}
		}
	}
	return func(name string) bool {
		_, ok := stale[e.templatePath(name)]
		return ok
	}
}

// Compiled reports how many templates are currently memoised.
func (e *Engine) Compiled() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.templates)
}

// ErrFilterExists is returned when a filter name is already registered.
var ErrFilterExists = errors.New("pongo: filter already exists")

// FilterFunc transforms a template value. param is nil when the filter is
// used without an argument.
type FilterFunc func(input any, param any) (any, error)

// RegisterFilter registers a template filter. Filters are process wide in
// pongo2, so registering an existing name fails with ErrFilterExists.
func (e *Engine) RegisterFilter(name string, fn FilterFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("pongo: filter name and function required")
	}
	if pongo2.FilterExists(name) {
		return fmt.Errorf("%w: %q", ErrFilterExists, name)
	}

	filter := func(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		var paramVal any
		if param != nil && !param.IsNil() {
			paramVal = param.Interface()
		}
		result, err := fn(in.Interface(), paramVal)
		if err != nil {
			return nil, &pongo2.Error{Sender: "filter:" + name, OrigError: err}
		}
		return pongo2.AsValue(result), nil
	}
	return pongo2.RegisterFilter(name, filter)
}

// SafeFunc produces markup that templates insert without escaping.
type SafeFunc func(args ...any) (string, error)

// RegisterSafeFunc exposes fn to templates as a callable global whose output
// is marked safe.
func (e *Engine) RegisterSafeFunc(name string, fn SafeFunc) error {
	if strings.TrimSpace(name) == "" || fn == nil {
		return errors.New("pongo: function name and function required")
	}
	return e.GlobalContext(map[string]any{name: SafeFuncValue(fn)})
}

// SafeFuncValue converts fn into a value templates can call, for use as a
// per-render context entry that shadows a global of the same name.
func SafeFuncValue(fn SafeFunc) any {
	return func(args ...any) (*pongo2.Value, error) {
		out, err := fn(args...)
		if err != nil {
			return nil, err
		}
		return pongo2.AsSafeValue(out), nil
	}
}

// GlobalContext merges data into the globals shared by every template.
func (e *Engine) GlobalContext(data map[string]any) error {
	if e == nil || e.templateSet == nil {
		return errors.New("pongo: engine is nil")
	}
	if len(data) == 0 {
		return nil
	}

	globals := make(pongo2.Context, len(data))
	for key, value := range data {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		globals[key] = value
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.templateSet.Globals == nil {
		e.templateSet.Globals = make(pongo2.Context)
	}
	e.templateSet.Globals.Update(globals)
	return nil
}

func (e *Engine) registerTemplateFunc(name string, fn any) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || fn == nil {
		return nil
	}

	if filter, ok := fn.(pongo2.FilterFunction); ok {
		if pongo2.FilterExists(trimmed) {
			return nil
		}
		return pongo2.RegisterFilter(trimmed, filter)
	}

	if !isCallable(fn) {
		return nil
	}
	return e.GlobalContext(map[string]any{trimmed: fn})
}

func (e *Engine) templatePath(name string) string {
	p := path.Clean(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	if e.tplExt != "" && !strings.HasSuffix(p, e.tplExt) {
		p += e.tplExt
	}
	return p
}

func (e *Engine) getTemplate(name string) (*Template, error) {
	p := e.templatePath(name)

	e.mu.RLock()
	if tmpl, ok := e.templates[p]; ok {
		e.mu.RUnlock()
		return tmpl, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if tmpl, ok := e.templates[p]; ok {
		return tmpl, nil
	}

	tmpl, err := e.compile(name, p)
	if err != nil {
		return nil, err
	}
	e.templates[p] = tmpl
	return tmpl, nil
}

func (e *Engine) compile(name, p string) (*Template, error) {
	chain, err := e.resolveChain(p)
	if err != nil {
		return nil, err
	}

	tpl, err := e.templateSet.FromFile(p)
	if err != nil {
		return nil, fmt.Errorf("pongo: load template %q: %w", p, err)
	}

	deps, dynamic := e.dependencies(chain)
	return &Template{
		name:    name,
		path:    p,
		tpl:     tpl,
		chain:   chain,
		engine:  e,
		deps:    deps,
		dynamic: dynamic,
	}, nil
}

// compileString parses src under the engine lock; pongo2 marks the set as
// used on every parse.
func (e *Engine) compileString(src string) (*pongo2.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.templateSet.FromString(src)
}

func (e *Engine) readSource(p string) ([]byte, error) {
	if !fs.ValidPath(p) {
		return nil, &engine.TemplateNotFoundError{Name: p, Err: fs.ErrInvalid}
	}
	var lastErr error
	for _, files := range e.sources {
		data, err := fs.ReadFile(files, p)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, &engine.TemplateNotFoundError{Name: p, Err: lastErr}
}

func isCallable(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Kind() == reflect.Func
}
