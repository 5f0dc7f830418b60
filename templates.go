// Package templates renders pongo2 templates for net/http handlers. A
// Templates value owns the processor output cache, the block function cache
// and the context pool shared by every render issued through it.
package templates

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/goliatone/go-templates/internal/metrics"
	"github.com/goliatone/go-templates/internal/watch"
	"github.com/goliatone/go-templates/pkg/cache"
	"github.com/goliatone/go-templates/pkg/config"
	"github.com/goliatone/go-templates/pkg/engine"
	"github.com/goliatone/go-templates/pkg/engine/pongo"
	"github.com/goliatone/go-templates/pkg/pool"
	"github.com/goliatone/go-templates/pkg/render"
)

const tracerName = "github.com/goliatone/go-templates"

// RenderBlockFunc is the name of the template global that inlines another
// template: {{ render_block("partials/card.html") }}.
const RenderBlockFunc = "render_block"

// Stats is a snapshot of the caches and the context pool.
type Stats struct {
	Context  cache.Stats
	Fragment cache.Stats
	Pool     pool.Stats
}

type safeFuncRegistrar interface {
	RegisterSafeFunc(name string, fn pongo.SafeFunc) error
}

type filterRegistrar interface {
	RegisterFilter(name string, fn pongo.FilterFunc) error
}

type resetter interface {
	Reset()
}

type invalidator interface {
	Invalidate(changed []string) func(name string) bool
}

// Templates is the rendering facade. It is safe for concurrent use.
type Templates struct {
	id     string
	cfg    config.Config
	loader engine.Loader

	contexts  *pool.Pool[map[string]any]
	builder   *render.ContextBuilder
	fragments *render.FragmentRenderer
	responses *render.ResponseBuilder

	// bindRenderBlock is set when render_block can be shadowed per render.
	bindRenderBlock bool

	metrics *metrics.Collector
	watcher *watch.Watcher
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New builds a Templates instance from the defaults in package config and
// the given options.
func New(opts ...Option) (*Templates, error) {
	s := &settings{cfg: config.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := s.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("templates_instance", id))

	loader, err := newLoader(s)
	if err != nil {
		return nil, err
	}

	contexts, err := pool.NewContextPool(s.cfg.ContextPoolSize)
	if err != nil {
		return nil, fmt.Errorf("templates: context pool: %w", err)
	}
	builder, err := render.NewContextBuilder(render.ContextBuilderConfig{
		CacheSize: s.cfg.ContextCacheSize,
		CacheTTL:  s.cfg.ContextCacheTTL,
		Logger:    logger.Named("context"),
	}, s.processors...)
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	sizer := render.Sizer{
		Threshold: s.cfg.FragmentStringIOThreshold,
		Fallback:  s.cfg.FallbackSizeEstimate,
	}
	fragments, err := render.NewFragmentRenderer(loader, contexts, render.FragmentConfig{
		CacheSize: s.cfg.FragmentCacheSize,
		CacheTTL:  s.cfg.FragmentCacheTTL,
		Sizer:     sizer,
		Logger:    logger.Named("fragment"),
	})
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	responses, err := render.NewResponseBuilder(loader, builder, contexts, sizer, logger.Named("response"))
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	collector, err := metrics.New(metrics.Options{
		Instance:   id,
		Registerer: s.registerer,
		Caches: map[string]func() cache.Stats{
			"context":  builder.Stats,
			"fragment": fragments.Stats,
		},
		Pool: contexts.Stats,
	})
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	tp := s.tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	t := &Templates{
		id:        id,
		cfg:       s.cfg,
		loader:    loader,
		contexts:  contexts,
		builder:   builder,
		fragments: fragments,
		responses: responses,
		metrics:   collector,
		tracer:    tp.Tracer(tracerName),
		logger:    logger,
	}

	if registrar, ok := loader.(safeFuncRegistrar); ok {
		if err := registrar.RegisterSafeFunc(RenderBlockFunc, t.renderBlockGlobal); err != nil {
			return nil, fmt.Errorf("templates: register %s: %w", RenderBlockFunc, err)
		}
		t.bindRenderBlock = true
	}

	if err := registerFilters(loader, s.filters, logger); err != nil {
		return nil, err
	}

	if s.cfg.AutoReload {
		w, err := watch.New(s.cfg.Directory, s.cfg.ReloadDebounce, t.onTemplatesChanged, logger.Named("watch"))
		if err != nil {
			return nil, fmt.Errorf("templates: %w", err)
		}
		w.Start()
		t.watcher = w
	}

	return t, nil
}

func registerFilters(loader engine.Loader, filters []namedFilter, logger *zap.Logger) error {
	if len(filters) == 0 {
		return nil
	}
	registrar, ok := loader.(filterRegistrar)
	if !ok {
		return fmt.Errorf("templates: loader %T does not support filters", loader)
	}
	for _, f := range filters {
		err := registrar.RegisterFilter(f.name, f.fn)
		if errors.Is(err, pongo.ErrFilterExists) {
			logger.Debug("filter already registered", zap.String("filter", f.name))
			continue
		}
		if err != nil {
			return fmt.Errorf("templates: register filter %q: %w", f.name, err)
		}
	}
	return nil
}

func newLoader(s *settings) (engine.Loader, error) {
	if s.loader != nil {
		return s.loader, nil
	}

	opts := make([]pongo.Option, 0, len(s.engineOpts)+3)
	if s.cfg.Directory != "" {
		opts = append(opts, pongo.WithBaseDir(s.cfg.Directory))
	}
	if s.files != nil {
		opts = append(opts, pongo.WithFS(s.files))
	}
	if s.cfg.Extension != "" {
		opts = append(opts, pongo.WithExtension(s.cfg.Extension))
	}
	opts = append(opts, s.engineOpts...)

	e, err := pongo.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	return e, nil
}

// RenderFragment renders a single block of a template. The block may be
// declared by the template or any template it extends. Unknown templates and
// blocks are reported with engine.TemplateNotFoundError and
// render.BlockNotFoundError; everything else is a render.RenderFailure.
func (t *Templates) RenderFragment(ctx context.Context, name, block string, data map[string]any) (string, error) {
	ctx, span := t.tracer.Start(ctx, "templates.RenderFragment", trace.WithAttributes(
		attribute.String("template.name", name),
		attribute.String("template.block", block),
	))
	defer span.End()

	start := time.Now()
	out, err := t.fragments.RenderFragment(ctx, name, block, t.withRenderBlock(ctx, data))
	t.metrics.ObserveRender(metrics.KindFragment, err, time.Since(start))
	endSpan(span, err)
	return out, err
}

// Render renders the whole template with data and no context processors.
func (t *Templates) Render(ctx context.Context, name string, data map[string]any) (string, error) {
	return t.responses.Render(ctx, name, t.withRenderBlock(ctx, data))
}

// RenderBlock renders the whole template. With markup false the result is
// HTML-escaped so it can be embedded as text.
func (t *Templates) RenderBlock(ctx context.Context, name string, markup bool, data map[string]any) (string, error) {
	ctx, span := t.tracer.Start(ctx, "templates.RenderBlock", trace.WithAttributes(
		attribute.String("template.name", name),
		attribute.Bool("template.markup", markup),
	))
	defer span.End()

	start := time.Now()
	out, err := t.Render(ctx, name, data)
	t.metrics.ObserveRender(metrics.KindBlock, err, time.Since(start))
	endSpan(span, err)
	if err != nil {
		return "", err
	}
	if !markup {
		out = html.EscapeString(out)
	}
	return out, nil
}

// TemplateResponse renders name for r after merging the context processor
// output into data. data wins over processor output and gains a "request"
// entry when it has none. Every failure is a render.RenderFailure.
func (t *Templates) TemplateResponse(r *http.Request, name string, data map[string]any, opts ...ResponseOption) (*render.TemplateResponse, error) {
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	ctx, span := t.tracer.Start(ctx, "templates.TemplateResponse", trace.WithAttributes(
		attribute.String("template.name", name),
	))
	defer span.End()

	start := time.Now()
	resp, err := t.responses.Build(ctx, r, name, t.withRenderBlock(ctx, data), opts...)
	t.metrics.ObserveRender(metrics.KindTemplate, err, time.Since(start))
	endSpan(span, err)
	return resp, err
}

// RenderTemplate is an alias of TemplateResponse.
func (t *Templates) RenderTemplate(r *http.Request, name string, data map[string]any, opts ...ResponseOption) (*render.TemplateResponse, error) {
	return t.TemplateResponse(r, name, data, opts...)
}

// Reload drops compiled templates, when the engine supports it, and every
// cached block function.
func (t *Templates) Reload() {
	if r, ok := t.loader.(resetter); ok {
		r.Reset()
	}
	t.fragments.Purge()
	t.logger.Info("template caches purged")
}

// onTemplatesChanged recompiles only the templates that read a changed
// file and drops their cached block functions.
func (t *Templates) onTemplatesChanged(changed []string) {
	inv, ok := t.loader.(invalidator)
	if !ok {
		t.logger.Info("reloading templates", zap.Strings("changed", changed))
		t.Reload()
		return
	}

	stale := inv.Invalidate(changed)
	purged := 0
	for _, name := range t.fragments.Templates() {
		if stale(name) {
			purged += t.fragments.PurgeTemplate(name)
		}
	}
	t.logger.Info("templates invalidated",
		zap.Strings("changed", changed),
		zap.Int("purged_blocks", purged),
	)
}

// Stats returns a snapshot of the caches and the context pool.
func (t *Templates) Stats() Stats {
	return Stats{
		Context:  t.builder.Stats(),
		Fragment: t.fragments.Stats(),
		Pool:     t.contexts.Stats(),
	}
}

// Registry returns the gatherer holding this instance's metrics. It is nil
// when WithRegisterer was given a registerer that cannot be gathered.
func (t *Templates) Registry() prometheus.Gatherer {
	return t.metrics.Gatherer()
}

// ID identifies this instance in logs and metric labels.
func (t *Templates) ID() string { return t.id }

// Config returns the effective configuration.
func (t *Templates) Config() config.Config { return t.cfg }

// Loader returns the template engine in use.
func (t *Templates) Loader() engine.Loader { return t.loader }

// Close stops the directory watcher, if any.
func (t *Templates) Close() error {
	if t.watcher == nil {
		return nil
	}
	return t.watcher.Stop()
}

// renderBlockGlobal backs the render_block template global for renders that
// do not go through this facade:
// render_block(name) or render_block(name, data).
func (t *Templates) renderBlockGlobal(args ...any) (string, error) {
	return t.renderBlockCall(context.Background(), args...)
}

// withRenderBlock returns data with a render_block entry bound to ctx, so
// nested renders share the caller's cancellation and trace. A caller-supplied
// render_block entry is kept.
func (t *Templates) withRenderBlock(ctx context.Context, data map[string]any) map[string]any {
	if !t.bindRenderBlock {
		return data
	}
	if _, ok := data[RenderBlockFunc]; ok {
		return data
	}
	out := make(map[string]any, len(data)+1)
	for key, value := range data {
		out[key] = value
	}
	out[RenderBlockFunc] = pongo.SafeFuncValue(func(args ...any) (string, error) {
		return t.renderBlockCall(ctx, args...)
	})
	return out
}

func (t *Templates) renderBlockCall(ctx context.Context, args ...any) (string, error) {
	if len(args) == 0 {
		return "", errors.New("render_block: template name required")
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("render_block: template name must be a string, got %T", args[0])
	}
	var data map[string]any
	if len(args) > 1 {
		if m, ok := args[1].(map[string]any); ok {
			data = m
		}
	}
	return t.RenderBlock(ctx, name, true, data)
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
