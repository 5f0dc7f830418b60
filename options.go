package templates

import (
	"io/fs"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/goliatone/go-templates/pkg/config"
	"github.com/goliatone/go-templates/pkg/engine"
	"github.com/goliatone/go-templates/pkg/engine/pongo"
	"github.com/goliatone/go-templates/pkg/render"
)

// Option customises a Templates instance.
type Option func(*settings)

type settings struct {
	cfg        config.Config
	files      fs.FS
	loader     engine.Loader
	processors []render.NamedProcessor
	engineOpts []pongo.Option
	filters    []namedFilter
	logger     *zap.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
}

// WithConfig replaces the whole configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg config.Config) Option {
	return func(s *settings) {
		s.cfg = cfg
	}
}

// WithDirectory loads templates from dir on disk.
func WithDirectory(dir string) Option {
	return func(s *settings) {
		s.cfg.Directory = strings.TrimSpace(dir)
	}
}

// WithFS loads templates from files. When a directory is configured as well,
// the directory is consulted first.
func WithFS(files fs.FS) Option {
	return func(s *settings) {
		s.files = files
	}
}

// WithExtension appends ext to template names that lack it.
func WithExtension(ext string) Option {
	return func(s *settings) {
		s.cfg.Extension = strings.TrimSpace(ext)
	}
}

// WithLoader plugs in a custom template engine instead of pongo2. Directory,
// FS, extension and engine options are ignored.
func WithLoader(loader engine.Loader) Option {
	return func(s *settings) {
		s.loader = loader
	}
}

// WithEngineOptions forwards options to the pongo2 engine.
func WithEngineOptions(opts ...pongo.Option) Option {
	return func(s *settings) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

type namedFilter struct {
	name string
	fn   pongo.FilterFunc
}

// WithFilter registers a template filter on the pongo2 engine. pongo2 keeps
// filters process wide; a name registered earlier keeps its first function.
func WithFilter(name string, fn pongo.FilterFunc) Option {
	return func(s *settings) {
		s.filters = append(s.filters, namedFilter{name: strings.TrimSpace(name), fn: fn})
	}
}

// WithContextProcessor registers a context processor. Processors run in
// registration order; later output overwrites earlier output.
func WithContextProcessor(name string, fn render.ContextProcessor) Option {
	return func(s *settings) {
		s.processors = append(s.processors, render.NamedProcessor{Name: name, Fn: fn})
	}
}

// WithContextCacheSize bounds the processor output cache.
func WithContextCacheSize(n int) Option {
	return func(s *settings) {
		s.cfg.ContextCacheSize = n
	}
}

// WithContextCacheTTL sets how long processor output is reused.
func WithContextCacheTTL(d time.Duration) Option {
	return func(s *settings) {
		s.cfg.ContextCacheTTL = d
	}
}

// WithFragmentCacheSize bounds the block function cache.
func WithFragmentCacheSize(n int) Option {
	return func(s *settings) {
		s.cfg.FragmentCacheSize = n
	}
}

// WithFragmentCacheTTL sets how long a block function is reused.
func WithFragmentCacheTTL(d time.Duration) Option {
	return func(s *settings) {
		s.cfg.FragmentCacheTTL = d
	}
}

// WithContextPoolSize bounds the number of idle context containers.
func WithContextPoolSize(n int) Option {
	return func(s *settings) {
		s.cfg.ContextPoolSize = n
	}
}

// WithFragmentStringIOThreshold sets the estimated size above which output
// is assembled in an incremental buffer.
func WithFragmentStringIOThreshold(n int) Option {
	return func(s *settings) {
		s.cfg.FragmentStringIOThreshold = n
	}
}

// WithAutoReload watches the template directory and drops compiled
// templates and cached block functions when files change.
func WithAutoReload(enabled bool) Option {
	return func(s *settings) {
		s.cfg.AutoReload = enabled
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithRegisterer registers metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) {
		s.registerer = reg
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) {
		s.tracer = tp
	}
}
