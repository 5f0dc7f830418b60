package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-templates/pkg/cache"
)

// ContextProcessor derives template variables from the incoming request.
type ContextProcessor func(r *http.Request) (map[string]any, error)

// NamedProcessor is a ContextProcessor registered under a name used in logs
// and errors.
type NamedProcessor struct {
	Name string
	Fn   ContextProcessor
}

// ContextBuilderConfig sizes the processor output cache.
type ContextBuilderConfig struct {
	CacheSize int
	CacheTTL  time.Duration
	Logger    *zap.Logger
	// Clock overrides the cache time source, mainly for tests.
	Clock func() time.Time
}

// ContextBuilder merges per-call context with the output of the registered
// context processors. Processor output is cached per request fingerprint;
// the per-call context never is.
type ContextBuilder struct {
	processors []NamedProcessor
	cache      *cache.TTL[string, map[string]any]
	group      singleflight.Group
	logger     *zap.Logger
}

// NewContextBuilder registers processors in the order they will run.
func NewContextBuilder(cfg ContextBuilderConfig, processors ...NamedProcessor) (*ContextBuilder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registered := make([]NamedProcessor, 0, len(processors))
	for i, p := range processors {
		if p.Fn == nil {
			return nil, fmt.Errorf("render: context processor #%d has no function", i)
		}
		if strings.TrimSpace(p.Name) == "" {
			p.Name = fmt.Sprintf("processor_%d", i)
		}
		registered = append(registered, p)
	}

	opts := []cache.Option{cache.WithDefaultTTL(cfg.CacheTTL)}
	if cfg.Clock != nil {
		opts = append(opts, cache.WithClock(cfg.Clock))
	}
	outputs, err := cache.New[string, map[string]any](cfg.CacheSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("render: context cache: %w", err)
	}

	return &ContextBuilder{
		processors: registered,
		cache:      outputs,
		logger:     logger,
	}, nil
}

// Fingerprint returns the cache key for r: the method and the URL path.
func Fingerprint(r *http.Request) string {
	if r == nil {
		return ""
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	p := ""
	if r.URL != nil {
		p = r.URL.Path
	}
	return method + ":" + p
}

// Build returns a new map holding the processor output for r overlaid with
// base. Keys in base always win. A nil request runs the processors without
// caching their output.
func (b *ContextBuilder) Build(ctx context.Context, r *http.Request, base map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	processed, err := b.processed(r)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(processed)+len(base))
	for key, value := range processed {
		merged[key] = value
	}
	for key, value := range base {
		merged[key] = value
	}
	return merged, nil
}

// Processors lists the registered processor names in execution order.
func (b *ContextBuilder) Processors() []string {
	names := make([]string, len(b.processors))
	for i, p := range b.processors {
		names[i] = p.Name
	}
	return names
}

// Stats reports the processor output cache counters.
func (b *ContextBuilder) Stats() cache.Stats {
	return b.cache.Stats()
}

// Purge drops every cached processor output.
func (b *ContextBuilder) Purge() {
	b.cache.Clear()
}

type processedResult struct {
	output map[string]any
	req    *http.Request
}

func (b *ContextBuilder) processed(r *http.Request) (map[string]any, error) {
	if len(b.processors) == 0 {
		return nil, nil
	}
	if r == nil {
		out, _, err := b.run(nil)
		return out, err
	}

	key := Fingerprint(r)
	if out, ok := b.cache.Get(key); ok {
		b.logger.Debug("context cache hit", zap.String("fingerprint", key))
		return out, nil
	}
	b.logger.Debug("context cache miss", zap.String("fingerprint", key))

	v, err, _ := b.group.Do(key, func() (any, error) {
		out, cacheable, err := b.run(r)
		if err != nil {
			return nil, err
		}
		if cacheable {
			b.cache.Set(key, out)
		} else {
			b.logger.Debug("context output holds the request, not cached", zap.String("fingerprint", key))
		}
		return processedResult{output: out, req: r}, nil
	})
	if err != nil {
		return nil, err
	}

	res := v.(processedResult)
	if res.req != r && !cacheable(res.output) {
		// The shared output references another caller's request.
		out, _, err := b.run(r)
		return out, err
	}
	return res.output, nil
}

// run invokes every processor in order, later output overwriting earlier.
func (b *ContextBuilder) run(r *http.Request) (map[string]any, bool, error) {
	merged := make(map[string]any)
	for i, p := range b.processors {
		out, err := invoke(p.Fn, r)
		if err != nil {
			b.logger.Warn("context processor failed",
				zap.String("processor", p.Name),
				zap.Int("index", i),
				zap.Error(err),
			)
			return nil, false, &ContextProcessorError{Processor: p.Name, Index: i, Err: err}
		}
		b.logger.Debug("context processor ran", zap.String("processor", p.Name), zap.Int("keys", len(out)))
		for key, value := range out {
			merged[key] = value
		}
	}
	return merged, cacheable(merged), nil
}

func invoke(fn ContextProcessor, r *http.Request) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, &PanicError{Value: rec}
		}
	}()
	out, err = fn(r)
	if err == nil && out == nil {
		return map[string]any{}, nil
	}
	return out, err
}

// cacheable reports whether out is free of request values, which must never
// be served to a different request.
func cacheable(out map[string]any) bool {
	for _, value := range out {
		switch value.(type) {
		case *http.Request, http.Request:
			return false
		}
	}
	return true
}

// IsProcessorError reports whether err was raised by a context processor.
func IsProcessorError(err error) bool {
	var target *ContextProcessorError
	return errors.As(err, &target)
}
