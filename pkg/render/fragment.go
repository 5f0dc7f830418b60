package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-templates/pkg/cache"
	"github.com/goliatone/go-templates/pkg/engine"
	"github.com/goliatone/go-templates/pkg/pool"
)

// BlockKey identifies a cached block render function.
type BlockKey struct {
	Template string
	Block    string
}

func (k BlockKey) String() string {
	return k.Template + ":" + k.Block
}

// flightKey is unambiguous for names containing the separator.
func (k BlockKey) flightKey() string {
	return strconv.Itoa(len(k.Template)) + "|" + k.Template + "|" + k.Block
}

// FragmentConfig tunes the fragment renderer.
type FragmentConfig struct {
	// CacheSize bounds the number of block render functions kept.
	CacheSize int
	// CacheTTL is how long a block render function is reused before the
	// template is consulted again.
	CacheTTL time.Duration
	// Sizer picks the chunk assembly strategy from the context size.
	Sizer  Sizer
	Logger *zap.Logger
	Clock  func() time.Time
}

// FragmentRenderer renders single named blocks. Block render functions are
// cached per (template, block); render contexts are borrowed from a pool.
type FragmentRenderer struct {
	loader   engine.Loader
	blocks   *cache.TTL[BlockKey, engine.BlockFunc]
	contexts *pool.Pool[map[string]any]
	sizer    Sizer
	group    singleflight.Group
	logger   *zap.Logger
}

// NewFragmentRenderer builds a renderer that loads templates through loader
// and borrows context containers from contexts.
func NewFragmentRenderer(loader engine.Loader, contexts *pool.Pool[map[string]any], cfg FragmentConfig) (*FragmentRenderer, error) {
	if loader == nil {
		return nil, errors.New("render: fragment renderer requires a loader")
	}
	if contexts == nil {
		return nil, errors.New("render: fragment renderer requires a context pool")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []cache.Option{cache.WithDefaultTTL(cfg.CacheTTL)}
	if cfg.Clock != nil {
		opts = append(opts, cache.WithClock(cfg.Clock))
	}
	blocks, err := cache.New[BlockKey, engine.BlockFunc](cfg.CacheSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("render: block cache: %w", err)
	}

	return &FragmentRenderer{
		loader:   loader,
		blocks:   blocks,
		contexts: contexts,
		sizer:    cfg.Sizer,
		logger:   logger,
	}, nil
}

// RenderFragment renders block of templateName with data. It returns the
// loader's not-found error or a *BlockNotFoundError as is, and wraps every
// other failure in a *RenderFailure.
func (f *FragmentRenderer) RenderFragment(ctx context.Context, templateName, block string, data map[string]any) (string, error) {
	tpl, err := f.loader.Load(ctx, templateName)
	if err != nil {
		if errors.Is(err, engine.ErrTemplateNotFound) {
			return "", err
		}
		return "", f.fail(templateName, block, err)
	}

	fn, err := f.blockFunc(tpl, templateName, block)
	if err != nil {
		return "", err
	}

	out, err := f.execute(ctx, tpl, fn, data)
	if err != nil {
		return "", f.fail(templateName, block, err)
	}
	return out, nil
}

func (f *FragmentRenderer) execute(ctx context.Context, tpl engine.Template, fn engine.BlockFunc, data map[string]any) (string, error) {
	container := f.contexts.Acquire()
	defer f.contexts.Release(container)

	for key, value := range data {
		container[key] = value
	}
	renderCtx, err := tpl.NewContext(container)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}

	strategy := f.sizer.Choose(f.sizer.Estimate(container))
	return Collect(ctx, fn(renderCtx), strategy)
}

func (f *FragmentRenderer) blockFunc(tpl engine.Template, templateName, block string) (engine.BlockFunc, error) {
	key := BlockKey{Template: templateName, Block: block}
	if fn, ok := f.blocks.Get(key); ok {
		return fn, nil
	}

	v, err, _ := f.group.Do(key.flightKey(), func() (any, error) {
		fn, ok := tpl.Block(block)
		if !ok {
			return nil, &BlockNotFoundError{Template: templateName, Block: block}
		}
		f.blocks.Set(key, fn)
		f.logger.Debug("block function cached",
			zap.String("template", templateName),
			zap.String("block", block),
		)
		return fn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.BlockFunc), nil
}

func (f *FragmentRenderer) fail(templateName, block string, err error) error {
	f.logger.Warn("fragment render failed",
		zap.String("template", templateName),
		zap.String("block", block),
		zap.Error(err),
	)
	return &RenderFailure{Template: templateName, Block: block, Err: err}
}

// Stats reports the block function cache counters.
func (f *FragmentRenderer) Stats() cache.Stats {
	return f.blocks.Stats()
}

// Purge drops every cached block function.
func (f *FragmentRenderer) Purge() {
	f.blocks.Clear()
}

// Templates lists the distinct template names with cached block functions.
func (f *FragmentRenderer) Templates() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, key := range f.blocks.Keys() {
		if _, ok := seen[key.Template]; ok {
			continue
		}
		seen[key.Template] = struct{}{}
		names = append(names, key.Template)
	}
	sort.Strings(names)
	return names
}

// PurgeTemplate drops the cached block functions of one template.
func (f *FragmentRenderer) PurgeTemplate(templateName string) int {
	return f.blocks.InvalidateFunc(func(k BlockKey) bool {
		return k.Template == templateName
	})
}
