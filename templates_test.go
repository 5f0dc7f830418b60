package templates_test

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	templates "github.com/goliatone/go-templates"
	"github.com/goliatone/go-templates/pkg/config"
	"github.com/goliatone/go-templates/pkg/engine"
	"github.com/goliatone/go-templates/pkg/engine/pongo"
	"github.com/goliatone/go-templates/pkg/testsupport"
)

//go:embed testdata/views
var embeddedViews embed.FS

func viewsFS(t *testing.T) fs.FS {
	t.Helper()
	sub, err := fs.Sub(embeddedViews, "testdata/views")
	require.NoError(t, err)
	return sub
}

func newTemplates(t *testing.T, opts ...templates.Option) *templates.Templates {
	t.Helper()

	tpl, err := templates.New(append([]templates.Option{templates.WithFS(viewsFS(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tpl.Close() })
	return tpl
}

func TestRenderFragment_InheritedBlock(t *testing.T) {
	tpl := newTemplates(t)

	got, err := tpl.RenderFragment(context.Background(), "child.html", "header", nil)
	require.NoError(t, err)
	require.Equal(t, "Hi", got)

	got, err = tpl.RenderFragment(context.Background(), "child.html", "content", map[string]any{"greeting": "Hello", "user": "Ada"})
	require.NoError(t, err)
	require.Equal(t, "<p>Hello, Ada</p>", got)
}

func TestRenderFragment_MissingBlock(t *testing.T) {
	tpl := newTemplates(t)

	_, err := tpl.RenderFragment(context.Background(), "child.html", "sidebar", nil)
	var notFound *templates.BlockNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "child.html", notFound.Template)
	require.Equal(t, "sidebar", notFound.Block)
	require.ErrorIs(t, err, templates.ErrBlockNotFound)
}

func TestRenderFragment_MissingTemplate(t *testing.T) {
	tpl := newTemplates(t)

	_, err := tpl.RenderFragment(context.Background(), "nope.html", "header", nil)
	require.ErrorIs(t, err, templates.ErrTemplateNotFound)
}

func TestRenderFragment_IdenticalAcrossStrategies(t *testing.T) {
	data := map[string]any{"greeting": strings.Repeat("hey ", 100), "user": "Ada"}

	small := newTemplates(t, templates.WithFragmentStringIOThreshold(1<<20))
	large := newTemplates(t, templates.WithFragmentStringIOThreshold(0))

	a, err := small.RenderFragment(context.Background(), "child.html", "content", data)
	require.NoError(t, err)
	b, err := large.RenderFragment(context.Background(), "child.html", "content", data)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestTemplateResponse_MergesProcessors(t *testing.T) {
	tpl := newTemplates(t,
		templates.WithContextProcessor("p1", func(*http.Request) (map[string]any, error) {
			return map[string]any{"a": 1}, nil
		}),
		templates.WithContextProcessor("p2", func(*http.Request) (map[string]any, error) {
			return map[string]any{"a": 2, "b": 3}, nil
		}),
	)
	r := httptest.NewRequest(http.MethodGet, "/merged", nil)

	resp, err := tpl.TemplateResponse(r, "merged.html", map[string]any{"a": 9})
	require.NoError(t, err)
	require.Equal(t, "9/3//merged", resp.Body)
	require.Equal(t, "merged.html", resp.Template.Name())

	got := map[string]any{"a": resp.Context["a"], "b": resp.Context["b"]}
	if diff := cmp.Diff(map[string]any{"a": 9, "b": 3}, got); diff != "" {
		t.Fatalf("merged context mismatch (-want +got):\n%s", diff)
	}

	rec := httptest.NewRecorder()
	resp.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "9/3//merged", rec.Body.String())
}

func TestTemplateResponse_FullPageWithInheritance(t *testing.T) {
	tpl := newTemplates(t)

	resp, err := tpl.RenderTemplate(httptest.NewRequest(http.MethodGet, "/", nil), "child.html",
		map[string]any{"greeting": "Hello", "user": "Ada"},
		templates.WithStatus(http.StatusAccepted),
	)
	require.NoError(t, err)
	require.Equal(t, "<html><head>Site</head><body>Hi<p>Hello, Ada</p></body></html>", resp.Body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTemplateResponse_WrapsFailures(t *testing.T) {
	tpl := newTemplates(t, templates.WithContextProcessor("boom", func(*http.Request) (map[string]any, error) {
		return nil, errors.New("boom")
	}))

	_, err := tpl.TemplateResponse(httptest.NewRequest(http.MethodGet, "/", nil), "child.html", nil)
	var failure *templates.RenderFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "child.html", failure.Template)
	var procErr *templates.ContextProcessorError
	require.ErrorAs(t, err, &procErr)
	require.Equal(t, "boom", procErr.Processor)
}

func TestRenderBlockGlobal(t *testing.T) {
	tpl := newTemplates(t)

	got, err := tpl.RenderFragment(context.Background(), "list.html", "content", map[string]any{"items": []int{1, 2}})
	require.NoError(t, err)
	require.Equal(t, "<ul><li>item</li><li>item</li></ul><em>none</em>", got)
}

func TestRenderBlock_Markup(t *testing.T) {
	tpl := newTemplates(t)

	got, err := tpl.RenderBlock(context.Background(), "partials/item.html", true, map[string]any{"label": "x"})
	require.NoError(t, err)
	require.Equal(t, "<li>x</li>", got)

	got, err = tpl.RenderBlock(context.Background(), "partials/item.html", false, map[string]any{"label": "x"})
	require.NoError(t, err)
	require.Equal(t, "&lt;li&gt;x&lt;/li&gt;", got)
}

func TestStatsAndRegistry(t *testing.T) {
	tpl := newTemplates(t, templates.WithContextProcessor("p", func(*http.Request) (map[string]any, error) {
		return map[string]any{"user": "ada"}, nil
	}))

	for i := 0; i < 2; i++ {
		_, err := tpl.RenderFragment(context.Background(), "child.html", "header", nil)
		require.NoError(t, err)
		_, err = tpl.TemplateResponse(httptest.NewRequest(http.MethodGet, "/x", nil), "child.html", map[string]any{"greeting": "hi"})
		require.NoError(t, err)
	}

	stats := tpl.Stats()
	require.Equal(t, uint64(1), stats.Fragment.Hits)
	require.Equal(t, uint64(1), stats.Fragment.Misses)
	require.Equal(t, uint64(1), stats.Context.Hits)
	require.Equal(t, uint64(1), stats.Context.Misses)
	require.Equal(t, 1, stats.Pool.Available)

	families, err := tpl.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names["templates_cache_hits_total"])
	require.True(t, names["templates_render_duration_seconds"])
	require.NotEmpty(t, tpl.ID())
}

func TestSharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()

	newTemplates(t, templates.WithRegisterer(reg))
	newTemplates(t, templates.WithRegisterer(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := templates.New(templates.WithFS(viewsFS(t)), templates.WithContextCacheSize(0))
	require.Error(t, err)

	_, err = templates.New()
	require.Error(t, err)

	cfg := config.Default()
	cfg.FragmentCacheSize = -1
	_, err = templates.New(templates.WithFS(viewsFS(t)), templates.WithConfig(cfg))
	require.Error(t, err)
}

func TestWithLoader_CustomEngine(t *testing.T) {
	fake := &testsupport.Template{
		TemplateName: "fake",
		RootFunc:     testsupport.Static("<p>", "fake", "</p>"),
		Blocks:       map[string]testsupport.ChunkFunc{"b": testsupport.Static("block")},
	}
	loader := testsupport.NewLoader(fake)
	tpl, err := templates.New(templates.WithLoader(loader))
	require.NoError(t, err)

	got, err := tpl.RenderFragment(context.Background(), "fake", "b", nil)
	require.NoError(t, err)
	require.Equal(t, "block", got)

	body, err := tpl.Render(context.Background(), "fake", nil)
	require.NoError(t, err)
	require.Equal(t, "<p>fake</p>", body)
	require.Equal(t, engine.Loader(loader), tpl.Loader())
}

func initials(in, _ any) (any, error) {
	name, ok := in.(string)
	if !ok {
		return nil, errors.New("initials expects a string")
	}
	var b strings.Builder
	for _, part := range strings.Fields(name) {
		b.WriteString(strings.ToUpper(part[:1]))
	}
	return b.String(), nil
}

func TestRenderBlockGlobal_UsesCallerContext(t *testing.T) {
	tpl := newTemplates(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	data := map[string]any{"stop": func() string {
		cancel()
		return ""
	}}

	_, err := tpl.Render(ctx, "cancel.html", data)
	require.Error(t, err)
	require.ErrorContains(t, err, `"partials/note.html"`)
	require.ErrorContains(t, err, context.Canceled.Error())

	got, err := tpl.Render(context.Background(), "cancel.html", map[string]any{"stop": func() string { return "" }})
	require.NoError(t, err)
	require.Equal(t, "<em>none</em>", got)
}

func TestWithFilter(t *testing.T) {
	opts := []templates.Option{
		templates.WithFilter("initials", initials),
		templates.WithEngineOptions(pongo.WithTemplateFunc(map[string]any{
			"double": func(n int) int { return n * 2 },
		})),
	}
	data := map[string]any{"name": "Ada Lovelace", "title": "Docs Home", "n": 21}

	first := newTemplates(t, opts...)
	got, err := first.Render(context.Background(), "filters.html", data)
	require.NoError(t, err)
	require.Equal(t, "AL docs Home 42", got)

	// The second instance finds the filter already registered.
	second := newTemplates(t, opts...)
	got, err = second.Render(context.Background(), "filters.html", data)
	require.NoError(t, err)
	require.Equal(t, "AL docs Home 42", got)
}

func TestWithFilter_RequiresFilterSupport(t *testing.T) {
	_, err := templates.New(
		templates.WithLoader(testsupport.NewLoader()),
		templates.WithFilter("initials", initials),
	)
	require.ErrorContains(t, err, "does not support filters")
}

func TestAutoReload(t *testing.T) {
	dir := t.TempDir()
	page := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(page, []byte(`{% block body %}v1{% endblock %}`), 0o644))

	tpl := newTemplatesFromDir(t, dir)

	got, err := tpl.RenderFragment(context.Background(), "page.html", "body", nil)
	require.NoError(t, err)
	require.Equal(t, "v1", got)

	require.NoError(t, os.WriteFile(page, []byte(`{% block body %}v2{% endblock %}`), 0o644))

	require.Eventually(t, func() bool {
		got, err := tpl.RenderFragment(context.Background(), "page.html", "body", nil)
		return err == nil && got == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAutoReload_KeepsUnaffectedFragments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "partials"), 0o755))
	row := filepath.Join(dir, "partials", "row.html")
	require.NoError(t, os.WriteFile(row, []byte(`v1`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.html"),
		[]byte(`{% block body %}<p>{% include "partials/row.html" %}</p>{% endblock %}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.html"),
		[]byte(`{% block body %}other{% endblock %}`), 0o644))

	tpl := newTemplatesFromDir(t, dir)
	ctx := context.Background()

	got, err := tpl.RenderFragment(ctx, "page.html", "body", nil)
	require.NoError(t, err)
	require.Equal(t, "<p>v1</p>", got)
	_, err = tpl.RenderFragment(ctx, "other.html", "body", nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(row, []byte(`v2`), 0o644))

	require.Eventually(t, func() bool {
		got, err := tpl.RenderFragment(ctx, "page.html", "body", nil)
		return err == nil && got == "<p>v2</p>"
	}, 5*time.Second, 20*time.Millisecond)

	misses := tpl.Stats().Fragment.Misses
	got, err = tpl.RenderFragment(ctx, "other.html", "body", nil)
	require.NoError(t, err)
	require.Equal(t, "other", got)
	require.Equal(t, misses, tpl.Stats().Fragment.Misses)
}

func newTemplatesFromDir(t *testing.T, dir string) *templates.Templates {
	t.Helper()

	cfg := config.Default()
	cfg.ReloadDebounce = 20 * time.Millisecond
	tpl, err := templates.New(templates.WithConfig(cfg), templates.WithDirectory(dir), templates.WithAutoReload(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tpl.Close() })
	return tpl
}

func TestJSONResponse(t *testing.T) {
	ran := false
	resp := templates.NewJSONResponse(
		map[string]any{"b": "<tag>", "a": []int{1, 2}},
		templates.WithStatus(http.StatusCreated),
		templates.WithHeaders(http.Header{"X-Id": []string{"7"}}),
		templates.WithBackground(func(context.Context) { ran = true }),
	)

	rec := httptest.NewRecorder()
	resp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, templates.JSONMediaType, rec.Header().Get("Content-Type"))
	require.Equal(t, "7", rec.Header().Get("X-Id"))
	require.Equal(t, `{"a":[1,2],"b":"<tag>"}`, rec.Body.String())
	require.True(t, ran)
}

func TestJSONResponse_EncodingFailure(t *testing.T) {
	resp := templates.NewJSONResponse(map[string]any{"ch": make(chan int)})

	rec := httptest.NewRecorder()
	resp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
