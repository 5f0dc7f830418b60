package pongo_test

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/goliatone/go-templates/pkg/engine"
	"github.com/goliatone/go-templates/pkg/engine/pongo"
	"github.com/goliatone/go-templates/pkg/testsupport"
)

//go:embed testdata/views
var embeddedViews embed.FS

func newEngine(t *testing.T, opts ...pongo.Option) *pongo.Engine {
	t.Helper()

	views, err := fs.Sub(embeddedViews, "testdata/views")
	if err != nil {
		t.Fatalf("sub fs: %v", err)
	}
	e, err := pongo.New(append([]pongo.Option{pongo.WithFS(views), pongo.WithExtension("html")}, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func load(t *testing.T, e *pongo.Engine, name string) *pongo.Template {
	t.Helper()

	tpl, err := e.Load(testsupport.Context(), name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return tpl.(*pongo.Template)
}

func renderRoot(t *testing.T, tpl engine.Template, data map[string]any) string {
	t.Helper()

	ctx, err := tpl.NewContext(data)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	return engine.Concat(testsupport.CollectChunks(t, tpl.Root(ctx)))
}

func renderBlock(t *testing.T, tpl engine.Template, block string, data map[string]any) string {
	t.Helper()

	fn, ok := tpl.Block(block)
	if !ok {
		t.Fatalf("block %q not found in %s", block, tpl.Name())
	}
	ctx, err := tpl.NewContext(data)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	return engine.Concat(testsupport.CollectChunks(t, fn(ctx)))
}

func TestEngine_New_RequiresSource(t *testing.T) {
	if _, err := pongo.New(); err == nil {
		t.Fatal("expected error without base dir or fs")
	}
}

func TestEngine_RootRendersInheritance(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "pages/page")

	got := renderRoot(t, tpl, map[string]any{"name": "Ada", "title": "Docs"})
	testsupport.AssertGolden(t, filepath.Join("testdata", "golden", "page.golden"), got)
}

func TestEngine_BlockDeclaredOnTemplate(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "child")

	if got := renderBlock(t, tpl, "content", map[string]any{"name": "Ada"}); got != "Hello Ada" {
		t.Fatalf("content block: got %q", got)
	}
}

func TestEngine_BlockInheritedFromParent(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "child")

	if got := renderBlock(t, tpl, "header", nil); got != "Hi" {
		t.Fatalf("header block: got %q", got)
	}
}

func TestEngine_BlockNearestOverrideWins(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "pages/page")

	data := map[string]any{"name": "Ada", "title": "Docs"}
	if got := renderBlock(t, tpl, "header", data); got != "Page Docs" {
		t.Fatalf("header block: got %q", got)
	}
	if got := renderBlock(t, tpl, "content", data); got != "Hello Ada" {
		t.Fatalf("content block: got %q", got)
	}
}

func TestEngine_BlockMissing(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "pages/page")

	if _, ok := tpl.Block("ghost"); ok {
		t.Fatal("expected commented-out block to be ignored")
	}
	if _, ok := tpl.Block("footer"); ok {
		t.Fatal("expected footer block to be missing")
	}
}

func TestEngine_BlockMatchesFullRender(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "layered_child")

	if got := renderRoot(t, tpl, nil); got != "Hi there|[child title]" {
		t.Fatalf("root render: got %q", got)
	}

	cases := map[string]string{
		"header":  "Hi there",
		"content": "[child title]",
		"title":   "child title",
	}
	for block, want := range cases {
		if got := renderBlock(t, tpl, block, nil); got != want {
			t.Errorf("block %q: got %q, want %q", block, got, want)
		}
	}
}

func TestEngine_BlockInsideInertSections(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "inert")

	for _, block := range []string{"hidden", "raw"} {
		if _, ok := tpl.Block(block); ok {
			t.Errorf("block %q inside a comment or verbatim section should not be found", block)
		}
	}
	if got := renderBlock(t, tpl, "shown", nil); got != "ok" {
		t.Fatalf("shown block: got %q", got)
	}
	if diff := cmp.Diff([]string{"shown"}, tpl.Blocks()); diff != "" {
		t.Fatalf("blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_BlocksAndParents(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "pages/page")

	if diff := cmp.Diff([]string{"content", "header"}, tpl.Blocks()); diff != "" {
		t.Fatalf("blocks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"child.html", "base.html"}, tpl.Parents()); diff != "" {
		t.Fatalf("parents mismatch (-want +got):\n%s", diff)
	}
	if tpl.Name() != "pages/page" || tpl.Path() != "pages/page.html" {
		t.Fatalf("unexpected name/path %q %q", tpl.Name(), tpl.Path())
	}
}

func TestEngine_TemplateNotFound(t *testing.T) {
	e := newEngine(t)

	_, err := e.Load(testsupport.Context(), "nope")
	if !errors.Is(err, engine.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	var notFound *engine.TemplateNotFoundError
	if !errors.As(err, &notFound) || notFound.Name != "nope.html" {
		t.Fatalf("expected TemplateNotFoundError for nope.html, got %#v", err)
	}
}

func TestEngine_ExtendsCycle(t *testing.T) {
	e := newEngine(t)

	_, err := e.Load(testsupport.Context(), "loop_a")
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestEngine_LoadHonoursCancelledContext(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := cancelledContext()
	defer cancel()

	if _, err := e.Load(ctx, "child"); err == nil {
		t.Fatal("expected context error")
	}
	if e.Compiled() != 0 {
		t.Fatalf("expected nothing compiled, got %d", e.Compiled())
	}
}

func TestEngine_MemoisesAndResets(t *testing.T) {
	e := newEngine(t)

	first := load(t, e, "child")
	second := load(t, e, "/child.html")
	if first != second {
		t.Fatal("expected the same compiled template for equivalent names")
	}
	if e.Compiled() != 1 {
		t.Fatalf("expected 1 compiled template, got %d", e.Compiled())
	}

	e.Reset()
	if e.Compiled() != 0 {
		t.Fatalf("expected reset to drop templates, got %d", e.Compiled())
	}
	if third := load(t, e, "child"); third == first {
		t.Fatal("expected a fresh template after reset")
	}
}

func TestEngine_InvalidateFollowsDependencies(t *testing.T) {
	files := fstest.MapFS{
		"base.html":          {Data: []byte(`<main>{% block body %}{% endblock %}</main>`)},
		"page.html":          {Data: []byte(`{% extends "base.html" %}{% block body %}{% include "partials/row.html" %}{% endblock %}`)},
		"partials/row.html":  {Data: []byte(`<p>{% include "cell.html" %}</p>`)},
		"partials/cell.html": {Data: []byte(`cell`)},
		"other.html":         {Data: []byte(`other`)},
		"dynamic.html":       {Data: []byte(`{% include name %}`)},
	}
	e, err := pongo.New(pongo.WithFS(files))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	page := load(t, e, "page.html")
	if got := renderRoot(t, page, nil); got != "<main><p>cell</p></main>" {
		t.Fatalf("unexpected page %q", got)
	}
	for _, p := range []string{"page.html", "base.html", "partials/row.html", "partials/cell.html"} {
		if !page.DependsOn(p) {
			t.Fatalf("expected page.html to depend on %s", p)
		}
	}
	if page.DependsOn("other.html") {
		t.Fatal("page.html does not read other.html")
	}
	load(t, e, "other.html")
	load(t, e, "dynamic.html")

	stale := e.Invalidate([]string{"partials/cell.html"})
	if !stale("page.html") || !stale("/page.html") {
		t.Fatal("expected page.html to be stale")
	}
	if !stale("dynamic.html") {
		t.Fatal("expected templates with dynamic includes to be stale")
	}
	if stale("other.html") {
		t.Fatal("expected other.html to stay compiled")
	}
	if e.Compiled() != 1 {
		t.Fatalf("expected 1 compiled template, got %d", e.Compiled())
	}
	if again := load(t, e, "page.html"); again == page {
		t.Fatal("expected page.html to recompile")
	}
}

func TestEngine_ConcurrentLoad(t *testing.T) {
	e := newEngine(t)

	var wg sync.WaitGroup
	results := make([]*pongo.Template, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tpl, err := e.Load(testsupport.Context(), "pages/page")
			if err != nil {
				t.Errorf("load: %v", err)
				return
			}
			results[i] = tpl.(*pongo.Template)
		}(i)
	}
	wg.Wait()

	for _, tpl := range results[1:] {
		if tpl != results[0] {
			t.Fatal("expected every goroutine to share the compiled template")
		}
	}
}

func TestEngine_ConcurrentBlockRenders(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "layered_child")
	fn, ok := tpl.Block("content")
	if !ok {
		t.Fatal("content block not found")
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var b strings.Builder
			for chunk, err := range fn(engine.Context{}) {
				if err != nil {
					t.Errorf("render: %v", err)
					return
				}
				b.WriteString(chunk)
			}
			if b.String() != "[child title]" {
				t.Errorf("got %q", b.String())
			}
		}()
	}
	wg.Wait()
}

func TestEngine_DefaultFilters(t *testing.T) {
	e := newEngine(t)

	got := renderRoot(t, load(t, e, "list"), map[string]any{"items": []string{" a ", "b  "}})
	if got != "<ul><li>a</li><li>b</li></ul>" {
		t.Fatalf("trim filter: got %q", got)
	}

	got = renderRoot(t, load(t, e, "lower"), map[string]any{"title": "  Hello World"})
	if got != "  hello World" {
		t.Fatalf("lowerfirst filter: got %q", got)
	}

	got = renderRoot(t, load(t, e, "sanitize"), map[string]any{"body": `<b>ok</b><script>alert(1)</script>`})
	if got != "<b>ok</b>" {
		t.Fatalf("sanitize filter: got %q", got)
	}
}

func TestEngine_RegisterFilter(t *testing.T) {
	e := newEngine(t)

	err := e.RegisterFilter("trim", func(in, _ any) (any, error) { return in, nil })
	if !errors.Is(err, pongo.ErrFilterExists) {
		t.Fatalf("expected ErrFilterExists for a built-in filter, got %v", err)
	}
	if err := e.RegisterFilter(" ", nil); err == nil {
		t.Fatal("expected error for empty filter registration")
	}
}

func TestEngine_TemplateFuncs(t *testing.T) {
	e := newEngine(t, pongo.WithTemplateFunc(map[string]any{
		"shout":      func(s string) string { return strings.ToUpper(s) + "!" },
		"not_a_func": 42,
	}))

	got := renderRoot(t, load(t, e, "shout"), map[string]any{"name": "ada"})
	if got != "ADA!" {
		t.Fatalf("template func output: got %q", got)
	}
}

func TestEngine_RegisterSafeFunc(t *testing.T) {
	e := newEngine(t)
	err := e.RegisterSafeFunc("shout", func(args ...any) (string, error) {
		if len(args) == 0 {
			return "", errors.New("shout needs an argument")
		}
		return "<em>" + strings.ToUpper(args[0].(string)) + "</em>", nil
	})
	if err != nil {
		t.Fatalf("register safe func: %v", err)
	}

	got := renderRoot(t, load(t, e, "shout"), map[string]any{"name": "ada"})
	if got != "<em>ADA</em>" {
		t.Fatalf("safe func output: got %q", got)
	}
}

func TestEngine_GlobalData(t *testing.T) {
	e := newEngine(t, pongo.WithGlobalData(map[string]any{"site": "docs"}))

	if got := renderRoot(t, load(t, e, "global"), nil); got != "<p>docs</p>" {
		t.Fatalf("global data: got %q", got)
	}
	if got := renderRoot(t, load(t, e, "global"), map[string]any{"site": "blog"}); got != "<p>blog</p>" {
		t.Fatalf("caller data should win over globals: got %q", got)
	}
}

func TestTemplate_NewContextRejectsInvalidKeys(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "global")

	if _, err := tpl.NewContext(map[string]any{"not-valid": 1}); err == nil {
		t.Fatal("expected invalid identifier error")
	}
}

func TestTemplate_RootStopsEarly(t *testing.T) {
	e := newEngine(t)
	tpl := load(t, e, "list")
	ctx, err := tpl.NewContext(map[string]any{"items": []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}

	seen := 0
	for _, err := range tpl.Root(ctx) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected to stop after 2 chunks, saw %d", seen)
	}
}

func TestSanitize(t *testing.T) {
	if got := pongo.Sanitize(`<a href="javascript:x()">x</a>`); strings.Contains(got, "javascript") {
		t.Fatalf("expected javascript url to be stripped, got %q", got)
	}
}

func cancelledContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx, cancel
}
