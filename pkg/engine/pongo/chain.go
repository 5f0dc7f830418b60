package pongo

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

const maxChainDepth = 32

var (
	extendsPattern = regexp.MustCompile(`\{%-?\s*extends\s+["']([^"']+)["']\s*-?%\}`)
	blockPattern   = regexp.MustCompile(`\{%-?\s*block\s+([A-Za-z0-9_]+)\s*-?%\}`)
	includePattern = regexp.MustCompile(`\{%-?\s*(?:include|import)\s+["']([^"']+)["']`)
	dynamicPattern = regexp.MustCompile(`\{%-?\s*include\s+[^"'\s]`)

	// Sections pongo2 never parses as template code.
	commentPattern     = regexp.MustCompile(`(?s)\{#.*?#\}`)
	commentTagPattern  = regexp.MustCompile(`(?s)\{%-?\s*comment\s*-?%\}.*?\{%-?\s*endcomment\s*-?%\}`)
	verbatimTagPattern = regexp.MustCompile(`(?s)\{%-?\s*verbatim\s*-?%\}.*?\{%-?\s*endverbatim\s*-?%\}`)
)

// link is one template of an extends chain together with the blocks it
// declares itself and the templates it includes or imports.
type link struct {
	path     string
	blocks   map[string]struct{}
	includes []string
	// dynamic is set when an include names its template with an expression.
	dynamic bool
}

// proxyBlock names the wrapper block of a fragment proxy.
const proxyBlock = "__fragment_proxy__"

// proxySource builds a template extending p whose only block re-declares
// name and defers to it through block.Super. Executing the wrapper resolves
// name against the whole chain, nested overrides and Super calls included,
// exactly as a full render of p would.
func proxySource(p, name string) string {
	return fmt.Sprintf(
		"{%% extends %q %%}{%% block %s %%}{%% block %s %%}{{ block.Super }}{%% endblock %%}{%% endblock %%}",
		p, proxyBlock, name,
	)
}

// resolveChain reads p and every template it extends, child first.
func (e *Engine) resolveChain(p string) ([]*link, error) {
	var chain []*link
	seen := make(map[string]struct{})

	for current := p; current != ""; {
		if len(chain) >= maxChainDepth {
			return nil, fmt.Errorf("pongo: extends chain of %q exceeds %d templates", p, maxChainDepth)
		}
		if _, ok := seen[current]; ok {
			return nil, fmt.Errorf("pongo: template %q has an extends cycle through %q", p, current)
		}
		seen[current] = struct{}{}

		src, err := e.readSource(current)
		if err != nil {
			return nil, err
		}
		text := stripInert(string(src))

		l := &link{
			path:    current,
			blocks:  scanBlocks(text),
			dynamic: dynamicPattern.MatchString(text),
		}
		for _, m := range includePattern.FindAllStringSubmatch(text, -1) {
			l.includes = append(l.includes, e.resolveRef(current, m[1]))
		}
		chain = append(chain, l)

		parent := scanExtends(text)
		if parent == "" {
			break
		}
		current = e.resolveRef(current, parent)
	}
	return chain, nil
}

// stripInert removes comments and verbatim sections so tags inside them are
// not mistaken for extends or block declarations.
func stripInert(src string) string {
	src = commentPattern.ReplaceAllString(src, "")
	src = commentTagPattern.ReplaceAllString(src, "")
	return verbatimTagPattern.ReplaceAllString(src, "")
}

// dependencies returns every template path a render of chain reads: the
// chain itself plus included and imported templates, transitively. dynamic
// reports an include whose target is only known at render time.
func (e *Engine) dependencies(chain []*link) (deps map[string]struct{}, dynamic bool) {
	deps = make(map[string]struct{})
	queue := append([]*link(nil), chain...)
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		if _, ok := deps[l.path]; ok {
			continue
		}
		deps[l.path] = struct{}{}
		dynamic = dynamic || l.dynamic

		for _, inc := range l.includes {
			if _, ok := deps[inc]; ok {
				continue
			}
			sub, err := e.resolveChain(inc)
			if err != nil {
				// Missing includes still count, so creating them reloads.
				deps[inc] = struct{}{}
				continue
			}
			queue = append(queue, sub...)
		}
	}
	return deps, dynamic
}

// resolveRef resolves an extends, include or import target the way the
// first pongo2 loader does.
func (e *Engine) resolveRef(current, ref string) string {
	ref = strings.TrimSpace(ref)
	if e.relativeExtends {
		return path.Join(path.Dir(current), ref)
	}
	return path.Clean(strings.TrimPrefix(ref, "/"))
}

func scanExtends(text string) string {
	m := extendsPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

func scanBlocks(text string) map[string]struct{} {
	matches := blockPattern.FindAllStringSubmatch(text, -1)
	blocks := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		blocks[m[1]] = struct{}{}
	}
	return blocks
}

func sortedBlockNames(chain []*link) []string {
	seen := make(map[string]struct{})
	for _, l := range chain {
		for name := range l.blocks {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
