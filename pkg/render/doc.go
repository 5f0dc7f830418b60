// Package render holds the render-time core: the context builder with its
// processor output cache, the fragment renderer with its block function
// cache, and the full-template response builder. All three share one pool
// of context containers owned by the caller.
package render
