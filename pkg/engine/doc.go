// Package engine defines the contract between the rendering core and a
// concrete template engine. The core never parses templates itself: it loads
// compiled templates by name, builds engine contexts, and consumes the lazy
// chunk sequences produced by root and block render functions.
package engine
