// Package cache provides a bounded key/value store combining least recently
// used eviction with lazily checked time-to-live expiry. One generic
// implementation backs both the context-processor cache and the block-function
// cache of the rendering facade.
package cache
