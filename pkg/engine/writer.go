package engine

import (
	"errors"
	"io"
)

// errStopped is returned to the producing engine once the consumer stopped
// ranging over the sequence.
var errStopped = errors.New("engine: consumer stopped")

// chunkWriter turns each Write made by an engine into one yielded chunk.
type chunkWriter struct {
	yield   func(string, error) bool
	stopped bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.stopped {
		return 0, errStopped
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !w.yield(string(p), nil) {
		w.stopped = true
		return 0, errStopped
	}
	return len(p), nil
}

func (w *chunkWriter) WriteString(s string) (int, error) {
	if w.stopped {
		return 0, errStopped
	}
	if s == "" {
		return 0, nil
	}
	if !w.yield(s, nil) {
		w.stopped = true
		return 0, errStopped
	}
	return len(s), nil
}

// FromWriter adapts a writer-driven render into a Chunks sequence. Every
// write performed by exec becomes one chunk, yielded as soon as it is made.
// An error returned by exec is yielded last unless the consumer already
// stopped.
func FromWriter(exec func(w io.Writer) error) Chunks {
	return func(yield func(string, error) bool) {
		w := &chunkWriter{yield: yield}
		err := exec(w)
		if w.stopped {
			return
		}
		if err != nil && !errors.Is(err, errStopped) {
			yield("", err)
		}
	}
}
