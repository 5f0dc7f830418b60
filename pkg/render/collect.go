package render

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/goliatone/go-templates/pkg/engine"
)

// Strategy selects how rendered chunks are assembled into the final string.
type Strategy int

const (
	// StrategyList gathers every chunk first and joins them once.
	StrategyList Strategy = iota
	// StrategyBuffer writes each chunk into a growing buffer as it arrives.
	StrategyBuffer
)

func (s Strategy) String() string {
	switch s {
	case StrategyList:
		return "list"
	case StrategyBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// maxPooledBuffer keeps unusually large buffers from being pinned by the pool.
const maxPooledBuffer = 64 << 10

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Sizer decides the assembly strategy from an estimated output size.
type Sizer struct {
	// Threshold is the estimate above which StrategyBuffer is chosen.
	Threshold int
	// Fallback is the estimate used when no value has a measurable length.
	Fallback int
}

// Choose returns the strategy for estimate.
func (s Sizer) Choose(estimate int) Strategy {
	if estimate > s.Threshold {
		return StrategyBuffer
	}
	return StrategyList
}

// Estimate sums the lengths of the string-like values in data.
func (s Sizer) Estimate(data map[string]any) int {
	total, measured := 0, false
	for _, value := range data {
		if n, ok := valueLen(value); ok {
			total += n
			measured = true
		}
	}
	if !measured {
		return s.Fallback
	}
	return total
}

func valueLen(value any) (n int, ok bool) {
	switch v := value.(type) {
	case string:
		return len(v), true
	case []byte:
		return len(v), true
	case fmt.Stringer:
		if isNilPointer(v) {
			return 0, false
		}
		defer recoverUnmeasured(&n, &ok)
		return len(v.String()), true
	case error:
		if isNilPointer(v) {
			return 0, false
		}
		defer recoverUnmeasured(&n, &ok)
		return len(v.Error()), true
	default:
		return 0, false
	}
}

// recoverUnmeasured treats a String or Error method that panics as a value
// without a measurable length.
func recoverUnmeasured(n *int, ok *bool) {
	if recover() != nil {
		*n, *ok = 0, false
	}
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

// Collect drives seq to completion and assembles its chunks with strategy.
// ctx is checked between chunks; a panic raised while producing chunks is
// returned as a *PanicError.
func Collect(ctx context.Context, seq engine.Chunks, strategy Strategy) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = "", &PanicError{Value: rec}
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strategy == StrategyBuffer {
		return collectBuffer(ctx, seq)
	}
	return collectList(ctx, seq)
}

func collectList(ctx context.Context, seq engine.Chunks) (string, error) {
	var chunks []string
	for chunk, err := range seq {
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunks = append(chunks, chunk)
	}
	return engine.Concat(chunks), nil
}

func collectBuffer(ctx context.Context, seq engine.Chunks) (string, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			buf.Reset()
			bufferPool.Put(buf)
		}
	}()

	for chunk, err := range seq {
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		buf.WriteString(chunk)
	}
	return buf.String(), nil
}
