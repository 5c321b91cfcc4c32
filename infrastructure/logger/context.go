package logger

import (
	"context"
	"sync/atomic"
)

type ctxKey struct{}

var defaultLogger atomic.Pointer[Logger]

// SetDefault installs the logger FromContext falls back to. Processes call
// it once the configured logger is built.
func SetDefault(l Logger) {
	if l == nil {
		l = NewNop()
	}
	defaultLogger.Store(&l)
}

// Default returns the logger installed by SetDefault, or a no-op logger.
func Default() Logger {
	if l := defaultLogger.Load(); l != nil {
		return *l
	}
	return NewNop()
}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, falling back to Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Default()
}
