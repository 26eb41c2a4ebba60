package common

import (
	"context"
	"time"
)

type ctxKey int

const (
	ctxKeyTraceID ctxKey = iota
	ctxKeyCommandTimeout
)

// WithTraceID attaches a unique trace ID to the context. It is added to the
// log lines of the connection created with ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

// GetTraceID returns the unique trace ID attached to the context.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTraceID).(string)
	return v
}

// WithCommandTimeout overrides the connection wide command timeout for the
// commands executed with the returned context. Zero disables the timeout.
func WithCommandTimeout(ctx context.Context, timeout time.Duration) context.Context {
	return context.WithValue(ctx, ctxKeyCommandTimeout, timeout)
}

func getCommandTimeout(ctx context.Context) (time.Duration, bool) {
	v, ok := ctx.Value(ctxKeyCommandTimeout).(time.Duration)
	return v, ok
}

// contextWithDoneChan returns a new context that is canceled either
// when the done channel is closed or ctx is canceled.
func contextWithDoneChan(ctx context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
