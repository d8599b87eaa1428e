// internal/browser/session/context_utils.go
package session

import (
	"context"
)

// CombineContext returns a context that carries the values of primary (the
// chromedp target lives there) and is cancelled when either primary or op is.
func CombineContext(primary, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(op, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// Detach returns a context with the values of ctx but none of its
// cancellation or deadline. Cleanup work uses it so it still runs after the
// caller's context is gone.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
