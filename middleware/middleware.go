// Package middleware wraps the dispatcher in an onion of cross-cutting
// concerns. Chain(A, B, C)(h) runs A.before → B.before → C.before → h →
// C.after → B.after → A.after.
package middleware

import (
	"context"
	"sync"

	"middlewared/dispatch"
	"middlewared/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) dispatch.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// namespaceOf returns the namespace part of req.Method for labelling, or
// "-" for malformed method strings.
func namespaceOf(req *message.Request) string {
	if ns, _, ok := dispatch.SplitMethod(req.Method); ok {
		return ns
	}
	return "-"
}

type trackerKey struct{}

// WithCallTracker makes handler goroutines that outlive their call, such
// as those abandoned by TimeOutMiddleware, count against wg until they
// return. The caller must already hold a count on wg for the call.
func WithCallTracker(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, trackerKey{}, wg)
}

// detach registers one goroutine with ctx's tracker and returns its
// release func. Without a tracker it is a no-op.
func detach(ctx context.Context) (release func()) {
	wg, ok := ctx.Value(trackerKey{}).(*sync.WaitGroup)
	if !ok {
		return func() {}
	}
	wg.Add(1)
	return wg.Done
}
