package middleware

import (
	"context"
	"time"

	"middlewared/dispatch"
	"middlewared/message"
)

// TimeOutMiddleware bounds each call. On expiry the caller gets a Timeout
// error; the handler keeps running until it observes ctx cancellation and
// stays registered with the call tracker, if any, until it returns.
// A non-positive timeout disables the bound.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, req *message.Request) dispatch.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan dispatch.Result, 1)
			release := detach(ctx)
			go func() {
				defer release()
				done <- next(ctx, req)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return dispatch.Fail(dispatch.Timeout(req.Method))
			}
		}
	}
}
