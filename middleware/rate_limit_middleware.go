package middleware

import (
	"context"

	"middlewared/dispatch"
	"middlewared/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies one token bucket to every call in the
// process. r <= 0 disables limiting.
func RateLimitMiddleware(r float64, burst int) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if r <= 0 {
			return next
		}
		limiter := rate.NewLimiter(rate.Limit(r), burst)
		return func(ctx context.Context, req *message.Request) dispatch.Result {
			if !limiter.Allow() {
				return dispatch.Fail(dispatch.RateLimited(req.Method))
			}
			return next(ctx, req)
		}
	}
}
