package middleware

import (
	"context"
	"time"

	"middlewared/dispatch"
	"middlewared/message"
	"middlewared/metrics"
)

// MetricsMiddleware records call counts and latency. A nil m is allowed.
func MetricsMiddleware(m *metrics.RPC) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if m == nil {
			return next
		}
		return func(ctx context.Context, req *message.Request) dispatch.Result {
			start := time.Now()
			res := next(ctx, req)
			outcome := "ok"
			if res.Failed() {
				outcome = string(res.Err.Kind)
			}
			m.ObserveCall(namespaceOf(req), outcome, time.Since(start))
			return res
		}
	}
}
