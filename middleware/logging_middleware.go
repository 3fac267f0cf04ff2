package middleware

import (
	"context"
	"time"

	"middlewared/dispatch"
	"middlewared/logger"
	"middlewared/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call at debug level and every failed call at
// warn level, with its duration.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) dispatch.Result {
			start := time.Now()
			res := next(ctx, req)

			fields := []zap.Field{
				zap.String(logger.KeyMethod, req.Method),
				zap.ByteString(logger.KeyRequestID, req.ID),
				zap.Duration(logger.KeyDuration, time.Since(start)),
			}
			if sid, ok := logger.SessionID(ctx); ok {
				fields = append(fields, zap.Uint64(logger.KeySessionID, sid))
			}
			if res.Failed() {
				fields = append(fields,
					zap.String(logger.KeyErrorKind, string(res.Err.Kind)),
					zap.String(logger.KeyError, res.Err.Message),
				)
				log.Warn("call failed", fields...)
				return res
			}
			log.Debug("call", fields...)
			return res
		}
	}
}
