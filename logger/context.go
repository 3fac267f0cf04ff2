package logger

import "context"

type sessionKey struct{}

// WithSessionID tags ctx with the id of the session issuing a call.
func WithSessionID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session id stored by WithSessionID.
func SessionID(ctx context.Context) (uint64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(sessionKey{}).(uint64)
	return id, ok
}
