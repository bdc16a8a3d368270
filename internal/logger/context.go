package logger

import "context"

// ctxKey keys logger values in a context; the unexported type keeps other
// packages from colliding with it.
type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request correlation ID. The HTTP middleware sets
// it per inbound request and the queue carries it across publishes, so
// relayed events keep their origin.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID reports the correlation ID in ctx, or "" when none was set.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
