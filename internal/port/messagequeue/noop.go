package messagequeue

import "context"

// Noop is a Queue that discards publishes and never delivers. It keeps
// single-binary runs working when no broker is configured.
type Noop struct{}

// Publish discards the message.
func (Noop) Publish(context.Context, string, []byte) error { return nil }

// Subscribe registers nothing and returns a no-op cancel.
func (Noop) Subscribe(context.Context, string, Handler) (func(), error) {
	return func() {}, nil
}

// Drain is a no-op.
func (Noop) Drain() error { return nil }

// Close is a no-op.
func (Noop) Close() error { return nil }

// IsConnected always reports false.
func (Noop) IsConnected() bool { return false }
