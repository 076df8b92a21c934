package bus

import "context"

// Bus is the runtime surface of a realized topology. It mirrors the concrete
// servicebus.Bus for callers that want to depend only on contracts.
type Bus interface {
	Dispatcher

	// Publish serializes msg and sends it under its message kind.
	Publish(ctx context.Context, msg any, opts PublishOptions) error

	// Lifecycle
	Start(ctx context.Context) error
	Close() error
}
