package bus

import "context"

// Dispatcher receives deliveries from a transport. Deliver blocks until every
// consumer bound to the endpoint has handled the message or given up. A
// non-nil error tells the transport to route the message to its error path,
// unless it wraps errors.ErrInterrupted.
type Dispatcher interface {
	Deliver(ctx context.Context, endpoint string, msg Envelope) error
}

// Publisher sends envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Envelope, opts PublishOptions) error
}

// Transport materializes a topology on a concrete broker and feeds received
// messages to a Dispatcher. Any transport (RabbitMQ, NATS, Kafka, in-memory)
// can be passed to the runtime bus.
type Transport interface {
	Publisher
	Start(ctx context.Context, conn Connection, endpoints []EndpointBinding, d Dispatcher) error
	Close() error
}
