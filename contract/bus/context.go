package bus

import "context"

// HeaderPropagator copies request-scoped context (trace ids, tenant) into the
// headers of an outgoing message. Implementations must be safe for
// concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// NopHeaderPropagator leaves headers untouched.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

// HeaderPropagatorFunc adapts a function to HeaderPropagator.
type HeaderPropagatorFunc func(ctx context.Context, headers map[string]string)

func (f HeaderPropagatorFunc) Inject(ctx context.Context, headers map[string]string) { f(ctx, headers) }

type messageIDKey struct{}

// WithMessageID returns a context carrying the id of the message being
// consumed.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageID returns the id stored by WithMessageID.
func MessageID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(messageIDKey{}).(string)
	return id, ok && id != ""
}

// CorrelationPropagator sets the correlation header to the id of the message
// being consumed, so messages published from a consumer can be traced back.
var CorrelationPropagator = HeaderPropagatorFunc(func(ctx context.Context, h map[string]string) {
	if id, ok := MessageID(ctx); ok {
		if _, set := h[HeaderCorrelationID]; !set {
			h[HeaderCorrelationID] = id
		}
	}
})
