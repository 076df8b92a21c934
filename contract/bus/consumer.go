package bus

import "context"

// Consumer is the capability every message consumer carries. The catalog
// discovers registered types implementing it; the runtime builds one instance
// per received message, so implementations need not be reusable.
type Consumer interface {
	// Messages lists the kinds this consumer handles.
	Messages() []MessageKind
	// Consume handles one delivery. A non-nil error triggers the endpoint's
	// retry policy.
	Consume(ctx context.Context, msg Envelope) error
}

// Handles reports whether c accepts messages of kind k.
func Handles(c Consumer, k MessageKind) bool {
	for _, m := range c.Messages() {
		if m == k {
			return true
		}
	}

	return false
}
