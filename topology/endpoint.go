package topology

import (
	"slices"

	"github.com/next-trace/scg-microservice/catalog"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
)

// EndpointSpec is a declared receive endpoint: a queue name and the consumers
// bound to it.
type EndpointSpec struct {
	Name      string
	Consumers *ConsumerSet
}

// Endpoint is a realized receive endpoint.
type Endpoint struct {
	Name      string
	Consumers []catalog.Descriptor
	Retry     cbus.RetryPolicy
}

// Kinds returns the distinct message kinds handled on the endpoint, in
// consumer order.
func (e Endpoint) Kinds() []cbus.MessageKind {
	var kinds []cbus.MessageKind
	for _, d := range e.Consumers {
		for _, k := range d.Messages {
			if !slices.Contains(kinds, k) {
				kinds = append(kinds, k)
			}
		}
	}

	return kinds
}

// Binding describes the endpoint to a transport.
func (e Endpoint) Binding() cbus.EndpointBinding {
	return cbus.EndpointBinding{Queue: e.Name, Kinds: e.Kinds(), Retry: e.Retry}
}

func (e Endpoint) clone() Endpoint {
	e.Consumers = slices.Clone(e.Consumers)
	return e
}
