package topology

import (
	"io"
	"log/slog"
	"slices"

	"github.com/next-trace/scg-microservice/catalog"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
)

// Topology is a realized bus configuration. It is immutable and safe to share
// between goroutines; accessors return copies.
type Topology struct {
	conn      cbus.Connection
	endpoints []Endpoint

	registry map[string]catalog.Descriptor
	order    []string

	logger *slog.Logger
	closer io.Closer
}

// register records d for per-message instantiation; consumers shared by
// several endpoints are registered once.
func (t *Topology) register(d catalog.Descriptor) {
	if _, ok := t.registry[d.Name]; ok {
		return
	}

	t.registry[d.Name] = d
	t.order = append(t.order, d.Name)
}

// Connection returns the shared broker connection settings.
func (t *Topology) Connection() cbus.Connection { return t.conn }

// Endpoints returns the receive endpoints in declaration order.
func (t *Topology) Endpoints() []Endpoint {
	out := make([]Endpoint, len(t.endpoints))
	for i, e := range t.endpoints {
		out[i] = e.clone()
	}

	return out
}

// Endpoint looks up an endpoint by queue name.
func (t *Topology) Endpoint(name string) (Endpoint, bool) {
	for _, e := range t.endpoints {
		if e.Name == name {
			return e.clone(), true
		}
	}

	return Endpoint{}, false
}

// Bindings describes every endpoint to a transport.
func (t *Topology) Bindings() []cbus.EndpointBinding {
	out := make([]cbus.EndpointBinding, 0, len(t.endpoints))
	for _, e := range t.endpoints {
		out = append(out, e.Binding())
	}

	return out
}

// Consumer returns a registered consumer by identity.
func (t *Topology) Consumer(name string) (catalog.Descriptor, bool) {
	d, ok := t.registry[name]
	return d, ok
}

// Consumers returns every registered consumer in registration order.
func (t *Topology) Consumers() []catalog.Descriptor {
	out := make([]catalog.Descriptor, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, t.registry[n])
	}

	return out
}

// ConsumerNames lists registered identities.
func (t *Topology) ConsumerNames() []string { return slices.Clone(t.order) }

// Logger is the runtime logger configured through SetLogging.
func (t *Topology) Logger() *slog.Logger { return t.logger }

// Close flushes the log sink.
func (t *Topology) Close() error { return t.closer.Close() }

// LogDrops counts log records the sink endpoint never received.
func (t *Topology) LogDrops() int64 {
	if d, ok := t.closer.(interface{ Dropped() int64 }); ok {
		return d.Dropped()
	}

	return 0
}
