package memory

import (
	"context"

	"github.com/next-trace/scg-microservice/adapters/inmemory"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	"github.com/next-trace/scg-microservice/servicebus"
	"github.com/next-trace/scg-microservice/topology"
)

// New starts a service bus for top on the in-memory transport and returns it
// as a contract.Bus, the transport (for Wait and rejected messages) and a
// cleanup function that closes the bus.
func New(ctx context.Context, top *topology.Topology, opts ...servicebus.Option) (cbus.Bus, *inmemory.Transport, func(), error) { //nolint:ireturn
	tr := inmemory.New()

	sb, err := servicebus.New(top, tr, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := sb.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() { _ = sb.Close() }

	return sb, tr, cleanup, nil
}
