package inmemory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Transport is a thread-safe in-process implementation of cbus.Transport.
// Published envelopes fan out to every endpoint bound to their kind; each
// delivery runs on its own goroutine. Failed deliveries are kept per queue,
// the way a broker keeps them in "<queue>_error".
type Transport struct {
	mu       sync.Mutex
	routes   map[cbus.MessageKind][]string
	dispatch cbus.Dispatcher
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	Published []cbus.Envelope
	Rejected  map[string][]cbus.Envelope
}

var _ cbus.Transport = (*Transport)(nil)

// New creates a new in-memory transport.
func New() *Transport {
	return &Transport{
		routes:   make(map[cbus.MessageKind][]string),
		Rejected: make(map[string][]cbus.Envelope),
	}
}

// Start binds every endpoint to its message kinds. The connection settings
// are ignored.
func (t *Transport) Start(ctx context.Context, _ cbus.Connection, eps []cbus.EndpointBinding, d cbus.Dispatcher) error {
	if d == nil {
		return fmt.Errorf("inmemory start: %w", berr.ErrTransportFailed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dispatch != nil {
		return fmt.Errorf("inmemory start: already started: %w", berr.ErrTransportFailed)
	}

	for _, ep := range eps {
		for _, k := range ep.Kinds {
			if !slices.Contains(t.routes[k], ep.Queue) {
				t.routes[k] = append(t.routes[k], ep.Queue)
			}
		}
	}

	t.dispatch = d
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))

	return nil
}

// Publish records msg and delivers it to every bound endpoint. Kinds without
// bindings are dropped like on an unbound exchange.
func (t *Transport) Publish(ctx context.Context, msg cbus.Envelope, _ cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dispatch == nil {
		return fmt.Errorf("inmemory publish %s: not started: %w", msg.Kind, berr.ErrPublishFailed)
	}

	t.Published = append(t.Published, msg)

	for _, queue := range t.routes[msg.Kind] {
		t.inflight.Add(1)

		go t.deliver(queue, msg)
	}

	return nil
}

func (t *Transport) deliver(queue string, msg cbus.Envelope) {
	defer t.inflight.Done()

	if err := t.dispatch.Deliver(t.ctx, queue, msg); err != nil && !errors.Is(err, berr.ErrInterrupted) {
		t.mu.Lock()
		t.Rejected[queue] = append(t.Rejected[queue], msg)
		t.mu.Unlock()
	}
}

// Wait blocks until every in-flight delivery has finished.
func (t *Transport) Wait() { t.inflight.Wait() }

// RejectedFrom returns a copy of the envelopes rejected on queue.
func (t *Transport) RejectedFrom(queue string) []cbus.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.Rejected[queue])
}

// Close cancels in-flight deliveries and waits for them.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	t.inflight.Wait()

	return nil
}
