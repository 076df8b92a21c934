package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/next-trace/scg-microservice/catalog"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
	"github.com/next-trace/scg-microservice/topology"
)

// Bus runs a realized topology on a transport. It resolves the consumers of
// an endpoint per message kind, builds a fresh consumer per delivery and
// applies the endpoint retry policy.
//
// Bus is concurrency-safe; Deliver is called from one goroutine per message.
type Bus struct {
	top *topology.Topology
	tr  cbus.Transport

	endpoints map[string]topology.Endpoint

	mw      []ConsumeMiddleware
	logger  *slog.Logger
	metrics *metrics
	breaker *gobreaker.CircuitBreaker[any]
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
}

var _ cbus.Bus = (*Bus)(nil)

// ConsumeFunc handles one delivery for one consumer instance.
type ConsumeFunc func(ctx context.Context, msg cbus.Envelope) error

// ConsumeMiddleware wraps consumer execution. Middlewares run in registration
// order around every attempt.
type ConsumeMiddleware func(next ConsumeFunc) ConsumeFunc

// Option configures a Bus instance.
type Option func(*Bus)

// WithMiddleware appends consume middleware.
func WithMiddleware(mw ...ConsumeMiddleware) Option {
	return func(b *Bus) { b.mw = append(b.mw, mw...) }
}

// WithLogger overrides the topology logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records deliveries on m instead of private counters.
func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m.m }
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Bus) { b.sleep = sleep }
}

// WithClock replaces the time source stamped on published envelopes.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithBreaker overrides the circuit breaker settings guarding Publish.
func WithBreaker(st gobreaker.Settings) Option {
	return func(b *Bus) { b.breaker = gobreaker.NewCircuitBreaker[any](st) }
}

// New binds a topology to a transport.
func New(top *topology.Topology, tr cbus.Transport, opts ...Option) (*Bus, error) {
	if top == nil {
		return nil, berr.Configf("servicebus", "topology", "must not be nil")
	}

	if tr == nil {
		return nil, berr.Configf("servicebus", "transport", "must not be nil")
	}

	b := &Bus{
		top:       top,
		tr:        tr,
		endpoints: make(map[string]topology.Endpoint),
		logger:    top.Logger(),
		metrics:   newMetrics(),
		breaker:   gobreaker.NewCircuitBreaker[any](defaultBreaker),
		sleep:     sleepCtx,
		now:       time.Now,
	}

	for _, ep := range top.Endpoints() {
		b.endpoints[ep.Name] = ep
	}

	for _, o := range opts {
		o(b)
	}

	return b, nil
}

var defaultBreaker = gobreaker.Settings{
	Name:    "servicebus.publish",
	Timeout: 30 * time.Second,
	ReadyToTrip: func(c gobreaker.Counts) bool {
		return c.ConsecutiveFailures >= 5
	},
}

// Start materializes the topology on the transport and begins consuming.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("start: %w", berr.ErrTransportFailed)
	}

	if b.started {
		return nil
	}

	bindings := b.top.Bindings()
	if err := b.tr.Start(ctx, b.top.Connection(), bindings, b); err != nil {
		return fmt.Errorf("start: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	b.started = true
	b.logger.Info("service bus started", "endpoints", len(bindings), "consumers", len(b.top.Consumers()))

	return nil
}

// Close stops the transport and flushes the log sink.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	return errors.Join(b.tr.Close(), b.top.Close())
}

// Deliver hands msg to every consumer of endpoint that handles its kind. Each
// consumer gets its own retry budget; exhausted consumers are reported as
// DeliveryErrors so the transport can reject the message to its error path.
// Cancellation is reported as ErrInterrupted instead, so the transport hands
// the message back to the broker.
func (b *Bus) Deliver(ctx context.Context, endpoint string, msg cbus.Envelope) error {
	ctx = cbus.WithMessageID(ctx, msg.ID)

	ep, ok := b.endpoints[endpoint]
	if !ok {
		return fmt.Errorf("deliver %s to %q: %w", msg.Kind, endpoint, berr.ErrEndpointNotFound)
	}

	var matched []catalog.Descriptor
	for _, d := range ep.Consumers {
		if d.Handles(msg.Kind) {
			matched = append(matched, d)
		}
	}

	if len(matched) == 0 {
		b.metrics.deliveries.WithLabelValues(endpoint, "", outcomeUnroutable).Inc()
		return fmt.Errorf("deliver %s to %q: %w", msg.Kind, endpoint, berr.ErrConsumerNotFound)
	}

	var errs []error

	for _, d := range matched {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("deliver %s to %q: %w", msg.Kind, endpoint, errors.Join(berr.ErrInterrupted, err)))
			break
		}

		if err := b.consume(ctx, ep, d, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Bus) consume(ctx context.Context, ep topology.Endpoint, d catalog.Descriptor, msg cbus.Envelope) error {
	attempts := ep.Retry.Attempts()

	var last error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			b.metrics.retries.WithLabelValues(ep.Name, d.Name).Inc()

			if err := b.sleep(ctx, ep.Retry.Interval); err != nil {
				return b.interrupted(ep, d, msg, attempt-1, err)
			}
		}

		last = b.attempt(ctx, d, msg)
		if last == nil {
			b.metrics.deliveries.WithLabelValues(ep.Name, d.Name, outcomeSuccess).Inc()
			return nil
		}

		b.logger.Warn("consumer failed",
			"endpoint", ep.Name, "consumer", d.Name, "kind", msg.Kind,
			"message_id", msg.ID, "attempt", attempt, "error", last)
	}

	if err := ctx.Err(); err != nil {
		return b.interrupted(ep, d, msg, attempts, err)
	}

	b.metrics.deliveries.WithLabelValues(ep.Name, d.Name, outcomeFailed).Inc()
	b.logger.Error("message rejected",
		"endpoint", ep.Name, "consumer", d.Name, "kind", msg.Kind, "message_id", msg.ID)

	return &berr.DeliveryError{Endpoint: ep.Name, Consumer: d.Name, Attempts: attempts, Err: last}
}

// interrupted reports a delivery cut short by cancellation. It is not a
// DeliveryError: the transport hands the message back to the broker.
func (b *Bus) interrupted(ep topology.Endpoint, d catalog.Descriptor, msg cbus.Envelope, attempts int, cause error) error {
	b.metrics.deliveries.WithLabelValues(ep.Name, d.Name, outcomeInterrupted).Inc()
	b.logger.Warn("delivery interrupted",
		"endpoint", ep.Name, "consumer", d.Name, "kind", msg.Kind,
		"message_id", msg.ID, "attempts", attempts)

	return fmt.Errorf("consume %s on %q after %d attempts: %w", d.Name, ep.Name, attempts, errors.Join(berr.ErrInterrupted, cause))
}

func (b *Bus) attempt(ctx context.Context, d catalog.Descriptor, msg cbus.Envelope) (err error) {
	c := d.New()
	if c == nil {
		return fmt.Errorf("instantiate %s: %w", d.Name, berr.ErrConsumerNotFound)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked: %v", d.Name, r)
		}
	}()

	final := ConsumeFunc(c.Consume)
	for i := len(b.mw) - 1; i >= 0; i-- {
		final = b.mw[i](final)
	}

	return final(ctx, msg)
}

// Publish serializes msg as JSON and sends it under its message kind. An
// Envelope is sent as is.
func (b *Bus) Publish(ctx context.Context, msg any, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := b.envelope(msg, opts)
	if err != nil {
		return err
	}

	cbus.CorrelationPropagator.Inject(ctx, env.Headers)

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.tr.Publish(ctx, env, opts)
	})
	if err != nil {
		b.metrics.published.WithLabelValues(string(env.Kind), outcomeFailed).Inc()

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("publish %s: %w", env.Kind, errors.Join(berr.ErrPublishFailed, err))
	}

	b.metrics.published.WithLabelValues(string(env.Kind), outcomeSuccess).Inc()

	return nil
}

func (b *Bus) envelope(msg any, opts cbus.PublishOptions) (cbus.Envelope, error) {
	if env, ok := msg.(cbus.Envelope); ok {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}

		if env.SentAt.IsZero() {
			env.SentAt = b.now().UTC()
		}

		env.Headers = mergeHeaders(env.Headers, opts.Headers)

		return env, nil
	}

	if msg == nil {
		return cbus.Envelope{}, fmt.Errorf("publish: %w", berr.ErrSerializationFailed)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return cbus.Envelope{}, fmt.Errorf("publish %T serialize: %w", msg, errors.Join(berr.ErrSerializationFailed, err))
	}

	return cbus.Envelope{
		ID:      uuid.NewString(),
		Kind:    cbus.KindOf(msg),
		SentAt:  b.now().UTC(),
		Headers: mergeHeaders(nil, opts.Headers),
		Body:    body,
	}, nil
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}

	for k, v := range extra {
		out[k] = v
	}

	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
