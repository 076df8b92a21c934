package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Config tunes the connection. Zero values pick the defaults.
type Config struct {
	ConnTimeout time.Duration
	Prefetch    int
	ConsumerTag string
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 10 * time.Second
	}

	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}

	return c
}

// Transport runs a topology on RabbitMQ. Every endpoint gets its own
// exchange and durable queue, dead-lettered to "<queue>_error"; message kinds
// are exchanges of the configured kind bound to the endpoint exchanges.
type Transport struct {
	cfg        Config
	dial       Dialer
	propagator cbus.HeaderPropagator
	logger     *slog.Logger

	mu       sync.RWMutex
	conn     Connection
	ch       Channel
	pub      Channel
	ready    chan struct{}
	declared map[string]struct{}

	settings  cbus.Connection
	endpoints []cbus.EndpointBinding
	dispatch  cbus.Dispatcher

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	closed   chan struct{}
	once     sync.Once
}

var _ cbus.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithConfig sets connection tuning.
func WithConfig(cfg Config) Option {
	return func(t *Transport) { t.cfg = cfg }
}

// WithDialer replaces the AMQP dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// WithPropagator injects context into the headers of published messages.
func WithPropagator(hp cbus.HeaderPropagator) Option {
	return func(t *Transport) { t.propagator = hp }
}

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a transport; nothing is dialed until Start.
func New(opts ...Option) *Transport {
	t := &Transport{
		dial:       DialAMQP,
		propagator: cbus.NopHeaderPropagator{},
		logger:     slog.Default(),
		ready:      make(chan struct{}),
		declared:   make(map[string]struct{}),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}

	t.cfg = t.cfg.withDefaults()

	return t
}

// Start dials the broker, declares the topology and starts consuming. Lost
// connections are re-established in the background with the same topology.
func (t *Transport) Start(ctx context.Context, conn cbus.Connection, eps []cbus.EndpointBinding, d cbus.Dispatcher) error {
	if d == nil {
		return fmt.Errorf("rabbitmq start: no dispatcher: %w", berr.ErrTransportFailed)
	}

	if conn.Host == "" {
		return fmt.Errorf("rabbitmq start: %w", berr.Configf("rabbitmq", "host", "must be set"))
	}

	t.mu.Lock()
	if t.dispatch != nil {
		t.mu.Unlock()
		return fmt.Errorf("rabbitmq start: already started: %w", berr.ErrTransportFailed)
	}

	t.settings, t.endpoints, t.dispatch = conn, eps, d
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Unlock()

	notify, err := t.connect()
	if err != nil {
		return fmt.Errorf("rabbitmq start: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	go t.watch(notify)

	return nil
}

// Publish sends msg to the exchange of its kind, declaring it on first use.
// The routing key is always the kind, matching the queue bindings; opts.Key
// travels in the message-key header.
func (t *Transport) Publish(ctx context.Context, msg cbus.Envelope, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := t.publishChannel(ctx)
	if err != nil {
		return err
	}

	exchange := string(msg.Kind)
	if err := t.declareKind(ch, exchange); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", msg.Kind, errors.Join(berr.ErrPublishFailed, err))
	}

	if err := ch.PublishWithContext(ctx, exchange, string(msg.Kind), false, false, t.publishing(ctx, msg, opts)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", msg.Kind, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (t *Transport) publishing(ctx context.Context, msg cbus.Envelope, opts cbus.PublishOptions) amqp.Publishing {
	// copy headers to avoid mutating caller-provided maps
	hdrs := make(map[string]string, len(msg.Headers)+len(opts.Headers)+3)
	for k, v := range msg.Headers {
		hdrs[k] = v
	}

	for k, v := range opts.Headers {
		hdrs[k] = v
	}

	if t.propagator != nil {
		t.propagator.Inject(ctx, hdrs)
	}

	hdrs[cbus.HeaderMessageID] = msg.ID
	hdrs[cbus.HeaderMessageKind] = string(msg.Kind)

	if opts.Key != "" {
		hdrs[cbus.HeaderMessageKey] = opts.Key
	}

	table := make(amqp.Table, len(hdrs))
	for k, v := range hdrs {
		table[k] = v
	}

	mode := amqp.Transient
	if t.settings.Durable {
		mode = amqp.Persistent
	}

	return amqp.Publishing{
		Headers:      table,
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    msg.ID,
		Type:         string(msg.Kind),
		Timestamp:    msg.SentAt,
		Body:         msg.Body,
	}
}

func (t *Transport) publishChannel(ctx context.Context) (Channel, error) {
	t.mu.RLock()
	ch, ready, started := t.pub, t.ready, t.dispatch != nil
	t.mu.RUnlock()

	if ch != nil {
		return ch, nil
	}

	if !started {
		return nil, fmt.Errorf("rabbitmq publish: not started: %w", berr.ErrPublishFailed)
	}

	// wait for the reconnect loop
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, fmt.Errorf("rabbitmq publish: closed: %w", berr.ErrPublishFailed)
	}

	t.mu.RLock()
	ch = t.pub
	t.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("rabbitmq publish: not connected: %w", berr.ErrPublishFailed)
	}

	return ch, nil
}

// consume feeds one queue's deliveries to the dispatcher until the channel
// closes; every delivery runs on its own goroutine.
func (t *Transport) consume(queue string, deliveries <-chan amqp.Delivery) {
	defer t.inflight.Done()

	for d := range deliveries {
		t.inflight.Add(1)

		go t.handle(queue, d)
	}
}

func (t *Transport) handle(queue string, d amqp.Delivery) {
	defer t.inflight.Done()

	env := envelopeOf(d)

	err := t.dispatch.Deliver(t.ctx, queue, env)
	if err != nil && (errors.Is(err, berr.ErrInterrupted) || t.ctx.Err() != nil) {
		t.logger.Warn("rabbitmq delivery interrupted, requeueing", "queue", queue, "kind", env.Kind, "message_id", env.ID)

		if nerr := d.Nack(false, true); nerr != nil {
			t.logger.Error("rabbitmq requeue failed", "queue", queue, "error", nerr)
		}

		return
	}

	if err != nil {
		t.logger.Error("rabbitmq delivery rejected", "queue", queue, "kind", env.Kind, "message_id", env.ID, "error", err)

		if rerr := d.Reject(false); rerr != nil {
			t.logger.Error("rabbitmq reject failed", "queue", queue, "error", rerr)
		}

		return
	}

	if err := d.Ack(false); err != nil {
		t.logger.Error("rabbitmq ack failed", "queue", queue, "error", err)
	}
}

func envelopeOf(d amqp.Delivery) cbus.Envelope {
	hdrs := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			hdrs[k] = s
		} else {
			hdrs[k] = fmt.Sprint(v)
		}
	}

	kind := cbus.MessageKind(d.Type)
	if kind == "" {
		kind = cbus.MessageKind(hdrs[cbus.HeaderMessageKind])
	}

	id := d.MessageId
	if id == "" {
		id = hdrs[cbus.HeaderMessageID]
	}

	return cbus.Envelope{
		ID:      id,
		Kind:    kind,
		SentAt:  d.Timestamp,
		Headers: hdrs,
		Body:    d.Body,
	}
}

// Close stops consuming, waits for in-flight deliveries and closes the
// connection.
func (t *Transport) Close() error {
	var err error

	t.once.Do(func() {
		close(t.closed)

		t.mu.Lock()
		cancel := t.cancel
		ch, pub, conn := t.ch, t.pub, t.conn
		t.ch, t.pub, t.conn = nil, nil, nil
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		err = closeAll(ch, pub, conn)
		t.inflight.Wait()
	})

	return err
}
