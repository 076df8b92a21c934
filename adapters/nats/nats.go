package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Subscription is the subset of *nats.Subscription used on shutdown.
type Subscription interface {
	Drain() error
	IsDraining() bool
}

var _ Subscription = (*nats.Subscription)(nil)

// Client is the subset of *nats.Conn the transport uses.
type Client interface {
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error)
	Flush() error
	Close()
}

// connClient adapts *nats.Conn to Client.
type connClient struct{ *nats.Conn }

var _ Client = connClient{}

func (c connClient) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := c.Conn.QueueSubscribe(subj, queue, cb)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

const defaultDrainTimeout = 30 * time.Second

// ErrorSubject is where an endpoint's failed deliveries are republished.
func ErrorSubject(queue string) string { return queue + "_error" }

// Transport implements cbus.Transport on core NATS. Each endpoint is a queue
// group subscribed to one subject per message kind, so replicas of a service
// share the load.
type Transport struct {
	cfg        Config
	client     Client
	propagator cbus.HeaderPropagator
	logger     *slog.Logger

	mu       sync.Mutex
	dispatch cbus.Dispatcher
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []Subscription
	stopping bool
	inflight sync.WaitGroup
}

var _ cbus.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithConfig sets connection tuning used when Start dials.
func WithConfig(cfg Config) Option {
	return func(t *Transport) { t.cfg = cfg }
}

// WithPropagator injects context into published headers.
func WithPropagator(hp cbus.HeaderPropagator) Option {
	return func(t *Transport) { t.propagator = hp }
}

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a transport that dials the topology host on Start.
func New(opts ...Option) *Transport {
	t := &Transport{propagator: cbus.NopHeaderPropagator{}, logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}

	return t
}

// NewWithClient creates a transport over an existing client.
func NewWithClient(c Client, opts ...Option) *Transport {
	t := New(opts...)
	t.client = c

	return t
}

// Start subscribes every endpoint to the subjects of its message kinds.
func (t *Transport) Start(ctx context.Context, conn cbus.Connection, eps []cbus.EndpointBinding, d cbus.Dispatcher) error {
	if d == nil {
		return fmt.Errorf("nats start: no dispatcher: %w", berr.ErrTransportFailed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dispatch != nil {
		return fmt.Errorf("nats start: already started: %w", berr.ErrTransportFailed)
	}

	if t.client == nil {
		c, err := Connect(conn, t.cfg)
		if err != nil {
			return fmt.Errorf("nats start: %w", errors.Join(berr.ErrTransportFailed, err))
		}

		t.client = connClient{c}
	}

	t.dispatch = d
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, ep := range eps {
		queue := ep.Queue

		for _, k := range ep.Kinds {
			sub, err := t.client.QueueSubscribe(string(k), queue, func(m *nats.Msg) {
				if !t.track() {
					t.logger.Warn("nats message dropped during shutdown", "queue", queue, "subject", m.Subject)
					return
				}

				go t.handle(queue, m)
			})
			if err != nil {
				return fmt.Errorf("nats subscribe %s/%s: %w", k, queue, errors.Join(berr.ErrTransportFailed, err))
			}

			t.subs = append(t.subs, sub)
		}
	}

	if err := t.client.Flush(); err != nil {
		return fmt.Errorf("nats start flush: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	return nil
}

// track registers a delivery unless Close already stopped accepting them.
func (t *Transport) track() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopping {
		return false
	}

	t.inflight.Add(1)

	return true
}

func (t *Transport) handle(queue string, m *nats.Msg) {
	defer t.inflight.Done()

	env := envelopeOf(m)

	err := t.dispatch.Deliver(t.ctx, queue, env)
	if err == nil {
		return
	}

	// core NATS cannot redeliver; an interrupted message is not a failure
	if errors.Is(err, berr.ErrInterrupted) {
		t.logger.Warn("nats delivery interrupted", "queue", queue, "kind", env.Kind, "message_id", env.ID)
		return
	}

	t.logger.Error("nats delivery rejected", "queue", queue, "kind", env.Kind, "message_id", env.ID, "error", err)

	dead := &nats.Msg{Subject: ErrorSubject(queue), Data: m.Data, Header: m.Header}
	if perr := t.client.PublishMsg(dead); perr != nil {
		t.logger.Error("nats error publish failed", "queue", queue, "error", perr)
	}
}

// Publish sends msg on the subject named after its kind.
func (t *Transport) Publish(ctx context.Context, msg cbus.Envelope, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	c := t.client
	t.mu.Unlock()

	if c == nil {
		return fmt.Errorf("nats publish %s: not started: %w", msg.Kind, berr.ErrPublishFailed)
	}

	hdrs := publishHeaders(msg, opts)
	if t.propagator != nil {
		t.propagator.Inject(ctx, hdrs)
	}

	nm := &nats.Msg{Subject: string(msg.Kind), Data: msg.Body, Header: nats.Header{}}
	for k, v := range hdrs {
		nm.Header.Set(k, v)
	}

	if err := c.PublishMsg(nm); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", msg.Kind, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Close drains every subscription so pending messages are still handed
// over, waits for in-flight deliveries and only then closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	c, cancel, subs := t.client, t.cancel, t.subs
	t.subs = nil
	t.mu.Unlock()

	if c == nil {
		return nil
	}

	t.drain(subs)

	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()

	t.inflight.Wait()

	if cancel != nil {
		cancel()
	}

	c.Close()

	return nil
}

// drain returns once no subscription invokes its handler any more, or when
// the drain timeout elapsed.
func (t *Transport) drain(subs []Subscription) {
	for _, s := range subs {
		if err := s.Drain(); err != nil {
			t.logger.Warn("nats drain failed", "error", err)
		}
	}

	timeout := t.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}

	deadline := time.Now().Add(timeout)

	for _, s := range subs {
		for s.IsDraining() {
			if time.Now().After(deadline) {
				t.logger.Warn("nats drain timed out", "timeout", timeout)
				return
			}

			time.Sleep(10 * time.Millisecond)
		}
	}
}

func publishHeaders(msg cbus.Envelope, o cbus.PublishOptions) map[string]string {
	h := make(map[string]string, len(msg.Headers)+len(o.Headers)+4)
	for k, v := range msg.Headers {
		h[k] = v
	}

	for k, v := range o.Headers {
		h[k] = v
	}

	if o.Key != "" {
		h[cbus.HeaderMessageKey] = o.Key
	}

	h[cbus.HeaderMessageID] = msg.ID
	h[cbus.HeaderMessageKind] = string(msg.Kind)

	if !msg.SentAt.IsZero() {
		h[cbus.HeaderSentAt] = msg.SentAt.UTC().Format(time.RFC3339Nano)
	}

	return h
}

func envelopeOf(m *nats.Msg) cbus.Envelope {
	hdrs := make(map[string]string, len(m.Header))
	for k := range m.Header {
		hdrs[k] = m.Header.Get(k)
	}

	kind := cbus.MessageKind(hdrs[cbus.HeaderMessageKind])
	if kind == "" {
		kind = cbus.MessageKind(m.Subject)
	}

	var sent time.Time
	if s := hdrs[cbus.HeaderSentAt]; s != "" {
		sent, _ = time.Parse(time.RFC3339Nano, s)
	}

	return cbus.Envelope{
		ID:      hdrs[cbus.HeaderMessageID],
		Kind:    kind,
		SentAt:  sent,
		Headers: hdrs,
		Body:    m.Data,
	}
}
