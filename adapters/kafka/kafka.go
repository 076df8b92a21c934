package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Record is one Kafka message as the transport sees it.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Writer produces records.
// Users can adapt any Kafka client to this; NewKgo wires franz-go.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// Reader is a consumer group member. Poll blocks for the next batch; Commit
// marks everything polled so far as handled.
type Reader interface {
	Poll(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context) error
	Close()
}

// GroupFactory joins group consuming topics.
type GroupFactory func(group string, topics []string) (Reader, error)

// ErrorTopic receives the records an endpoint failed to handle.
func ErrorTopic(queue string) string { return queue + "_error" }

// Transport implements cbus.Transport with one consumer group per endpoint
// and one topic per message kind.
type Transport struct {
	writer   Writer
	newGroup GroupFactory
	logger   *slog.Logger

	mu       sync.Mutex
	readers  []Reader
	dispatch cbus.Dispatcher
	cancel   context.CancelFunc
	loops    sync.WaitGroup
}

var _ cbus.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a transport over w; groups are joined through newGroup on Start.
func New(w Writer, newGroup GroupFactory, opts ...Option) *Transport {
	t := &Transport{writer: w, newGroup: newGroup, logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}

	return t
}

// Start joins a consumer group per endpoint and polls it until Close.
func (t *Transport) Start(ctx context.Context, _ cbus.Connection, eps []cbus.EndpointBinding, d cbus.Dispatcher) error {
	if d == nil || t.newGroup == nil {
		return fmt.Errorf("kafka start: %w", berr.ErrTransportFailed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dispatch != nil {
		return fmt.Errorf("kafka start: already started: %w", berr.ErrTransportFailed)
	}

	readers := make([]Reader, 0, len(eps))
	for _, ep := range eps {
		if len(ep.Kinds) == 0 {
			continue
		}

		topics := make([]string, len(ep.Kinds))
		for i, k := range ep.Kinds {
			topics[i] = string(k)
		}

		r, err := t.newGroup(ep.Queue, topics)
		if err != nil {
			for _, open := range readers {
				open.Close()
			}

			return fmt.Errorf("kafka join group %s: %w", ep.Queue, errors.Join(berr.ErrTransportFailed, err))
		}

		readers = append(readers, r)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.dispatch, t.cancel, t.readers = d, cancel, readers

	i := 0
	for _, ep := range eps {
		if len(ep.Kinds) == 0 {
			continue
		}

		t.loops.Add(1)

		go t.poll(loopCtx, ep.Queue, readers[i])
		i++
	}

	return nil
}

func (t *Transport) poll(ctx context.Context, queue string, r Reader) {
	defer t.loops.Done()

	for {
		recs, err := r.Poll(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}

			t.logger.Error("kafka poll failed", "group", queue, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		var (
			batch       sync.WaitGroup
			interrupted atomic.Bool
		)

		for _, rec := range recs {
			batch.Add(1)

			go func() {
				defer batch.Done()

				if !t.handle(ctx, queue, rec) {
					interrupted.Store(true)
				}
			}()
		}

		batch.Wait()

		// leave the batch uncommitted so the group redelivers it
		if interrupted.Load() || ctx.Err() != nil {
			return
		}

		if err := r.Commit(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("kafka commit failed", "group", queue, "error", err)
		}
	}
}

// handle reports false when the delivery was interrupted by shutdown. Such
// a record is neither dead-lettered nor committed.
func (t *Transport) handle(ctx context.Context, queue string, rec Record) bool {
	env := envelopeOf(rec)

	err := t.dispatch.Deliver(ctx, queue, env)
	if err == nil {
		return true
	}

	if errors.Is(err, berr.ErrInterrupted) || ctx.Err() != nil {
		t.logger.Warn("kafka delivery interrupted", "group", queue, "kind", env.Kind, "message_id", env.ID)
		return false
	}

	t.logger.Error("kafka delivery rejected", "group", queue, "kind", env.Kind, "message_id", env.ID, "error", err)

	dead := Record{Topic: ErrorTopic(queue), Key: rec.Key, Value: rec.Value, Headers: rec.Headers}
	if werr := t.writer.Write(context.WithoutCancel(ctx), dead); werr != nil {
		t.logger.Error("kafka error write failed", "group", queue, "error", werr)
	}

	return true
}

// Publish writes msg to the topic named after its kind, keyed by opts.Key.
func (t *Transport) Publish(ctx context.Context, msg cbus.Envelope, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	rec := Record{
		Topic:   string(msg.Kind),
		Key:     []byte(opts.Key),
		Value:   msg.Body,
		Headers: publishHeaders(msg, opts),
	}

	if err := t.writer.Write(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish write: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Close stops polling and closes every group member and the writer.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel, readers := t.cancel, t.readers
	t.cancel, t.readers = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for _, r := range readers {
		r.Close()
	}

	t.loops.Wait()

	if c, ok := t.writer.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// Brokers splits a "kafka://b1:9092,b2:9092" host into seed brokers.
func Brokers(host string) []string {
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}

	host = strings.TrimRight(host, "/")

	var out []string
	for _, b := range strings.Split(host, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}

	return out
}

func publishHeaders(msg cbus.Envelope, o cbus.PublishOptions) map[string]string {
	h := make(map[string]string, len(msg.Headers)+len(o.Headers)+3)
	for k, v := range msg.Headers {
		h[k] = v
	}

	for k, v := range o.Headers {
		h[k] = v
	}

	h[cbus.HeaderMessageID] = msg.ID
	h[cbus.HeaderMessageKind] = string(msg.Kind)

	if !msg.SentAt.IsZero() {
		h[cbus.HeaderSentAt] = msg.SentAt.UTC().Format(time.RFC3339Nano)
	}

	return h
}

func envelopeOf(rec Record) cbus.Envelope {
	kind := cbus.MessageKind(rec.Headers[cbus.HeaderMessageKind])
	if kind == "" {
		kind = cbus.MessageKind(rec.Topic)
	}

	var sent time.Time
	if s := rec.Headers[cbus.HeaderSentAt]; s != "" {
		sent, _ = time.Parse(time.RFC3339Nano, s)
	}

	return cbus.Envelope{
		ID:      rec.Headers[cbus.HeaderMessageID],
		Kind:    kind,
		SentAt:  sent,
		Headers: rec.Headers,
		Body:    rec.Value,
	}
}
