package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Concrete franz-go based writer, group readers and constructor.

// Config tunes the franz-go clients. Brokers default to the topology host.
type Config struct {
	Brokers     []string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression kgo.CompressionCodec
}

func (c Config) opts(creds cbus.Credentials) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}

	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	if creds.Username != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: creds.Username, Pass: creds.Password}.AsMechanism()))
	}

	return opts
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, r Record) error {
	rec := &kgo.Record{Topic: r.Topic, Key: r.Key, Value: r.Value}
	if len(r.Headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(r.Headers))
		for k, v := range r.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

func (w kgoWriter) Close() error {
	w.cl.Close()
	return nil
}

type kgoReader struct{ cl *kgo.Client }

func (r kgoReader) Poll(ctx context.Context) ([]Record, error) {
	fetches := r.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, io.EOF
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) {
			continue
		}

		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	var out []Record
	fetches.EachRecord(func(rec *kgo.Record) {
		h := make(map[string]string, len(rec.Headers))
		for _, kv := range rec.Headers {
			h[kv.Key] = string(kv.Value)
		}

		out = append(out, Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Headers: h})
	})

	return out, errors.Join(errs...)
}

func (r kgoReader) Commit(ctx context.Context) error { return r.cl.CommitUncommittedOffsets(ctx) }

func (r kgoReader) Close() { r.cl.Close() }

// NewKgo builds a franz-go backed Transport. Brokers come from cfg or, when
// empty, from the topology host (see Brokers); credentials enable SASL/PLAIN.
func NewKgo(cfg Config, conn cbus.Connection, opts ...Option) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = Brokers(conn.Host)
	}

	if len(cfg.Brokers) == 0 {
		return nil, berr.Configf("kafka", "brokers", "required")
	}

	produce := cfg.opts(conn.Credentials)
	if cfg.Idempotent {
		if cfg.Compression != (kgo.CompressionCodec{}) {
			produce = append(produce, kgo.ProducerBatchCompression(cfg.Compression))
		}
	} else {
		produce = append(produce, kgo.DisableIdempotentWrite())
	}

	if cfg.Acks != (kgo.Acks{}) {
		produce = append(produce, kgo.RequiredAcks(cfg.Acks))
	}

	cl, err := kgo.NewClient(produce...)
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	groups := func(group string, topics []string) (Reader, error) {
		o := append(cfg.opts(conn.Credentials),
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topics...),
			kgo.DisableAutoCommit(),
		)

		gc, err := kgo.NewClient(o...)
		if err != nil {
			return nil, err
		}

		return kgoReader{cl: gc}, nil
	}

	return New(kgoWriter{cl: cl}, groups, opts...), nil
}
