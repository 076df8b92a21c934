package topology

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"github.com/next-trace/scg-microservice/catalog"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

type state int

const (
	accumulating state = iota
	built
)

// Builder accumulates a bus topology and realizes it once in Build. Setters
// never validate; last write wins.
type Builder struct {
	state state

	cat    *catalog.Catalog
	logOut io.Writer

	host      string
	creds     cbus.Credentials
	exchange  cbus.ExchangeKind
	durable   bool
	sink      *LogSink
	endpoints []EndpointSpec
	errs      []error
}

// Option configures a Builder.
type Option func(*Builder)

// WithCatalog resolves endpoint discoveries through cat instead of
// catalog.Default.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(b *Builder) { b.cat = cat }
}

// WithLogOutput sets the local writer of the log sink (stderr by default).
func WithLogOutput(w io.Writer) Option {
	return func(b *Builder) { b.logOut = w }
}

// NewBuilder returns a builder with a durable fanout exchange.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		cat:      catalog.Default,
		logOut:   os.Stderr,
		exchange: cbus.ExchangeFanout,
		durable:  true,
	}
	for _, o := range opts {
		o(b)
	}

	return b
}

func (b *Builder) mutable() {
	if b.state == built {
		panic("topology: builder used after Build")
	}
}

// SetHost sets the broker URI, e.g. "amqp://rabbit:5672/vhost".
func (b *Builder) SetHost(uri string) *Builder {
	b.mutable()
	b.host = uri

	return b
}

// SetCredentials sets the broker user and password.
func (b *Builder) SetCredentials(user, password string) *Builder {
	b.mutable()
	b.creds = cbus.Credentials{Username: user, Password: password}

	return b
}

// SetExchangeType sets the exchange kind used for message exchanges.
func (b *Builder) SetExchangeType(kind cbus.ExchangeKind) *Builder {
	b.mutable()
	b.exchange = kind

	return b
}

// Durable toggles durable exchanges and queues.
func (b *Builder) Durable(durable bool) *Builder {
	b.mutable()
	b.durable = durable

	return b
}

// SetLogging configures the runtime log sink.
func (b *Builder) SetLogging(sink LogSink) *Builder {
	b.mutable()
	b.sink = &sink

	return b
}

// AddReceiveEndpoint declares a queue and fills its consumers through
// configure, which runs immediately against a fresh ConsumerSet. Its error is
// reported by Build.
func (b *Builder) AddReceiveEndpoint(name string, configure func(*ConsumerSet) error) *Builder {
	b.mutable()

	set := NewConsumerSet(b.cat)
	if configure != nil {
		if err := configure(set); err != nil {
			b.errs = append(b.errs, fmt.Errorf("endpoint %q: %w", name, err))
		}
	}

	b.endpoints = append(b.endpoints, EndpointSpec{Name: name, Consumers: set})

	return b
}

// AddEndpoint appends a prepared endpoint spec.
func (b *Builder) AddEndpoint(spec EndpointSpec) *Builder {
	b.mutable()

	if spec.Consumers == nil {
		spec.Consumers = NewConsumerSet(b.cat)
	}

	b.endpoints = append(b.endpoints, spec)

	return b
}

// Build validates the accumulated settings and realizes the topology. It may
// be called once; nothing is returned unless every check passed.
func (b *Builder) Build() (*Topology, error) {
	b.mutable()
	b.state = built

	if err := b.validate(); err != nil {
		return nil, err
	}

	t := &Topology{
		conn: cbus.Connection{
			Host:        b.host,
			Credentials: b.creds,
			Exchange:    b.exchange,
			Durable:     b.durable,
		},
		registry: make(map[string]catalog.Descriptor),
	}

	for _, spec := range b.endpoints {
		ep := Endpoint{Name: spec.Name, Retry: cbus.DefaultRetryPolicy}

		for _, d := range spec.Consumers.Collected() {
			t.register(d)
			ep.Consumers = append(ep.Consumers, d)
		}

		t.endpoints = append(t.endpoints, ep)
	}

	if b.sink != nil {
		t.logger, t.closer = b.sink.Logger(b.logOut)
	} else {
		t.logger, t.closer = slog.Default(), nopCloser{}
	}

	return t, nil
}

func (b *Builder) validate() error {
	errs := append([]error(nil), b.errs...)

	if b.host == "" {
		errs = append(errs, berr.Configf("topology", "host", "must be set"))
	} else if u, err := url.Parse(b.host); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, berr.Configf("topology", "host", "%q is not a broker URI", b.host))
	}

	if !b.exchange.Valid() {
		errs = append(errs, berr.Configf("topology", "exchange", "unknown exchange kind %q", b.exchange))
	}

	seen := make(map[string]struct{}, len(b.endpoints))
	for _, ep := range b.endpoints {
		if ep.Name == "" {
			errs = append(errs, berr.Configf("topology", "endpoint", "queue name must not be empty"))
			continue
		}

		if _, dup := seen[ep.Name]; dup {
			errs = append(errs, berr.Configf("topology", "endpoint", "queue %q declared twice", ep.Name))
		}

		seen[ep.Name] = struct{}{}
	}

	return errors.Join(errs...)
}
