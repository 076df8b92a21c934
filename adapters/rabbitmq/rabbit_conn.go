package rabbitmq

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Connection is the subset of *amqp.Connection the transport uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) { return c.Connection.Channel() }

// DialAMQP dials RabbitMQ with amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	return amqpConn{conn}, nil
}

// BrokerURL merges credentials into the host URI. Credentials already in the
// URI are kept unless creds overrides them.
func BrokerURL(conn cbus.Connection) (string, error) {
	uri, err := amqp.ParseURI(conn.Host)
	if err != nil {
		return "", berr.Configf("rabbitmq", "host", "%v", err)
	}

	if conn.Credentials.Username != "" {
		uri.Username = conn.Credentials.Username
		uri.Password = conn.Credentials.Password
	}

	return uri.String(), nil
}

// connect dials, declares the topology and starts one consumer per endpoint.
// It returns the close notification of the new connection.
func (t *Transport) connect() (chan *amqp.Error, error) {
	url, err := BrokerURL(t.settings)
	if err != nil {
		return nil, err
	}

	conn, err := t.dial(url, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-microservice"},
		Dial:       amqp.DefaultDial(t.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = closeAll(ch, conn)
		return nil, err
	}

	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		_ = closeAll(ch, pub, conn)
		return nil, err
	}

	if err := t.declare(ch); err != nil {
		_ = closeAll(ch, pub, conn)
		return nil, err
	}

	deliveries := make([]<-chan amqp.Delivery, len(t.endpoints))
	for i, ep := range t.endpoints {
		deliveries[i], err = ch.Consume(ep.Queue, t.cfg.ConsumerTag, false, false, false, false, nil)
		if err != nil {
			_ = closeAll(ch, pub, conn)
			return nil, fmt.Errorf("consume %s: %w", ep.Queue, err)
		}
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		_ = closeAll(ch, pub, conn)

		return nil, fmt.Errorf("rabbitmq connect: closed: %w", berr.ErrTransportFailed)
	default:
	}

	t.conn, t.ch, t.pub = conn, ch, pub
	t.declared = make(map[string]struct{})
	for _, ep := range t.endpoints {
		for _, k := range ep.Kinds {
			t.declared[string(k)] = struct{}{}
		}
	}

	// signal readiness
	close(t.ready)
	t.mu.Unlock()

	for i, ep := range t.endpoints {
		t.inflight.Add(1)

		go t.consume(ep.Queue, deliveries[i])
	}

	t.logger.Info("rabbitmq connected", "endpoints", len(t.endpoints))

	return notify, nil
}

// watch re-establishes the connection whenever it drops, with capped
// exponential backoff and jitter.
func (t *Transport) watch(notify chan *amqp.Error) {
	backoff := time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-t.closed:
			return
		case cerr := <-notify:
			select {
			case <-t.closed:
				return
			default:
			}

			t.logger.Warn("rabbitmq connection lost", "error", cerr)
			t.disconnected()
		}

		for {
			var err error

			notify, err = t.connect()
			if err == nil {
				backoff = time.Second
				break
			}

			t.logger.Error("rabbitmq reconnect failed", "error", err, "retry_in", backoff)

			jitter := time.Duration(rng.Int63n(int64(backoff/2) + 1))
			sleep := min(backoff+jitter/2, t.cfg.MaxBackoff)

			timer := time.NewTimer(sleep)
			select {
			case <-t.closed:
				timer.Stop()
				return
			case <-timer.C:
			}

			backoff = min(backoff*2, t.cfg.MaxBackoff)
		}
	}
}

func (t *Transport) disconnected() {
	t.mu.Lock()
	ch, pub, conn := t.ch, t.pub, t.conn
	t.ch, t.pub, t.conn = nil, nil, nil
	t.ready = make(chan struct{})
	t.mu.Unlock()

	_ = closeAll(ch, pub, conn)
}

func closeAll(cs ...io.Closer) error {
	var errs []error

	for _, c := range cs {
		if c == nil {
			continue
		}

		if err := c.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
