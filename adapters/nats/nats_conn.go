package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Config tunes the NATS connection.
type Config struct {
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	// DrainTimeout bounds how long Close waits for subscriptions to drain.
	DrainTimeout time.Duration
}

// Connect dials the topology host with its credentials.
func Connect(conn cbus.Connection, cfg Config) (*nats.Conn, error) {
	if conn.Host == "" {
		return nil, berr.Configf("nats", "host", "must be set")
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	if conn.Credentials.Username != "" {
		opts = append(opts, nats.UserInfo(conn.Credentials.Username, conn.Credentials.Password))
	}

	nc, err := nats.Connect(conn.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}
