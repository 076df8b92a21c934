// creditservice is the credit microservice: claim endpoints over HTTP and a
// receive endpoint named after the service consuming every registered claim
// consumer.
//
// Settings come from appsettings.{json,yaml}, a .env file and the
// environment (RABBITMQ__HOST, JWT__SIGNINGKEY, ...); the flags below
// override them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/next-trace/scg-microservice/adapters/inmemory"
	"github.com/next-trace/scg-microservice/adapters/kafka"
	"github.com/next-trace/scg-microservice/adapters/nats"
	"github.com/next-trace/scg-microservice/adapters/rabbitmq"
	"github.com/next-trace/scg-microservice/config"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	"github.com/next-trace/scg-microservice/internal/claims"
	"github.com/next-trace/scg-microservice/microservice"
	"github.com/next-trace/scg-microservice/servicebus"
	"github.com/next-trace/scg-microservice/topology"
	"github.com/next-trace/scg-microservice/web"
)

const serviceName = "creditservice"

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr      string
		transport string
		envPrefix string
		noAuth    bool
	)

	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flags.StringVar(&addr, "listen", ":8080", "HTTP listen address")
	flags.StringVar(&transport, "transport", "rabbitmq", "message transport: rabbitmq, nats, kafka or memory")
	flags.StringVar(&envPrefix, "env-prefix", "", "prefix required on environment overrides")
	flags.BoolVar(&noAuth, "no-auth", false, "serve without bearer authentication")
	flags.String("broker", "", "broker URI (RabbitMq:Host)")
	flags.String("log-level", "", "log level (Logging:LogLevel)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(
		config.WithEnvPrefix(envPrefix),
		config.WithFlag("RabbitMq:Host", flags.Lookup("broker")),
		config.WithFlag("Logging:LogLevel", flags.Lookup("log-level")),
	)
	if err != nil {
		return err
	}

	httpMetrics, err := web.NewHTTPMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	server := web.NewServer(web.WithMetrics(httpMetrics))

	svc, err := microservice.Setup(cfg, func(b *microservice.Builder) {
		b.Name(serviceName).
			Version(1, 0).
			UseAuthentication(!noAuth).
			SetupMessaging(true).
			SetupDefaultReceiveEndpoint(true)
	}, microservice.WithHTTP(server), microservice.WithTopologyOptions(topology.WithLogOutput(os.Stderr)))
	if err != nil {
		return err
	}
	defer svc.Close()

	logger := svc.Logger()

	tr, err := newTransport(transport, svc.Topology.Connection(), logger)
	if err != nil {
		return err
	}

	busMetrics, err := servicebus.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	bus, err := servicebus.New(svc.Topology, tr, servicebus.WithLogger(logger), servicebus.WithMetrics(busMetrics))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Close()

	api := server.Protected("/")
	claims.NewController(bus).Register(api)
	server.Engine().GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		logger.Info("http listening", "addr", addr, "transport", transport, "endpoints", len(svc.Topology.Endpoints()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func newTransport(name string, conn cbus.Connection, logger *slog.Logger) (cbus.Transport, error) { //nolint:ireturn
	switch name {
	case "rabbitmq":
		return rabbitmq.New(rabbitmq.WithLogger(logger)), nil
	case "nats":
		return nats.New(nats.WithLogger(logger), nats.WithConfig(nats.Config{Name: serviceName})), nil
	case "kafka":
		return kafka.NewKgo(kafka.Config{ClientID: serviceName}, conn, kafka.WithLogger(logger))
	case "memory":
		return inmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
