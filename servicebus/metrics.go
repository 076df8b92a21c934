package servicebus

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess     = "success"
	outcomeFailed      = "failed"
	outcomeUnroutable  = "unroutable"
	outcomeInterrupted = "interrupted"
)

type metrics struct {
	deliveries *prometheus.CounterVec
	retries    *prometheus.CounterVec
	published  *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicebus",
			Name:      "deliveries_total",
			Help:      "Messages handled per endpoint and consumer, by outcome.",
		}, []string{"endpoint", "consumer", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicebus",
			Name:      "retries_total",
			Help:      "Redelivery attempts per endpoint and consumer.",
		}, []string{"endpoint", "consumer"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicebus",
			Name:      "published_total",
			Help:      "Published messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// Metrics holds the bus counters. Register them once per process and share
// the value between buses.
type Metrics struct{ m *metrics }

// NewMetrics creates the counters and registers them on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := newMetrics()

	if reg != nil {
		for _, c := range []prometheus.Collector{m.deliveries, m.retries, m.published} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return &Metrics{m: m}, nil
}
