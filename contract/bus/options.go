package bus

import "time"

// ExchangeKind selects how the broker routes messages to bound queues.
type ExchangeKind string

const (
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeHeaders ExchangeKind = "headers"
)

// Valid reports whether k is one of the known exchange kinds.
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeFanout, ExchangeDirect, ExchangeTopic, ExchangeHeaders:
		return true
	default:
		return false
	}
}

// RetryPolicy is a fixed-interval redelivery policy. Limit counts retries, so
// a message is handled at most Limit+1 times before it is surfaced to the
// broker's error path.
type RetryPolicy struct {
	Limit    int
	Interval time.Duration
}

// DefaultRetryPolicy is attached to every receive endpoint.
var DefaultRetryPolicy = RetryPolicy{Limit: 6, Interval: 10 * time.Second}

// Attempts is the total number of times a message is handed to a consumer.
func (p RetryPolicy) Attempts() int {
	if p.Limit < 0 {
		return 1
	}

	return p.Limit + 1
}

// Credentials authenticate the single shared broker connection.
type Credentials struct {
	Username string
	Password string
}

// Connection is the broker connection shared by all endpoints of a topology.
type Connection struct {
	Host        string
	Credentials Credentials
	Exchange    ExchangeKind
	Durable     bool
}

// EndpointBinding tells a transport which message kinds a queue receives.
type EndpointBinding struct {
	Queue string
	Kinds []MessageKind
	Retry RetryPolicy
}

// PublishOptions controls message publishing.
type PublishOptions struct {
	Key     string
	Headers map[string]string
}
