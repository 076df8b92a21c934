package errors

import (
	"fmt"
	"strings"
)

// Error codes for the bus contracts. Keep stable; used across adapters, the
// topology builders and the runtime bus.
const (
	ErrCodeConfiguration       = "servicebus.configuration"
	ErrCodeDiscovery           = "servicebus.discovery"
	ErrCodeDeliveryFailed      = "servicebus.delivery_failed"
	ErrCodeConsumerNotFound    = "servicebus.consumer_not_found"
	ErrCodeEndpointNotFound    = "servicebus.endpoint_not_found"
	ErrCodePublishFailed       = "servicebus.publish_failed"
	ErrCodeTransportFailed     = "servicebus.transport_failed"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeInterrupted         = "servicebus.interrupted"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrConfiguration       = Code(ErrCodeConfiguration)
	ErrDiscovery           = Code(ErrCodeDiscovery)
	ErrDeliveryFailed      = Code(ErrCodeDeliveryFailed)
	ErrConsumerNotFound    = Code(ErrCodeConsumerNotFound)
	ErrEndpointNotFound    = Code(ErrCodeEndpointNotFound)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrTransportFailed     = Code(ErrCodeTransportFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	// ErrInterrupted marks a delivery cut short by shutdown. Transports
	// requeue it (or leave it uncommitted) instead of dead-lettering it.
	ErrInterrupted = Code(ErrCodeInterrupted)
)

// ConfigError reports a violated configuration precondition. It is always
// fatal at build time.
type ConfigError struct {
	Component string // e.g. "catalog", "topology", "microservice"
	Field     string // the offending setting, if any
	Reason    string
}

// Configf builds a ConfigError with a formatted reason.
func Configf(component, field, format string, args ...any) *ConfigError {
	return &ConfigError{Component: component, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(ErrCodeConfiguration)
	b.WriteString(": ")
	b.WriteString(e.Component)

	if e.Field != "" {
		b.WriteString(" ")
		b.WriteString(e.Field)
	}

	b.WriteString(": ")
	b.WriteString(e.Reason)

	return b.String()
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// DiscoveryError reports a module whose types could not be enumerated.
type DiscoveryError struct {
	Module string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s: module %q: %v", ErrCodeDiscovery, e.Module, e.Err)
}

func (e *DiscoveryError) Unwrap() []error { return []error{ErrDiscovery, e.Err} }

// DeliveryError reports a consumer that kept failing after every retry.
type DeliveryError struct {
	Endpoint string
	Consumer string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: endpoint %q consumer %q after %d attempts: %v",
		ErrCodeDeliveryFailed, e.Endpoint, e.Consumer, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDeliveryFailed, e.Err} }
