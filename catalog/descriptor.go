package catalog

import (
	"reflect"
	"slices"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Capability marks a role a type fulfills. It wraps a Go type, usually an
// interface; a registered type has the capability when it is assignable to it.
type Capability struct{ t reflect.Type }

// CapabilityOf returns the capability described by T.
func CapabilityOf[T any]() Capability { return Capability{t: reflect.TypeFor[T]()} }

// CapabilityFor wraps an existing reflect.Type.
func CapabilityFor(t reflect.Type) Capability { return Capability{t: t} }

// ConsumerCapability is carried by every message consumer.
var ConsumerCapability = CapabilityOf[cbus.Consumer]()

// Type returns the underlying Go type.
func (c Capability) Type() reflect.Type { return c.t }

func (c Capability) String() string {
	if c.t == nil {
		return "<none>"
	}

	return c.t.String()
}

// SatisfiedBy reports whether t carries the capability.
func (c Capability) SatisfiedBy(t reflect.Type) bool {
	return c.t != nil && t != nil && t.AssignableTo(c.t)
}

// concrete excludes interface declarations; they describe capabilities, they
// cannot be instantiated.
func concrete(t reflect.Type) bool {
	return t != nil && t.Kind() != reflect.Interface
}

// Descriptor identifies one consumer implementation.
type Descriptor struct {
	Name     string
	Type     reflect.Type
	Messages []cbus.MessageKind
	// Binding is the event type bound to a template's parameter; nil for
	// non-template consumers.
	Binding reflect.Type

	factory func() cbus.Consumer
}

// New builds a fresh consumer instance.
func (d Descriptor) New() cbus.Consumer {
	if d.factory == nil {
		return nil
	}

	return d.factory()
}

// Handles reports whether the consumer accepts kind k.
func (d Descriptor) Handles(k cbus.MessageKind) bool {
	return slices.Contains(d.Messages, k)
}

// Describe builds a descriptor for consumer type T. A nil factory uses T's
// zero value (a new(T.Elem()) for pointer types).
func Describe[T cbus.Consumer](factory func() T) Descriptor {
	t := reflect.TypeFor[T]()

	var newFn func() any
	if factory != nil {
		newFn = func() any { return factory() }
	} else {
		newFn = zeroFactory(t)
	}

	d, err := describe(Entry{Type: t, New: newFn})
	if err != nil {
		// T is statically a consumer; only an interface T can land here.
		panic(err)
	}

	return d
}

// DescriptorOf builds a descriptor from a sample value with a zero-value
// constructor.
func DescriptorOf(sample cbus.Consumer) (Descriptor, error) {
	t := reflect.TypeOf(sample)
	if t == nil {
		return Descriptor{}, berr.Configf("catalog", "consumer", "nil sample")
	}

	return describe(Entry{Type: t, New: zeroFactory(t)})
}

func describe(e Entry) (Descriptor, error) {
	if !concrete(e.Type) || !ConsumerCapability.SatisfiedBy(e.Type) {
		return Descriptor{}, berr.Configf("catalog", "consumer", "%s is not a concrete %s", e.Type, ConsumerCapability)
	}

	newFn := e.New
	factory := func() cbus.Consumer {
		c, _ := newFn().(cbus.Consumer)
		return c
	}

	sample := factory()
	if sample == nil {
		return Descriptor{}, berr.Configf("catalog", "consumer", "%s constructor returned no consumer", e.Type)
	}

	return Descriptor{
		Name:     Identity(e.Type),
		Type:     e.Type,
		Messages: slices.Clone(sample.Messages()),
		factory:  factory,
	}, nil
}
