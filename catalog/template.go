package catalog

import (
	"reflect"
	"slices"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Template is a consumer implementation parameterized by event type. Go cannot
// instantiate generics at runtime, so a template carries a bind function that
// builds the consumer for a given event type; one binding is generated per
// event type at configuration time.
type Template struct {
	name   string
	impl   reflect.Type
	params []string
	bind   func(event reflect.Type) any
}

// NewTemplate declares a template named name whose instances have type T.
// params names the template's type parameters; exactly one is accepted when
// the template is used.
//
//	audit := catalog.NewTemplate("audit", func(e reflect.Type) *AuditConsumer {
//		return &AuditConsumer{event: e}
//	}, "TEvent")
func NewTemplate[T any](name string, bind func(event reflect.Type) T, params ...string) Template {
	tmpl := Template{
		name:   name,
		impl:   reflect.TypeFor[T](),
		params: slices.Clone(params),
	}

	if bind != nil {
		tmpl.bind = func(e reflect.Type) any { return bind(e) }
	}

	return tmpl
}

// Name returns the template name.
func (t Template) Name() string { return t.name }

// Params returns the declared type parameter names.
func (t Template) Params() []string { return slices.Clone(t.params) }

// Validate checks that the template produces consumers and takes exactly one
// type parameter.
func (t Template) Validate() error {
	switch {
	case t.name == "":
		return berr.Configf("catalog", "template", "name is required")
	case t.bind == nil:
		return berr.Configf("catalog", "template", "%s has no bind function", t.name)
	case !ConsumerCapability.SatisfiedBy(t.impl):
		return berr.Configf("catalog", "template", "%s: %s does not implement %s", t.name, t.impl, ConsumerCapability)
	case len(t.params) != 1:
		return berr.Configf("catalog", "template", "%s must accept exactly one type parameter, has %d", t.name, len(t.params))
	}

	return nil
}

// Bind materializes the template for one event type.
func (t Template) Bind(event reflect.Type) (Descriptor, error) {
	if err := t.Validate(); err != nil {
		return Descriptor{}, err
	}

	if event == nil {
		return Descriptor{}, berr.Configf("catalog", "template", "%s bound to a nil event type", t.name)
	}

	bind := t.bind
	factory := func() cbus.Consumer {
		c, _ := bind(event).(cbus.Consumer)
		return c
	}

	sample := factory()
	if sample == nil {
		return Descriptor{}, berr.Configf("catalog", "template", "%s[%s] produced no consumer", t.name, event)
	}

	return Descriptor{
		Name:     t.name + "[" + Identity(event) + "]",
		Type:     t.impl,
		Messages: slices.Clone(sample.Messages()),
		Binding:  event,
		factory:  factory,
	}, nil
}
