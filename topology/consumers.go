package topology

import (
	"reflect"

	"github.com/next-trace/scg-microservice/catalog"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// ConsumerSet accumulates the consumers of one receive endpoint. Ignored
// identities are subtracted on read, so Add and Ignore commute.
type ConsumerSet struct {
	cat *catalog.Catalog

	included []catalog.Descriptor
	index    map[string]int
	ignored  map[string]struct{}
}

// NewConsumerSet returns an empty set resolving discoveries through cat
// (catalog.Default when nil).
func NewConsumerSet(cat *catalog.Catalog) *ConsumerSet {
	if cat == nil {
		cat = catalog.Default
	}

	return &ConsumerSet{
		cat:     cat,
		index:   make(map[string]int),
		ignored: make(map[string]struct{}),
	}
}

// Add inserts descriptors; re-adding an identity is a no-op.
func (s *ConsumerSet) Add(ds ...catalog.Descriptor) *ConsumerSet {
	for _, d := range ds {
		if _, ok := s.index[d.Name]; ok {
			continue
		}

		s.index[d.Name] = len(s.included)
		s.included = append(s.included, d)
	}

	return s
}

// AddAllImplementing adds every discovered consumer of modules that carries
// capability.
func (s *ConsumerSet) AddAllImplementing(capability catalog.Capability, modules ...catalog.Module) error {
	if len(modules) == 0 {
		return berr.Configf("topology", "modules", "at least one module must be provided")
	}

	found, err := s.cat.Query(modules, capability)
	if err != nil {
		return err
	}

	s.Add(found...)

	return nil
}

// AddFromTemplate binds tmpl once per event type and adds the results.
func (s *ConsumerSet) AddFromTemplate(tmpl catalog.Template, events ...reflect.Type) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}

	bound := make([]catalog.Descriptor, 0, len(events))
	for _, e := range events {
		d, err := tmpl.Bind(e)
		if err != nil {
			return err
		}

		bound = append(bound, d)
	}

	s.Add(bound...)

	return nil
}

// AddFromTemplateByBaseEvent binds tmpl to every registered event type
// assignable to base, excluding base itself. Without modules, the module that
// declares base is scanned.
func (s *ConsumerSet) AddFromTemplateByBaseEvent(tmpl catalog.Template, base reflect.Type, modules ...catalog.Module) error {
	if base == nil {
		return berr.Configf("topology", "event", "base event type is required")
	}

	if len(modules) == 0 {
		m, ok := catalog.ModuleFor(base)
		if !ok {
			return berr.Configf("topology", "modules", "no registered module declares %s", base)
		}

		modules = []catalog.Module{m}
	}

	events, err := s.cat.Types(modules, catalog.CapabilityFor(base))
	if err != nil {
		return err
	}

	return s.AddFromTemplate(tmpl, events...)
}

// Ignore hides descriptors from Collected regardless of when they are added.
func (s *ConsumerSet) Ignore(ds ...catalog.Descriptor) *ConsumerSet {
	for _, d := range ds {
		s.ignored[d.Name] = struct{}{}
	}

	return s
}

// IgnoreName hides consumers by identity.
func (s *ConsumerSet) IgnoreName(names ...string) *ConsumerSet {
	for _, n := range names {
		s.ignored[n] = struct{}{}
	}

	return s
}

// Collected returns the included consumers minus the ignored ones, in
// insertion order.
func (s *ConsumerSet) Collected() []catalog.Descriptor {
	out := make([]catalog.Descriptor, 0, len(s.included))
	for _, d := range s.included {
		if _, skip := s.ignored[d.Name]; skip {
			continue
		}

		out = append(out, d)
	}

	return out
}

// Len is the number of collected consumers.
func (s *ConsumerSet) Len() int { return len(s.Collected()) }
