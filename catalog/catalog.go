package catalog

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Catalog caches the consumers found in each module. It is safe for
// concurrent use: every module path is enumerated at most once, and
// concurrent first queries for the same module wait for that single pass.
type Catalog struct {
	mu      sync.Mutex
	entries map[string]*entry

	scans atomic.Int64
}

type entry struct {
	once      sync.Once
	types     []reflect.Type
	consumers []Descriptor
	err       error
}

// Default is the process-wide catalog shared by every builder.
var Default = New()

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Scans reports how many module enumerations this catalog has performed.
func (c *Catalog) Scans() int64 { return c.scans.Load() }

// Discover ensures every module is cached.
func (c *Catalog) Discover(modules ...Module) error {
	if len(modules) == 0 {
		return berr.Configf("catalog", "modules", "at least one module must be provided")
	}

	for _, m := range modules {
		if m == nil {
			return berr.Configf("catalog", "modules", "nil module")
		}

		if e := c.load(m); e.err != nil {
			return e.err
		}
	}

	return nil
}

// Query returns the cached consumers of modules that carry capability, in
// module order then registration order, without duplicates.
func (c *Catalog) Query(modules []Module, capability Capability) ([]Descriptor, error) {
	if err := c.Discover(modules...); err != nil {
		return nil, err
	}

	if capability.Type() == nil {
		return nil, berr.Configf("catalog", "capability", "capability type is required")
	}

	var out []Descriptor

	seen := make(map[string]struct{})

	for _, m := range modules {
		for _, d := range c.load(m).consumers {
			if !capability.SatisfiedBy(d.Type) {
				continue
			}

			if _, dup := seen[d.Name]; dup {
				continue
			}

			seen[d.Name] = struct{}{}
			out = append(out, d)
		}
	}

	return out, nil
}

// Types returns the concrete registered types of modules that carry
// capability, excluding the capability type itself.
func (c *Catalog) Types(modules []Module, capability Capability) ([]reflect.Type, error) {
	if err := c.Discover(modules...); err != nil {
		return nil, err
	}

	base := capability.Type()
	if base == nil {
		return nil, berr.Configf("catalog", "capability", "capability type is required")
	}

	var out []reflect.Type

	seen := make(map[reflect.Type]struct{})

	for _, m := range modules {
		for _, t := range c.load(m).types {
			if t == base || !capability.SatisfiedBy(t) {
				continue
			}

			if _, dup := seen[t]; dup {
				continue
			}

			seen[t] = struct{}{}
			out = append(out, t)
		}
	}

	return out, nil
}

func (c *Catalog) load(m Module) *entry {
	c.mu.Lock()
	e, ok := c.entries[m.Path()]
	if !ok {
		e = &entry{}
		c.entries[m.Path()] = e
	}
	c.mu.Unlock()

	e.once.Do(func() { c.scan(m, e) })

	return e
}

func (c *Catalog) scan(m Module, e *entry) {
	c.scans.Add(1)

	entries, err := m.Types()
	if err != nil {
		e.err = &berr.DiscoveryError{Module: m.Path(), Err: err}
		return
	}

	for _, en := range entries {
		if en.Type == nil || en.New == nil {
			e.err = &berr.DiscoveryError{Module: m.Path(), Err: fmt.Errorf("incomplete entry %v", en.Type)}
			e.types, e.consumers = nil, nil

			return
		}

		if !concrete(en.Type) {
			continue
		}

		e.types = append(e.types, en.Type)

		if !ConsumerCapability.SatisfiedBy(en.Type) {
			continue
		}

		d, err := describe(en)
		if err != nil {
			e.err = &berr.DiscoveryError{Module: m.Path(), Err: err}
			e.types, e.consumers = nil, nil

			return
		}

		e.consumers = append(e.consumers, d)
	}
}
