package catalog

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Entry is one registered type together with a constructor for it.
type Entry struct {
	Type reflect.Type
	New  func() any
}

// Module is a named group of registered types. Types is the enumeration the
// Catalog calls at most once per module path.
type Module interface {
	Path() string
	Types() ([]Entry, error)
}

// StaticModule is an in-process Module filled by Add and Provide calls.
type StaticModule struct {
	path string

	mu      sync.RWMutex
	entries []Entry
	seen    map[reflect.Type]struct{}
}

var _ Module = (*StaticModule)(nil)

// NewModule creates a standalone module holding samples' types. It does not
// touch the process-wide registry.
func NewModule(path string, samples ...any) *StaticModule {
	m := &StaticModule{path: path, seen: make(map[reflect.Type]struct{})}
	m.Add(samples...)

	return m
}

// Path returns the module identity.
func (m *StaticModule) Path() string { return m.path }

// Types returns a copy of the registered entries in registration order.
func (m *StaticModule) Types() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.entries), nil
}

// Add registers the types of samples with zero-value constructors.
func (m *StaticModule) Add(samples ...any) *StaticModule {
	for _, s := range samples {
		t := reflect.TypeOf(s)
		if t == nil {
			panic("catalog: cannot register untyped nil")
		}

		m.add(Entry{Type: t, New: zeroFactory(t)})
	}

	return m
}

func (m *StaticModule) add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[e.Type]; dup {
		return
	}

	m.seen[e.Type] = struct{}{}
	m.entries = append(m.entries, e)
}

// ProvideTo registers T in m with a custom constructor.
func ProvideTo[T any](m *StaticModule, factory func() T) {
	t := reflect.TypeFor[T]()
	m.add(Entry{Type: t, New: func() any { return factory() }})
}

func zeroFactory(t reflect.Type) func() any {
	if t.Kind() == reflect.Ptr {
		elem := t.Elem()
		return func() any { return reflect.New(elem).Interface() }
	}

	return func() any { return reflect.New(t).Elem().Interface() }
}

// process-wide registry, populated from init() functions.
var registry = struct {
	mu      sync.Mutex
	modules map[string]*StaticModule
	order   []string
}{modules: make(map[string]*StaticModule)}

// Register adds samples' types to the module of the package that declares
// them. Call it from init(); types registered after a module was discovered
// are not seen by that Catalog.
func Register(samples ...any) {
	for _, s := range samples {
		t := reflect.TypeOf(s)
		if t == nil {
			panic("catalog: cannot register untyped nil")
		}

		moduleOf(t).Add(s)
	}
}

// Provide registers T in its package's module with a custom constructor.
func Provide[T any](factory func() T) {
	ProvideTo(moduleOf(reflect.TypeFor[T]()), factory)
}

func moduleOf(t reflect.Type) *StaticModule {
	path := PackagePath(t)
	if path == "" {
		panic(fmt.Sprintf("catalog: cannot register unnamed type %s", t))
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	m, ok := registry.modules[path]
	if !ok {
		m = NewModule(path)
		registry.modules[path] = m
		registry.order = append(registry.order, path)
	}

	return m
}

// Lookup returns the registered module for a package path.
func Lookup(path string) (Module, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	m, ok := registry.modules[path]
	if !ok {
		return nil, false
	}

	return m, true
}

// ModuleFor returns the registered module of the package that declares t.
func ModuleFor(t reflect.Type) (Module, bool) {
	return Lookup(PackagePath(t))
}

// Registered returns every registered module in first-registration order.
func Registered() []Module {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	out := make([]Module, 0, len(registry.order))
	for _, p := range registry.order {
		out = append(out, registry.modules[p])
	}

	return out
}

// PackagePath is the import path of the package declaring t, looking through
// pointers. It is empty for unnamed and predeclared types.
func PackagePath(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t == nil {
		return ""
	}

	return t.PkgPath()
}

// Identity is the fully qualified name of t used as a consumer identity.
func Identity(t reflect.Type) string {
	ptr := ""
	for t.Kind() == reflect.Ptr {
		ptr += "*"
		t = t.Elem()
	}

	if t.PkgPath() == "" {
		return ptr + t.String()
	}

	return ptr + t.PkgPath() + "." + t.Name()
}
