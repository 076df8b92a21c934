// Package microservice assembles a service from one declarative callback:
// identity, HTTP collaborators and, when asked for, the message bus topology.
//
//	svc, err := microservice.Setup(cfg, func(b *microservice.Builder) {
//		b.Name("creditservice").Version(1, 0).
//			SetupMessaging(true).
//			SetupDefaultReceiveEndpoint(true)
//	}, microservice.WithHTTP(server))
package microservice

import (
	"errors"
	"slices"

	"github.com/next-trace/scg-microservice/catalog"
	"github.com/next-trace/scg-microservice/config"
	berr "github.com/next-trace/scg-microservice/contract/errors"
	"github.com/next-trace/scg-microservice/topology"
)

type state int

const (
	accumulating state = iota
	built
)

type endpointDecl struct {
	name      string
	configure func(*topology.ConsumerSet) error
}

// Builder accumulates a service declaration. Nothing runs until Build.
type Builder struct {
	state    state
	settings config.Settings
	keys     Keys

	name       string
	version    Version
	versionSet bool

	corsHosts   []string
	useCors     bool
	useAuth     bool
	useDocs     bool
	messaging   bool
	defaultEP   bool
	endpoints   []endpointDecl
	modules     []catalog.Module
	busHooks    []func(*topology.Builder)
	docsVersion func(Version) string

	auth         AuthRegistrar
	docs         DocsRegistrar
	cors         CorsApplier
	topologyOpts []topology.Option
}

// NewBuilder returns a builder with CORS, authentication and documentation
// enabled and messaging disabled.
func NewBuilder(settings config.Settings, opts ...Option) *Builder {
	if settings == nil {
		settings = config.Map{}
	}

	b := &Builder{
		settings:    settings,
		keys:        DefaultKeys(),
		useCors:     true,
		useAuth:     true,
		useDocs:     true,
		docsVersion: DocsVersion,
	}
	for _, o := range opts {
		o(b)
	}

	return b
}

// Setup runs configure against a fresh builder and builds it.
func Setup(settings config.Settings, configure func(*Builder), opts ...Option) (*Service, error) {
	b := NewBuilder(settings, opts...)
	if configure != nil {
		configure(b)
	}

	return b.Build()
}

func (b *Builder) mutable() {
	if b.state == built {
		panic("microservice: builder used after Build")
	}
}

// Name sets the service name. It also names the default receive endpoint.
func (b *Builder) Name(name string) *Builder {
	b.mutable()
	b.name = name

	return b
}

// Version sets the service version.
func (b *Builder) Version(major, minor int) *Builder {
	b.mutable()
	b.version, b.versionSet = Version{Major: major, Minor: minor}, true

	return b
}

// AllowCorsHosts declares the allowed CORS origins.
func (b *Builder) AllowCorsHosts(hosts ...string) *Builder {
	b.mutable()
	b.corsHosts = append(b.corsHosts, hosts...)

	return b
}

// CorsHosts returns the origins declared so far.
func (b *Builder) CorsHosts() []string { return slices.Clone(b.corsHosts) }

// UseCors toggles the CORS policy.
func (b *Builder) UseCors(on bool) *Builder {
	b.mutable()
	b.useCors = on

	return b
}

// UseAuthentication toggles bearer authentication.
func (b *Builder) UseAuthentication(on bool) *Builder {
	b.mutable()
	b.useAuth = on

	return b
}

// UseDocumentation toggles the API document.
func (b *Builder) UseDocumentation(on bool) *Builder {
	b.mutable()
	b.useDocs = on

	return b
}

// SetupMessaging requests the bus topology.
func (b *Builder) SetupMessaging(on bool) *Builder {
	b.mutable()
	b.messaging = on

	return b
}

// SetupDefaultReceiveEndpoint declares an endpoint named after the service
// bound to every consumer of Modules, or of all registered modules when none
// were given. It implies messaging.
func (b *Builder) SetupDefaultReceiveEndpoint(on bool) *Builder {
	b.mutable()
	b.defaultEP = on

	return b
}

// AddReceiveEndpoint declares a queue whose consumers configure selects.
// configure runs during Build. Declaring an endpoint implies messaging.
func (b *Builder) AddReceiveEndpoint(queue string, configure func(*topology.ConsumerSet) error) *Builder {
	b.mutable()
	b.endpoints = append(b.endpoints, endpointDecl{name: queue, configure: configure})

	return b
}

// ConfigureBus registers a hook run against the topology builder after the
// settings were applied, e.g. to change the exchange kind.
func (b *Builder) ConfigureBus(hook func(*topology.Builder)) *Builder {
	b.mutable()
	b.busHooks = append(b.busHooks, hook)

	return b
}

// Modules restricts the default receive endpoint to modules.
func (b *Builder) Modules(modules ...catalog.Module) *Builder {
	b.mutable()
	b.modules = append(b.modules, modules...)

	return b
}

// SettingKeys overrides the setting names read during Build.
func (b *Builder) SettingKeys(keys Keys) *Builder {
	b.mutable()
	b.keys = keys

	return b
}

// MessagingRequired reports whether Build will create a bus topology.
func (b *Builder) MessagingRequired() bool {
	return b.messaging || b.defaultEP || len(b.endpoints) > 0
}

type plan struct {
	docsVersion string
	cors        []string
	issuer      string
	audience    string
	signingKey  string
}

// Build validates the declaration and activates the service. Collaborators
// are invoked only after every step succeeded; on error nothing is active.
func (b *Builder) Build() (*Service, error) {
	b.mutable()
	b.state = built

	if err := b.validateIdentity(); err != nil {
		return nil, err
	}

	hosts, err := b.resolveCors()
	if err != nil {
		return nil, err
	}

	var top *topology.Topology
	if b.MessagingRequired() {
		if top, err = b.buildTopology(); err != nil {
			return nil, err
		}
	}

	p, err := b.plan(hosts)
	if err != nil {
		return nil, errors.Join(err, closeTopology(top))
	}

	if err := b.activate(p); err != nil {
		return nil, errors.Join(err, closeTopology(top))
	}

	return &Service{
		Name:          b.name,
		Version:       b.version,
		Topology:      top,
		CorsHosts:     p.cors,
		DocsVersion:   p.docsVersion,
		Authenticated: b.useAuth,
	}, nil
}

func (b *Builder) validateIdentity() error {
	var errs []error
	if b.name == "" {
		errs = append(errs, berr.Configf("microservice", "name", "must be set"))
	}

	if !b.versionSet {
		errs = append(errs, berr.Configf("microservice", "version", "must be set"))
	} else if b.version.Major < 0 || b.version.Minor < 0 {
		errs = append(errs, berr.Configf("microservice", "version", "%s is negative", b.version))
	}

	return errors.Join(errs...)
}

// resolveCors refuses hosts declared while CORS is off.
func (b *Builder) resolveCors() ([]string, error) {
	if !b.useCors {
		if len(b.corsHosts) > 0 {
			return nil, berr.Configf("microservice", "cors", "%d hosts declared while CORS is disabled", len(b.corsHosts))
		}

		return nil, nil
	}

	if len(b.corsHosts) == 0 {
		return slices.Clone(DefaultCorsHosts), nil
	}

	seen := make(map[string]struct{}, len(b.corsHosts))
	hosts := make([]string, 0, len(b.corsHosts))
	for _, h := range b.corsHosts {
		if _, dup := seen[h]; !dup {
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}

	return hosts, nil
}

func (b *Builder) buildTopology() (*topology.Topology, error) {
	s := b.settings
	tb := topology.NewBuilder(b.topologyOpts...).
		SetHost(s.GetString(b.keys.RabbitHost)).
		SetCredentials(s.GetString(b.keys.RabbitUser), s.GetString(b.keys.RabbitPassword))

	sink := topology.LogSink{
		Endpoint:    b.setting(b.keys.LogEndpoint),
		IndexFormat: b.setting(b.keys.LogIndexFormat),
		Password:    b.setting(b.keys.LogPassword),
		Level:       b.setting(b.keys.LogLevel),
	}
	if sink != (topology.LogSink{}) {
		tb.SetLogging(sink)
	}

	if b.defaultEP {
		modules := b.modules
		if len(modules) == 0 {
			modules = catalog.Registered()
		}

		tb.AddReceiveEndpoint(b.name, func(set *topology.ConsumerSet) error {
			return set.AddAllImplementing(catalog.ConsumerCapability, modules...)
		})
	}

	for _, ep := range b.endpoints {
		tb.AddReceiveEndpoint(ep.name, ep.configure)
	}

	for _, hook := range b.busHooks {
		hook(tb)
	}

	return tb.Build()
}

// setting reads key, falling back to its legacy name.
func (b *Builder) setting(key string) string {
	if v := b.settings.GetString(key); v != "" {
		return v
	}

	if legacy, ok := legacyKeys[key]; ok {
		return b.settings.GetString(legacy)
	}

	return ""
}

// plan checks the remaining steps in order: docs, CORS, authentication.
func (b *Builder) plan(hosts []string) (plan, error) {
	var p plan

	if b.useDocs {
		if b.docs == nil {
			return p, berr.Configf("microservice", "docs", "enabled without a documentation registrar")
		}

		p.docsVersion = b.docsVersion(b.version)
	}

	if b.useCors {
		if b.cors == nil {
			return p, berr.Configf("microservice", "cors", "enabled without a CORS applier")
		}

		p.cors = hosts
	}

	if b.useAuth {
		if b.auth == nil {
			return p, berr.Configf("microservice", "auth", "enabled without an authentication registrar")
		}

		p.signingKey = b.settings.GetString(b.keys.JwtSigningKey)
		if p.signingKey == "" {
			return p, berr.Configf("microservice", b.keys.JwtSigningKey, "must be set when authentication is enabled")
		}

		p.issuer = b.settings.GetString(b.keys.JwtIssuer)
		p.audience = b.settings.GetString(b.keys.JwtAudience)
	}

	return p, nil
}

func (b *Builder) activate(p plan) error {
	if b.useDocs {
		if err := b.docs.RegisterDocs(b.name, p.docsVersion); err != nil {
			return err
		}
	}

	if b.useCors {
		if err := b.cors.ApplyCors(p.cors); err != nil {
			return err
		}
	}

	if b.useAuth {
		if err := b.auth.RegisterAuth(p.issuer, p.audience, p.signingKey); err != nil {
			return err
		}
	}

	return nil
}

func closeTopology(t *topology.Topology) error {
	if t == nil {
		return nil
	}

	return t.Close()
}
