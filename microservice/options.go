package microservice

import (
	"fmt"

	"github.com/next-trace/scg-microservice/catalog"
	"github.com/next-trace/scg-microservice/topology"
)

// AuthRegistrar installs a bearer authentication scheme.
type AuthRegistrar interface {
	RegisterAuth(issuer, audience, signingKey string) error
}

// DocsRegistrar publishes the API document of one service version.
type DocsRegistrar interface {
	RegisterDocs(title, version string) error
}

// CorsApplier activates a CORS policy for a set of origins.
type CorsApplier interface {
	ApplyCors(origins []string) error
}

// HTTP is a collaborator serving all three HTTP concerns, such as
// *web.Server.
type HTTP interface {
	AuthRegistrar
	DocsRegistrar
	CorsApplier
}

// Version is a service's major.minor version.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// DocsVersion is the default document version format, "v<Major>".
func DocsVersion(v Version) string { return fmt.Sprintf("v%d", v.Major) }

// DefaultCorsHosts are allowed when CORS is on and no host was declared.
var DefaultCorsHosts = []string{"http://localhost:8080", "http://localhost:81"}

// Keys names the settings the builder reads.
type Keys struct {
	RabbitHost     string
	RabbitUser     string
	RabbitPassword string
	LogEndpoint    string
	LogIndexFormat string
	LogPassword    string
	LogLevel       string
	JwtSigningKey  string
	JwtAudience    string
	JwtIssuer      string
}

// DefaultKeys returns the conventional setting names.
func DefaultKeys() Keys {
	return Keys{
		RabbitHost:     "RabbitMq:Host",
		RabbitUser:     "RabbitMq:User",
		RabbitPassword: "RabbitMq:Password",
		LogEndpoint:    "Logging:Endpoint",
		LogIndexFormat: "Logging:IndexFormat",
		LogPassword:    "Logging:Password",
		LogLevel:       "Logging:LogLevel",
		JwtSigningKey:  "Jwt:SigningKey",
		JwtAudience:    "Jwt:Audience",
		JwtIssuer:      "Jwt:Issuer",
	}
}

// legacyKeys are older names of the log sink settings, read when the
// current name is unset so existing settings files keep working.
var legacyKeys = map[string]string{
	"Logging:Endpoint":    "Serilog:ElasticEndpoint",
	"Logging:IndexFormat": "Serilog:IndexFormat",
	"Logging:Password":    "Serilog:ElasticPassword",
	"Logging:LogLevel":    "Serilog:LogLevel",
}

// Option configures the collaborators of a Builder.
type Option func(*Builder)

// WithAuth sets the authentication registrar.
func WithAuth(a AuthRegistrar) Option {
	return func(b *Builder) { b.auth = a }
}

// WithDocs sets the documentation registrar.
func WithDocs(d DocsRegistrar) Option {
	return func(b *Builder) { b.docs = d }
}

// WithCors sets the CORS applier.
func WithCors(c CorsApplier) Option {
	return func(b *Builder) { b.cors = c }
}

// WithHTTP uses h for authentication, documentation and CORS.
func WithHTTP(h HTTP) Option {
	return func(b *Builder) { b.auth, b.docs, b.cors = h, h, h }
}

// WithCatalog resolves consumer discovery through cat.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(b *Builder) { b.topologyOpts = append(b.topologyOpts, topology.WithCatalog(cat)) }
}

// WithTopologyOptions passes opts to the bus topology builder.
func WithTopologyOptions(opts ...topology.Option) Option {
	return func(b *Builder) { b.topologyOpts = append(b.topologyOpts, opts...) }
}

// WithDocsVersionFormat overrides DocsVersion.
func WithDocsVersionFormat(f func(Version) string) Option {
	return func(b *Builder) { b.docsVersion = f }
}
