package microservice_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-microservice/catalog"
	"github.com/next-trace/scg-microservice/config"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
	"github.com/next-trace/scg-microservice/microservice"
	"github.com/next-trace/scg-microservice/topology"
)

type claimHandler interface {
	cbus.Consumer
	handlesClaims()
}

type submittedConsumer struct{}

func (*submittedConsumer) Messages() []cbus.MessageKind {
	return []cbus.MessageKind{"claims.ClaimSubmitted"}
}
func (*submittedConsumer) Consume(context.Context, cbus.Envelope) error { return nil }
func (*submittedConsumer) handlesClaims()                               {}

type auditConsumer struct{}

func (*auditConsumer) Messages() []cbus.MessageKind {
	return []cbus.MessageKind{"claims.ClaimApproved"}
}
func (*auditConsumer) Consume(context.Context, cbus.Envelope) error { return nil }

func init() {
	catalog.Register(&submittedConsumer{}, &auditConsumer{})
}

type fakeHTTP struct {
	calls []string

	origins  []string
	title    string
	version  string
	issuer   string
	audience string
	key      string
	err      error
}

func (f *fakeHTTP) RegisterAuth(issuer, audience, signingKey string) error {
	f.calls = append(f.calls, "auth")
	f.issuer, f.audience, f.key = issuer, audience, signingKey

	return f.err
}

func (f *fakeHTTP) RegisterDocs(title, version string) error {
	f.calls = append(f.calls, "docs")
	f.title, f.version = title, version

	return nil
}

func (f *fakeHTTP) ApplyCors(origins []string) error {
	f.calls = append(f.calls, "cors")
	f.origins = origins

	return nil
}

func settings() config.Map {
	return config.Map{
		"RabbitMq:Host":     "amqp://rabbit:5672/",
		"RabbitMq:User":     "guest",
		"RabbitMq:Password": "secret",
		"Jwt:SigningKey":    "signing-key",
		"Jwt:Issuer":        "credit-issuer",
		"Jwt:Audience":      "credit-api",
	}
}

func quiet() microservice.Option {
	return microservice.WithTopologyOptions(topology.WithLogOutput(io.Discard))
}

func TestSetup_EndToEnd(t *testing.T) {
	m := catalog.NewModule("example.com/claims", &submittedConsumer{})
	h := &fakeHTTP{}

	svc, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).
			AddReceiveEndpoint("q1", func(set *topology.ConsumerSet) error {
				return set.AddAllImplementing(catalog.CapabilityOf[claimHandler](), m)
			})
	}, microservice.WithHTTP(h), microservice.WithCatalog(catalog.New()), quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	require.True(t, svc.Messaging())

	eps := svc.Topology.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "q1", eps[0].Name)
	require.Len(t, eps[0].Consumers, 1)
	assert.Len(t, svc.Topology.Consumers(), 1)
	assert.Equal(t, cbus.RetryPolicy{Limit: 6, Interval: 10 * time.Second}, eps[0].Retry)

	conn := svc.Topology.Connection()
	assert.Equal(t, "amqp://rabbit:5672/", conn.Host)
	assert.Equal(t, cbus.Credentials{Username: "guest", Password: "secret"}, conn.Credentials)

	assert.Equal(t, []string{"docs", "cors", "auth"}, h.calls)
	assert.Equal(t, "x", h.title)
	assert.Equal(t, "v1", h.version)
	assert.Equal(t, microservice.DefaultCorsHosts, h.origins)
	assert.Equal(t, []string{"credit-issuer", "credit-api", "signing-key"}, []string{h.issuer, h.audience, h.key})
	assert.Equal(t, "1.0", svc.Version.String())
}

func TestBuild_NoEndpointsMeansNoTopology(t *testing.T) {
	// no host configured: any topology build would fail
	s := settings()
	delete(s, "RabbitMq:Host")

	svc, err := microservice.Setup(s, func(b *microservice.Builder) {
		b.Name("x").Version(1, 0)
	}, microservice.WithHTTP(&fakeHTTP{}))
	require.NoError(t, err)

	assert.False(t, svc.Messaging())
	assert.Nil(t, svc.Topology)
	assert.NotNil(t, svc.Logger())
	assert.NoError(t, svc.Close())
}

func TestBuild_MessagingWithoutHostFails(t *testing.T) {
	h := &fakeHTTP{}

	_, err := microservice.Setup(config.Map{"Jwt:SigningKey": "k"}, func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).AddReceiveEndpoint("q1", nil)
	}, microservice.WithHTTP(h), quiet())

	var cfgErr *berr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "topology", cfgErr.Component)
	assert.Empty(t, h.calls, "collaborators must not run on a failed build")
}

func TestBuild_Identity(t *testing.T) {
	cases := map[string]func(*microservice.Builder){
		"missing name":     func(b *microservice.Builder) { b.Version(1, 0) },
		"missing version":  func(b *microservice.Builder) { b.Name("x") },
		"negative version": func(b *microservice.Builder) { b.Name("x").Version(-1, 0) },
	}

	for name, configure := range cases {
		t.Run(name, func(t *testing.T) {
			h := &fakeHTTP{}
			_, err := microservice.Setup(settings(), configure, microservice.WithHTTP(h))
			require.ErrorIs(t, err, berr.ErrConfiguration)
			assert.Empty(t, h.calls)
		})
	}
}

func TestBuild_CorsHostsWithCorsDisabled(t *testing.T) {
	h := &fakeHTTP{}

	_, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).AllowCorsHosts("https://app.example").UseCors(false)
	}, microservice.WithHTTP(h))

	var cfgErr *berr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "cors", cfgErr.Field)
	assert.Empty(t, h.calls)
}

func TestBuild_CorsHostsAreDeclaredOrigins(t *testing.T) {
	h := &fakeHTTP{}

	svc, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("x").Version(2, 3).
			AllowCorsHosts("https://a.example", "https://b.example").
			AllowCorsHosts("https://a.example")
		assert.Len(t, b.CorsHosts(), 3)
	}, microservice.WithHTTP(h))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, h.origins)
	assert.Equal(t, h.origins, svc.CorsHosts)
	assert.Equal(t, "v2", svc.DocsVersion)
}

func TestBuild_DisabledCollaboratorsAreSkipped(t *testing.T) {
	svc, err := microservice.Setup(nil, func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).UseCors(false).UseAuthentication(false).UseDocumentation(false)
	})
	require.NoError(t, err)

	assert.Nil(t, svc.CorsHosts)
	assert.Empty(t, svc.DocsVersion)
	assert.False(t, svc.Authenticated)
}

func TestBuild_MissingCollaborators(t *testing.T) {
	_, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("x").Version(1, 0)
	})
	require.ErrorIs(t, err, berr.ErrConfiguration)

	_, err = microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).UseCors(false).UseAuthentication(false)
	}, microservice.WithCors(&fakeHTTP{}))
	require.ErrorIs(t, err, berr.ErrConfiguration)
}

func TestBuild_SigningKeyRequired(t *testing.T) {
	h := &fakeHTTP{}
	s := settings()
	delete(s, "Jwt:SigningKey")

	_, err := microservice.Setup(s, func(b *microservice.Builder) {
		b.Name("x").Version(1, 0)
	}, microservice.WithHTTP(h))
	require.ErrorIs(t, err, berr.ErrConfiguration)
	assert.Empty(t, h.calls)
}

func TestBuild_CollaboratorErrorReleasesTopology(t *testing.T) {
	h := &fakeHTTP{err: errors.New("scheme taken")}

	_, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).SetupMessaging(true)
	}, microservice.WithHTTP(h), quiet())
	require.ErrorContains(t, err, "scheme taken")
}

func TestBuild_DefaultReceiveEndpoint(t *testing.T) {
	svc, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("creditservice").Version(1, 0).
			UseCors(false).UseAuthentication(false).UseDocumentation(false).
			SetupDefaultReceiveEndpoint(true)
	}, microservice.WithCatalog(catalog.New()), quiet())
	require.NoError(t, err)

	ep, ok := svc.Topology.Endpoint("creditservice")
	require.True(t, ok)
	assert.Len(t, ep.Consumers, 2)
	assert.ElementsMatch(t, []cbus.MessageKind{"claims.ClaimSubmitted", "claims.ClaimApproved"}, ep.Kinds())
}

func TestBuild_DefaultReceiveEndpointRestrictedToModules(t *testing.T) {
	m := catalog.NewModule("example.com/audit", &auditConsumer{})

	svc, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("creditservice").Version(1, 0).
			UseCors(false).UseAuthentication(false).UseDocumentation(false).
			SetupDefaultReceiveEndpoint(true).
			Modules(m).
			AddReceiveEndpoint("audit", func(set *topology.ConsumerSet) error {
				return set.AddAllImplementing(catalog.ConsumerCapability, m)
			})
	}, microservice.WithCatalog(catalog.New()), quiet())
	require.NoError(t, err)

	eps := svc.Topology.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "creditservice", eps[0].Name)
	assert.Equal(t, "audit", eps[1].Name)
	assert.Len(t, eps[0].Consumers, 1)
	assert.Len(t, svc.Topology.Consumers(), 1, "a consumer shared by endpoints is registered once")
}

func TestBuild_SettingKeysAndBusHooks(t *testing.T) {
	keys := microservice.DefaultKeys()
	keys.RabbitHost = "Broker:Uri"
	keys.LogLevel = "Broker:LogLevel"

	s := config.Map{"Broker:Uri": "amqp://other:5672/", "Broker:LogLevel": "Debug"}

	svc, err := microservice.Setup(s, func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).
			UseCors(false).UseAuthentication(false).UseDocumentation(false).
			SettingKeys(keys).
			SetupMessaging(true).
			ConfigureBus(func(tb *topology.Builder) { tb.SetExchangeType(cbus.ExchangeTopic).Durable(false) })
	}, quiet())
	require.NoError(t, err)

	conn := svc.Topology.Connection()
	assert.Equal(t, "amqp://other:5672/", conn.Host)
	assert.Equal(t, cbus.ExchangeTopic, conn.Exchange)
	assert.False(t, conn.Durable)
	assert.Empty(t, svc.Topology.Endpoints())
	assert.True(t, svc.Logger().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuild_LegacyLogSettingNames(t *testing.T) {
	s := settings()
	s["Serilog:LogLevel"] = "Debug"

	svc, err := microservice.Setup(s, func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).
			UseCors(false).UseAuthentication(false).UseDocumentation(false).
			SetupMessaging(true)
	}, quiet())
	require.NoError(t, err)
	assert.True(t, svc.Logger().Enabled(context.Background(), slog.LevelDebug))

	s["Logging:LogLevel"] = "Error"

	svc, err = microservice.Setup(s, func(b *microservice.Builder) {
		b.Name("x").Version(1, 0).
			UseCors(false).UseAuthentication(false).UseDocumentation(false).
			SetupMessaging(true)
	}, quiet())
	require.NoError(t, err)
	assert.False(t, svc.Logger().Enabled(context.Background(), slog.LevelWarn), "the current name wins")
}

func TestBuild_DocsVersionFormat(t *testing.T) {
	h := &fakeHTTP{}

	_, err := microservice.Setup(settings(), func(b *microservice.Builder) {
		b.Name("x").Version(1, 2)
	}, microservice.WithHTTP(h), microservice.WithDocsVersionFormat(func(v microservice.Version) string {
		return "v" + v.String()
	}))
	require.NoError(t, err)
	assert.Equal(t, "v1.2", h.version)
}

func TestBuilder_FrozenAfterBuild(t *testing.T) {
	b := microservice.NewBuilder(nil).Name("x").Version(1, 0).UseCors(false).UseAuthentication(false).UseDocumentation(false)

	_, err := b.Build()
	require.NoError(t, err)

	assert.Panics(t, func() { b.Name("y") })
	assert.Panics(t, func() { b.AddReceiveEndpoint("q", nil) })
	assert.Panics(t, func() { _, _ = b.Build() })
}

func TestBuilder_MessagingRequired(t *testing.T) {
	assert.False(t, microservice.NewBuilder(nil).MessagingRequired())
	assert.True(t, microservice.NewBuilder(nil).SetupMessaging(true).MessagingRequired())
	assert.True(t, microservice.NewBuilder(nil).SetupDefaultReceiveEndpoint(true).MessagingRequired())
	assert.True(t, microservice.NewBuilder(nil).AddReceiveEndpoint("q", nil).MessagingRequired())
}
