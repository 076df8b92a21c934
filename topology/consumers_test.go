package topology_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-microservice/catalog"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
	"github.com/next-trace/scg-microservice/topology"
)

// handler is the base capability used by the endpoint tests.
type handler interface {
	cbus.Consumer
	claimsHandler()
}

type submittedHandler struct{}

func (*submittedHandler) Messages() []cbus.MessageKind {
	return []cbus.MessageKind{cbus.KindFor(reflect.TypeFor[claimSubmitted]())}
}
func (*submittedHandler) Consume(context.Context, cbus.Envelope) error { return nil }
func (*submittedHandler) claimsHandler()                               {}

type unrelatedConsumer struct{}

func (unrelatedConsumer) Messages() []cbus.MessageKind                 { return []cbus.MessageKind{"other.Thing"} }
func (unrelatedConsumer) Consume(context.Context, cbus.Envelope) error { return nil }

type claimEvent interface{ claimEvent() }

type claimSubmitted struct{ ID string }

func (claimSubmitted) claimEvent() {}

type claimApproved struct{ ID string }

func (claimApproved) claimEvent() {}

type eventLogger struct{ event reflect.Type }

func (l *eventLogger) Messages() []cbus.MessageKind {
	return []cbus.MessageKind{cbus.KindFor(l.event)}
}
func (*eventLogger) Consume(context.Context, cbus.Envelope) error { return nil }

var eventLog = catalog.NewTemplate("eventlog", func(e reflect.Type) *eventLogger {
	return &eventLogger{event: e}
}, "TEvent")

func init() {
	catalog.Register(claimSubmitted{}, claimApproved{})
}

func TestConsumerSet_AddIsIdempotent(t *testing.T) {
	s := topology.NewConsumerSet(catalog.New())
	d := catalog.Describe[*submittedHandler](nil)

	s.Add(d).Add(d)

	assert.Len(t, s.Collected(), 1)
}

func TestConsumerSet_IgnoreCommutesWithAdd(t *testing.T) {
	d := catalog.Describe[*submittedHandler](nil)

	addThenIgnore := topology.NewConsumerSet(catalog.New())
	addThenIgnore.Add(d).Ignore(d)

	ignoreThenAdd := topology.NewConsumerSet(catalog.New())
	ignoreThenAdd.Ignore(d).Add(d)

	assert.Empty(t, addThenIgnore.Collected())
	assert.Empty(t, ignoreThenAdd.Collected())

	// reads do not consume state
	assert.Empty(t, addThenIgnore.Collected())
}

func TestConsumerSet_IgnoreName(t *testing.T) {
	s := topology.NewConsumerSet(catalog.New())
	d := catalog.Describe[*submittedHandler](nil)
	other := catalog.Describe[unrelatedConsumer](nil)

	s.Add(d, other).IgnoreName(d.Name)

	got := s.Collected()
	require.Len(t, got, 1)
	assert.Equal(t, other.Name, got[0].Name)
}

func TestConsumerSet_AddAllImplementing(t *testing.T) {
	m := catalog.NewModule("example.com/handlers", &submittedHandler{}, unrelatedConsumer{})
	s := topology.NewConsumerSet(catalog.New())

	require.NoError(t, s.AddAllImplementing(catalog.CapabilityOf[handler](), m))

	got := s.Collected()
	require.Len(t, got, 1)
	assert.Equal(t, reflect.TypeFor[*submittedHandler](), got[0].Type)
}

func TestConsumerSet_AddAllImplementingRequiresModules(t *testing.T) {
	s := topology.NewConsumerSet(catalog.New())

	err := s.AddAllImplementing(catalog.ConsumerCapability)
	require.ErrorIs(t, err, berr.ErrConfiguration)
	assert.Empty(t, s.Collected())
}

func TestConsumerSet_AddFromTemplate(t *testing.T) {
	s := topology.NewConsumerSet(catalog.New())

	err := s.AddFromTemplate(eventLog, reflect.TypeFor[claimSubmitted](), reflect.TypeFor[claimApproved]())
	require.NoError(t, err)

	got := s.Collected()
	require.Len(t, got, 2)
	assert.Equal(t, reflect.TypeFor[claimSubmitted](), got[0].Binding)
	assert.Equal(t, reflect.TypeFor[claimApproved](), got[1].Binding)
	assert.NotEqual(t, got[0].Name, got[1].Name)
}

func TestConsumerSet_AddFromTemplateRejectsTwoParams(t *testing.T) {
	pair := catalog.NewTemplate("pair", func(e reflect.Type) *eventLogger {
		return &eventLogger{event: e}
	}, "TKey", "TEvent")

	s := topology.NewConsumerSet(catalog.New())

	err := s.AddFromTemplate(pair, reflect.TypeFor[claimSubmitted]())
	require.ErrorIs(t, err, berr.ErrConfiguration)
	assert.Empty(t, s.Collected())
}

func TestConsumerSet_AddFromTemplateByBaseEvent_DefaultModule(t *testing.T) {
	s := topology.NewConsumerSet(catalog.New())

	require.NoError(t, s.AddFromTemplateByBaseEvent(eventLog, reflect.TypeFor[claimEvent]()))

	var bound []reflect.Type
	for _, d := range s.Collected() {
		bound = append(bound, d.Binding)
	}

	assert.ElementsMatch(t, []reflect.Type{reflect.TypeFor[claimSubmitted](), reflect.TypeFor[claimApproved]()}, bound)
}

func TestConsumerSet_AddFromTemplateByBaseEvent_ExplicitModules(t *testing.T) {
	m := catalog.NewModule("example.com/events", claimApproved{})
	s := topology.NewConsumerSet(catalog.New())

	require.NoError(t, s.AddFromTemplateByBaseEvent(eventLog, reflect.TypeFor[claimEvent](), m))

	got := s.Collected()
	require.Len(t, got, 1)
	assert.Equal(t, reflect.TypeFor[claimApproved](), got[0].Binding)
}

func TestConsumerSet_AddFromTemplateByBaseEvent_UnknownModule(t *testing.T) {
	s := topology.NewConsumerSet(catalog.New())

	err := s.AddFromTemplateByBaseEvent(eventLog, reflect.TypeFor[context.Context]())
	require.ErrorIs(t, err, berr.ErrConfiguration)
}
