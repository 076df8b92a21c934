package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/next-trace/scg-microservice/catalog"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	"github.com/next-trace/scg-microservice/servicebus"
	"github.com/next-trace/scg-microservice/topology"
)

type testEvt struct{ N int }

type badEvt struct{}

var handled atomic.Int64

type testConsumer struct{}

func (testConsumer) Messages() []cbus.MessageKind {
	return []cbus.MessageKind{cbus.KindOf(testEvt{}), cbus.KindOf(badEvt{})}
}

func (testConsumer) Consume(_ context.Context, msg cbus.Envelope) error {
	if msg.Kind == cbus.KindOf(badEvt{}) {
		return errors.New("cannot handle")
	}

	evt, err := cbus.Decode[testEvt](msg)
	if err != nil {
		return err
	}

	handled.Add(int64(evt.N))

	return nil
}

func TestNewMemoryBus_BasicFlow(t *testing.T) {
	m := catalog.NewModule("example.com/memory", testConsumer{})

	top, err := topology.NewBuilder(topology.WithCatalog(catalog.New())).
		SetHost("amqp://localhost:5672/").
		AddReceiveEndpoint("memory", func(cs *topology.ConsumerSet) error {
			return cs.AddAllImplementing(catalog.ConsumerCapability, m)
		}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	noWait := servicebus.WithSleep(func(context.Context, time.Duration) error { return nil })

	b, tr, cleanup, err := New(t.Context(), top, noWait)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cleanup()

	ctx := context.Background()

	if err := b.Publish(ctx, testEvt{N: 2}, cbus.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := b.Publish(ctx, testEvt{N: 3}, cbus.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := b.Publish(ctx, badEvt{}, cbus.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tr.Wait()

	if got := handled.Load(); got != 5 {
		t.Fatalf("expected handled=5 got %d", got)
	}

	if rej := tr.RejectedFrom("memory"); len(rej) != 1 || rej[0].Kind != cbus.KindOf(badEvt{}) {
		t.Fatalf("unexpected rejected messages: %#v", rej)
	}
}
