package inmemory_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/next-trace/scg-microservice/adapters/inmemory"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []string
	fail map[string]bool
}

func (d *recordingDispatcher) Deliver(_ context.Context, endpoint string, msg cbus.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.got = append(d.got, endpoint+":"+msg.ID)
	if d.fail[endpoint] {
		return errors.New("consumer failed")
	}

	return nil
}

func TestInmemory_FansOutByKind(t *testing.T) {
	tr := inmemory.New()
	d := &recordingDispatcher{fail: map[string]bool{"audit": true}}

	eps := []cbus.EndpointBinding{
		{Queue: "credit", Kinds: []cbus.MessageKind{"claims.Submitted", "claims.Approved"}},
		{Queue: "audit", Kinds: []cbus.MessageKind{"claims.Submitted"}},
	}
	if err := tr.Start(t.Context(), cbus.Connection{}, eps, d); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, env := range []cbus.Envelope{
		{ID: "1", Kind: "claims.Submitted"},
		{ID: "2", Kind: "claims.Approved"},
		{ID: "3", Kind: "claims.Unbound"},
	} {
		if err := tr.Publish(t.Context(), env, cbus.PublishOptions{}); err != nil {
			t.Fatalf("publish %s: %v", env.ID, err)
		}
	}

	tr.Wait()

	sort.Strings(d.got)

	want := []string{"audit:1", "credit:1", "credit:2"}
	if len(d.got) != len(want) {
		t.Fatalf("deliveries=%v", d.got)
	}

	for i := range want {
		if d.got[i] != want[i] {
			t.Fatalf("deliveries=%v want %v", d.got, want)
		}
	}

	if n := len(tr.Published); n != 3 {
		t.Fatalf("want 3 published, got %d", n)
	}

	if rej := tr.RejectedFrom("audit"); len(rej) != 1 || rej[0].ID != "1" {
		t.Fatalf("rejected=%v", rej)
	}

	if rej := tr.RejectedFrom("credit"); len(rej) != 0 {
		t.Fatalf("rejected=%v", rej)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestInmemory_PublishBeforeStart(t *testing.T) {
	tr := inmemory.New()

	err := tr.Publish(t.Context(), cbus.Envelope{Kind: "k"}, cbus.PublishOptions{})
	if !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestInmemory_StartTwice(t *testing.T) {
	tr := inmemory.New()
	d := &recordingDispatcher{}

	if err := tr.Start(t.Context(), cbus.Connection{}, nil, d); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := tr.Start(t.Context(), cbus.Connection{}, nil, d); !errors.Is(err, berr.ErrTransportFailed) {
		t.Fatalf("want ErrTransportFailed, got %v", err)
	}
}

func TestInmemory_ConcurrentPublish(t *testing.T) {
	tr := inmemory.New()
	d := &recordingDispatcher{}

	eps := []cbus.EndpointBinding{{Queue: "q", Kinds: []cbus.MessageKind{"k"}}}
	if err := tr.Start(t.Context(), cbus.Connection{}, eps, d); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = tr.Publish(context.Background(), cbus.Envelope{Kind: "k"}, cbus.PublishOptions{})
		}()
	}

	wg.Wait()
	tr.Wait()

	if len(d.got) != 50 {
		t.Fatalf("want 50 deliveries, got %d", len(d.got))
	}
}
