package nats_test

import (
	"errors"
	"testing"

	"github.com/next-trace/scg-microservice/adapters/nats"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
	berr "github.com/next-trace/scg-microservice/contract/errors"
)

func TestConnect_EmptyHost(t *testing.T) {
	_, err := nats.Connect(cbus.Connection{}, nats.Config{})
	if err == nil {
		t.Fatalf("expected error")
	}

	if !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestStart_DialFailure(t *testing.T) {
	tr := nats.New()

	err := tr.Start(t.Context(), cbus.Connection{}, nil, &recordingDispatcher{})
	if !errors.Is(err, berr.ErrTransportFailed) {
		t.Fatalf("want ErrTransportFailed, got %v", err)
	}
}
