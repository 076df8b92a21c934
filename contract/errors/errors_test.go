package errors_test

import (
	"errors"
	"strings"
	"testing"

	berr "github.com/next-trace/scg-microservice/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	if e.Error() != berr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrConfiguration, berr.ErrCodeConfiguration},
		{berr.ErrDiscovery, berr.ErrCodeDiscovery},
		{berr.ErrDeliveryFailed, berr.ErrCodeDeliveryFailed},
		{berr.ErrConsumerNotFound, berr.ErrCodeConsumerNotFound},
		{berr.ErrEndpointNotFound, berr.ErrCodeEndpointNotFound},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrTransportFailed, berr.ErrCodeTransportFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrInterrupted, berr.ErrCodeInterrupted},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestTypedErrorsUnwrapToCodes(t *testing.T) {
	cfg := berr.Configf("topology", "host", "must be set")
	if !errors.Is(cfg, berr.ErrConfiguration) {
		t.Fatalf("config error must match ErrConfiguration")
	}

	if !strings.Contains(cfg.Error(), "topology host: must be set") {
		t.Fatalf("unexpected message: %s", cfg.Error())
	}

	cause := errors.New("boom")

	disc := &berr.DiscoveryError{Module: "m", Err: cause}
	if !errors.Is(disc, berr.ErrDiscovery) || !errors.Is(disc, cause) {
		t.Fatalf("discovery error must match code and cause: %v", disc)
	}

	del := &berr.DeliveryError{Endpoint: "q", Consumer: "c", Attempts: 7, Err: cause}
	if !errors.Is(del, berr.ErrDeliveryFailed) || !errors.Is(del, cause) {
		t.Fatalf("delivery error must match code and cause: %v", del)
	}

	var target *berr.ConfigError
	if !errors.As(error(cfg), &target) || target.Field != "host" {
		t.Fatalf("errors.As should expose the field")
	}
}
