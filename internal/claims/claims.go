// Package claims is the credit service's claim handling: the entity, the
// events it raises and the HTTP controller.
package claims

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/next-trace/scg-microservice/catalog"
	cbus "github.com/next-trace/scg-microservice/contract/bus"
)

// Claim is an insurance claim.
type Claim struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description"`
}

// New returns a claim with a fresh identity.
func New(description string) Claim {
	return Claim{ID: uuid.New(), Description: description}
}

// ClaimSubmitted is raised when a claim was filed.
type ClaimSubmitted struct {
	ClaimID     uuid.UUID `json:"claimId"`
	Description string    `json:"description"`
}

// SubmittedKind is the message kind of ClaimSubmitted.
var SubmittedKind = cbus.KindOf(ClaimSubmitted{})

var errNoClaimID = errors.New("claim id missing")

// SubmittedConsumer records submitted claims.
type SubmittedConsumer struct {
	logger *slog.Logger
}

func init() {
	catalog.Provide(func() *SubmittedConsumer { return &SubmittedConsumer{logger: slog.Default()} })
}

func (*SubmittedConsumer) Messages() []cbus.MessageKind { return []cbus.MessageKind{SubmittedKind} }

func (c *SubmittedConsumer) Consume(ctx context.Context, msg cbus.Envelope) error {
	ev, err := cbus.Decode[ClaimSubmitted](msg)
	if err != nil {
		return err
	}

	if ev.ClaimID == uuid.Nil {
		return errNoClaimID
	}

	c.logger.InfoContext(ctx, "claim submitted", "claim_id", ev.ClaimID, "message_id", msg.ID)

	return nil
}
