package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/provision"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

// Identifier resolves a presented card to an account or product.
type Identifier struct {
	backend Backend
	results chan<- Outcome
	log     *slog.Logger
}

// NewIdentifier returns an Identifier delivering to results. A nil logger
// uses slog.Default().
func NewIdentifier(backend Backend, results chan<- Outcome, log *slog.Logger) *Identifier {
	return &Identifier{backend: backend, results: results, log: loggerOrDefault(log)}
}

// Handle runs one identification transaction:
//
//	identify(card) -> account | product      deliver
//	               -> not found              deliver CardUnresolved{writable}
//	               -> authentication needed  answer challenge
//	               -> write key              provision, identify again,
//	                                         expect authentication needed
//	answer challenge -> account | product    deliver
//	                 -> anything else        nothing
//
// The returned error is a card error; every other failure ends the
// transaction silently.
func (i *Identifier) Handle(ctx context.Context, p *card.Presented) error {
	log := i.log.With("card_id", p.Identity(), "op", "identify")

	switch r := i.identify(ctx, log, ByCardID{ID: p.Identity()}).(type) {
	case nil:
		return nil
	case AccountFound:
		Deliver(log, i.results, r)
		return nil
	case ProductFound:
		Deliver(log, i.results, r)
		return nil
	case NotFound:
		Deliver(log, i.results, CardUnresolved{ID: p.Identity(), Writable: provision.IsWritable(p)})
		return nil
	case AuthenticationNeeded:
		return i.authenticate(ctx, log, p, r)
	case WriteKey:
		return i.writeKey(ctx, log, p, r)
	default:
		log.Error("transaction aborted: unexpected identify response", "type", fmt.Sprintf("%T", r))
		return nil
	}
}

func (i *Identifier) identify(ctx context.Context, log *slog.Logger, req IdentifyRequest) IdentifyResponse {
	resp := i.backend.Identify(ctx, req)
	if resp == nil {
		log.Warn("transaction aborted: no response from identify")
	}
	return resp
}

func (i *Identifier) writeKey(ctx context.Context, log *slog.Logger, p *card.Presented, wk WriteKey) error {
	if !sameCard(log, p, wk.ID) {
		return nil
	}
	key, err := desfire.ParseKeyHex(wk.Key)
	if err != nil {
		log.Warn("transaction aborted: server key unusable", "err", err)
		return nil
	}
	if err := provision.Provision(p, key, []byte(wk.Secret)); err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	switch r := i.identify(ctx, log, ByCardID{ID: p.Identity()}).(type) {
	case nil:
		return nil
	case AuthenticationNeeded:
		return i.authenticate(ctx, log, p, r)
	default:
		log.Warn("transaction aborted: expected authentication after provisioning", "type", fmt.Sprintf("%T", r))
		return nil
	}
}

func (i *Identifier) authenticate(ctx context.Context, log *slog.Logger, p *card.Presented, an AuthenticationNeeded) error {
	if !sameCard(log, p, an.ID) {
		return nil
	}
	answer, err := answerChallenge(log, p, an)
	if err != nil {
		return err
	}
	if answer == nil {
		return nil
	}

	switch r := i.identify(ctx, log, *answer).(type) {
	case nil:
		return nil
	case AccountFound:
		Deliver(log, i.results, r)
	case ProductFound:
		Deliver(log, i.results, r)
	default:
		log.Info("card not resolved after challenge", "type", fmt.Sprintf("%T", r))
	}
	return nil
}
