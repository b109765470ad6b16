package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
)

// Payer authorizes payments with a presented card. Cards are expected to be
// provisioned already; there is no provisioning branch.
type Payer struct {
	backend Backend
	results chan<- Outcome
	log     *slog.Logger
}

// NewPayer returns a Payer delivering to results. A nil logger uses
// slog.Default().
func NewPayer(backend Backend, results chan<- Outcome, log *slog.Logger) *Payer {
	return &Payer{backend: backend, results: results, log: loggerOrDefault(log)}
}

// HandlePayment runs one payment transaction for amount:
//
//	authorize(card)     -> authorized              deliver PaymentTokenIssued
//	                    -> authentication needed   answer challenge
//	authorize(answer)   -> authorized              deliver PaymentTokenIssued
//	                    -> anything else           nothing
//
// The returned error is a card error; every other failure ends the
// transaction silently.
func (p *Payer) HandlePayment(ctx context.Context, pc *card.Presented, amount int) error {
	log := p.log.With("card_id", pc.Identity(), "op", "payment", "amount", amount)

	switch r := p.authorize(ctx, log, amount, ByCardID{ID: pc.Identity()}).(type) {
	case nil:
		return nil
	case Authorized:
		Deliver(log, p.results, PaymentTokenIssued{Token: r.Token})
		return nil
	case AuthenticationNeeded:
		if !sameCard(log, pc, r.ID) {
			return nil
		}
		answer, err := answerChallenge(log, pc, r)
		if err != nil {
			return err
		}
		if answer == nil {
			return nil
		}
		switch r2 := p.authorize(ctx, log, amount, *answer).(type) {
		case nil:
		case Authorized:
			Deliver(log, p.results, PaymentTokenIssued{Token: r2.Token})
		default:
			log.Info("payment not authorized after challenge", "type", fmt.Sprintf("%T", r2))
		}
		return nil
	default:
		log.Error("transaction aborted: unexpected payment response", "type", fmt.Sprintf("%T", r))
		return nil
	}
}

func (p *Payer) authorize(ctx context.Context, log *slog.Logger, amount int, method PaymentMethod) PaymentResponse {
	resp := p.backend.AuthorizePayment(ctx, amount, method)
	if resp == nil {
		log.Warn("transaction aborted: no response from payment authorization")
	}
	return resp
}
