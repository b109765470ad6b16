// Package protocol runs the card-present transactions: identification of a
// card against the remote service and payment authorization.
//
// A transaction produces exactly one Outcome on the result channel or none.
// It produces none when the service is unreachable, when the service answers
// for a different card, or when a card error aborts it; card errors are
// additionally returned to the caller.
package protocol

import (
	"log/slog"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/challenge"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/provision"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

// Deliver hands o to results without blocking. A full, closed or nil channel
// drops the outcome and logs it; the transaction is not affected.
func Deliver(log *slog.Logger, results chan<- Outcome, o Outcome) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("outcome dropped: result channel closed", "outcome", o.Kind())
			delivered = false
		}
	}()
	select {
	case results <- o:
		log.Debug("outcome delivered", "outcome", o.Kind())
		return true
	default:
		log.Error("outcome dropped: result channel full or missing", "outcome", o.Kind())
		return false
	}
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// sameCard guards against answers meant for another card.
func sameCard(log *slog.Logger, p *card.Presented, id card.Identity) bool {
	if id == p.Identity() {
		return true
	}
	log.Warn("transaction aborted", "err", ErrIdentityMismatch, "server_id", id)
	return false
}

// answerChallenge reads the card secret with the server-provided key and
// builds the challenge answer. A nil answer with a nil error means the
// server key was unusable and the transaction ends silently.
func answerChallenge(log *slog.Logger, p *card.Presented, an AuthenticationNeeded) (*ByCardIDAndChallenge, error) {
	key, err := desfire.ParseKeyHex(an.Key)
	if err != nil {
		log.Warn("transaction aborted: server key unusable", "err", err)
		return nil, nil
	}
	secret, err := provision.ReadSecret(p, key)
	if err != nil {
		return nil, err
	}
	return &ByCardIDAndChallenge{
		ID:        p.Identity(),
		Challenge: an.Challenge,
		Response:  challenge.Compute(secret, an.Challenge),
	}, nil
}
