package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
)

// ErrIdentityMismatch marks a server answer addressed to another card. It is
// logged and swallowed, never returned.
var ErrIdentityMismatch = errors.New("protocol: server answered for a different card")

// Backend is the remote identity/authorization service. A nil response means
// the service could not be reached or answered with something unusable.
type Backend interface {
	Identify(ctx context.Context, req IdentifyRequest) IdentifyResponse
	AuthorizePayment(ctx context.Context, amount int, method PaymentMethod) PaymentResponse
}

// IdentifyRequest is ByCardID or ByCardIDAndChallenge.
type IdentifyRequest interface {
	isIdentifyRequest()
}

// PaymentMethod is ByCardID or ByCardIDAndChallenge.
type PaymentMethod interface {
	isPaymentMethod()
}

// ByCardID identifies a card by its identity alone.
type ByCardID struct {
	ID card.Identity
}

// ByCardIDAndChallenge carries the answer to a server challenge.
type ByCardIDAndChallenge struct {
	ID        card.Identity
	Challenge string
	Response  string
}

func (ByCardID) isIdentifyRequest()             {}
func (ByCardID) isPaymentMethod()               {}
func (ByCardIDAndChallenge) isIdentifyRequest() {}
func (ByCardIDAndChallenge) isPaymentMethod()   {}

// IdentifyResponse is one of AccountFound, ProductFound, NotFound,
// AuthenticationNeeded or WriteKey.
type IdentifyResponse interface {
	isIdentifyResponse()
}

// PaymentResponse is Authorized or AuthenticationNeeded.
type PaymentResponse interface {
	isPaymentResponse()
}

// Outcome is the single result of a transaction, delivered on the result
// channel: AccountFound, ProductFound, CardUnresolved or PaymentTokenIssued.
type Outcome interface {
	Kind() string
	isOutcome()
}

// AccountFound resolves the card to an account. The account document is
// passed through as the service sent it.
type AccountFound struct {
	Account json.RawMessage `json:"account"`
}

// ProductFound resolves the card to a product.
type ProductFound struct {
	Product json.RawMessage `json:"product"`
}

// NotFound means the service does not know the card.
type NotFound struct{}

// AuthenticationNeeded asks the card to prove possession of its secret.
type AuthenticationNeeded struct {
	ID        card.Identity
	Key       string
	Challenge string
}

// WriteKey asks the terminal to provision the card with key and secret.
type WriteKey struct {
	ID     card.Identity
	Key    string
	Secret string
}

// Authorized carries a payment token.
type Authorized struct {
	Token string
}

// CardUnresolved reports a card the service does not know, and whether it
// could be provisioned.
type CardUnresolved struct {
	ID       card.Identity `json:"id"`
	Writable bool          `json:"writable"`
}

// PaymentTokenIssued reports an authorized payment.
type PaymentTokenIssued struct {
	Token string `json:"token"`
}

func (AccountFound) isIdentifyResponse()         {}
func (ProductFound) isIdentifyResponse()         {}
func (NotFound) isIdentifyResponse()             {}
func (AuthenticationNeeded) isIdentifyResponse() {}
func (WriteKey) isIdentifyResponse()             {}

func (Authorized) isPaymentResponse()           {}
func (AuthenticationNeeded) isPaymentResponse() {}

func (AccountFound) isOutcome()       {}
func (ProductFound) isOutcome()       {}
func (CardUnresolved) isOutcome()     {}
func (PaymentTokenIssued) isOutcome() {}

func (AccountFound) Kind() string       { return "account" }
func (ProductFound) Kind() string       { return "product" }
func (CardUnresolved) Kind() string     { return "nfc_card" }
func (PaymentTokenIssued) Kind() string { return "payment_token" }
