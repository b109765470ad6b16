package backend

import (
	"encoding/json"
	"fmt"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/protocol"
)

// Type discriminators used on the wire.
const (
	TypeNfc                  = "nfc"
	TypeNfcSecret            = "nfc_secret"
	TypeAccount              = "account"
	TypeProduct              = "product"
	TypeNotFound             = "not_found"
	TypeAuthenticationNeeded = "authentication_needed"
	TypeWriteKey             = "write_key"
	TypeAuthorized           = "authorized"
)

// Envelope is the flat JSON form of every request and response. Only the
// fields that belong to Type are set.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Key       string          `json:"key,omitempty"`
	Secret    string          `json:"secret,omitempty"`
	Challenge string          `json:"challenge,omitempty"`
	Response  string          `json:"response,omitempty"`
	Token     string          `json:"token,omitempty"`
	Account   json.RawMessage `json:"account,omitempty"`
	Product   json.RawMessage `json:"product,omitempty"`
}

// TokenRequest is the body of a payment authorization.
type TokenRequest struct {
	Amount int      `json:"amount"`
	Method Envelope `json:"method"`
}

// EncodeRequest converts an identify request or payment method to its
// envelope. Both sum types share the same two variants.
func EncodeRequest(v any) (Envelope, error) {
	switch r := v.(type) {
	case protocol.ByCardID:
		return Envelope{Type: TypeNfc, ID: string(r.ID)}, nil
	case protocol.ByCardIDAndChallenge:
		return Envelope{
			Type:      TypeNfcSecret,
			ID:        string(r.ID),
			Challenge: r.Challenge,
			Response:  r.Response,
		}, nil
	default:
		return Envelope{}, fmt.Errorf("unsupported request %T", v)
	}
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(e Envelope) (any, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("%s request without id", e.Type)
	}
	switch e.Type {
	case TypeNfc:
		return protocol.ByCardID{ID: card.Identity(e.ID)}, nil
	case TypeNfcSecret:
		return protocol.ByCardIDAndChallenge{
			ID:        card.Identity(e.ID),
			Challenge: e.Challenge,
			Response:  e.Response,
		}, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", e.Type)
	}
}

// EncodeIdentifyResponse converts a response to its envelope.
func EncodeIdentifyResponse(r protocol.IdentifyResponse) (Envelope, error) {
	switch v := r.(type) {
	case protocol.AccountFound:
		return Envelope{Type: TypeAccount, Account: v.Account}, nil
	case protocol.ProductFound:
		return Envelope{Type: TypeProduct, Product: v.Product}, nil
	case protocol.NotFound:
		return Envelope{Type: TypeNotFound}, nil
	case protocol.AuthenticationNeeded:
		return authNeededEnvelope(v), nil
	case protocol.WriteKey:
		return Envelope{Type: TypeWriteKey, ID: string(v.ID), Key: v.Key, Secret: v.Secret}, nil
	default:
		return Envelope{}, fmt.Errorf("unsupported identify response %T", r)
	}
}

// EncodePaymentResponse converts a payment response to its envelope.
func EncodePaymentResponse(r protocol.PaymentResponse) (Envelope, error) {
	switch v := r.(type) {
	case protocol.Authorized:
		return Envelope{Type: TypeAuthorized, Token: v.Token}, nil
	case protocol.AuthenticationNeeded:
		return authNeededEnvelope(v), nil
	default:
		return Envelope{}, fmt.Errorf("unsupported payment response %T", r)
	}
}

func authNeededEnvelope(v protocol.AuthenticationNeeded) Envelope {
	return Envelope{Type: TypeAuthenticationNeeded, ID: string(v.ID), Key: v.Key, Challenge: v.Challenge}
}

// DecodeIdentifyResponse parses an identify response envelope.
func DecodeIdentifyResponse(e Envelope) (protocol.IdentifyResponse, error) {
	switch e.Type {
	case TypeAccount:
		if len(e.Account) == 0 {
			return nil, fmt.Errorf("account response without account")
		}
		return protocol.AccountFound{Account: e.Account}, nil
	case TypeProduct:
		if len(e.Product) == 0 {
			return nil, fmt.Errorf("product response without product")
		}
		return protocol.ProductFound{Product: e.Product}, nil
	case TypeNotFound:
		return protocol.NotFound{}, nil
	case TypeAuthenticationNeeded:
		return decodeAuthNeeded(e)
	case TypeWriteKey:
		if e.ID == "" || e.Key == "" {
			return nil, fmt.Errorf("write_key response missing id or key")
		}
		return protocol.WriteKey{ID: card.Identity(e.ID), Key: e.Key, Secret: e.Secret}, nil
	default:
		return nil, fmt.Errorf("unknown identify response type %q", e.Type)
	}
}

// DecodePaymentResponse parses a payment response envelope.
func DecodePaymentResponse(e Envelope) (protocol.PaymentResponse, error) {
	switch e.Type {
	case TypeAuthorized:
		if e.Token == "" {
			return nil, fmt.Errorf("authorized response without token")
		}
		return protocol.Authorized{Token: e.Token}, nil
	case TypeAuthenticationNeeded:
		return decodeAuthNeeded(e)
	default:
		return nil, fmt.Errorf("unknown payment response type %q", e.Type)
	}
}

func decodeAuthNeeded(e Envelope) (protocol.AuthenticationNeeded, error) {
	if e.ID == "" || e.Key == "" || e.Challenge == "" {
		return protocol.AuthenticationNeeded{}, fmt.Errorf("authentication_needed response missing id, key or challenge")
	}
	return protocol.AuthenticationNeeded{ID: card.Identity(e.ID), Key: e.Key, Challenge: e.Challenge}, nil
}
