package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card/cardtest"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/challenge"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/provision"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

const keyHex = "AABBCCDDEEFF00112233445566778899"

var keyBytes = []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}

// mockBackend answers from scripted queues and records every request.
type mockBackend struct {
	identify  []IdentifyResponse
	authorize []PaymentResponse

	identifyReqs []IdentifyRequest
	paymentReqs  []PaymentMethod
	amounts      []int
}

func (m *mockBackend) Identify(_ context.Context, req IdentifyRequest) IdentifyResponse {
	m.identifyReqs = append(m.identifyReqs, req)
	if len(m.identify) == 0 {
		return nil
	}
	r := m.identify[0]
	m.identify = m.identify[1:]
	return r
}

func (m *mockBackend) AuthorizePayment(_ context.Context, amount int, method PaymentMethod) PaymentResponse {
	m.paymentReqs = append(m.paymentReqs, method)
	m.amounts = append(m.amounts, amount)
	if len(m.authorize) == 0 {
		return nil
	}
	r := m.authorize[0]
	m.authorize = m.authorize[1:]
	return r
}

func present(t *testing.T, dev card.Device) *card.Presented {
	t.Helper()
	p, err := card.Present(dev)
	if err != nil {
		t.Fatalf("Present: %v", err)
	}
	return p
}

func provisionedCard(secret string) *cardtest.Card {
	dev := cardtest.New()
	dev.AddApplication(provision.AppID, provision.LockedSettings, keyBytes, []byte(secret))
	return dev
}

func onlyOutcome(t *testing.T, results chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-results:
		select {
		case extra := <-results:
			t.Fatalf("more than one outcome: %#v", extra)
		default:
		}
		return o
	default:
		t.Fatalf("no outcome delivered")
		return nil
	}
}

func noOutcome(t *testing.T, results chan Outcome) {
	t.Helper()
	select {
	case o := <-results:
		t.Fatalf("unexpected outcome %#v", o)
	default:
	}
}

func TestIdentifyAccountFound(t *testing.T) {
	results := make(chan Outcome, 4)
	backend := &mockBackend{identify: []IdentifyResponse{AccountFound{Account: json.RawMessage(`{"id":1}`)}}}
	dev := cardtest.New()

	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), present(t, dev)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	o, ok := onlyOutcome(t, results).(AccountFound)
	if !ok || string(o.Account) != `{"id":1}` {
		t.Fatalf("unexpected outcome %#v", o)
	}
	req, ok := backend.identifyReqs[0].(ByCardID)
	if !ok || req.ID != card.Identity("3B8180018080:04A1B2C3D4E5F6") {
		t.Fatalf("unexpected request %#v", backend.identifyReqs[0])
	}
	if dev.Count("Authenticate") != 0 {
		t.Fatalf("card authenticated for a direct hit")
	}
}

// Scenario 1: fresh card, service does not know it.
func TestIdentifyNotFoundReportsWritable(t *testing.T) {
	results := make(chan Outcome, 4)
	backend := &mockBackend{identify: []IdentifyResponse{NotFound{}}}
	p := present(t, cardtest.New())

	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	o := onlyOutcome(t, results)
	want := CardUnresolved{ID: p.Identity(), Writable: true}
	if o != want {
		t.Fatalf("outcome = %#v, want %#v", o, want)
	}
}

func TestIdentifyNotFoundWriteProbeFailureIsNotWritable(t *testing.T) {
	results := make(chan Outcome, 4)
	backend := &mockBackend{identify: []IdentifyResponse{NotFound{}}}
	dev := cardtest.New()
	dev.PICCKey = keyBytes
	p := present(t, dev)

	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if o := onlyOutcome(t, results); o != (CardUnresolved{ID: p.Identity(), Writable: false}) {
		t.Fatalf("unexpected outcome %#v", o)
	}
}

// Scenario 2: unprovisioned card is provisioned and then authenticated.
func TestIdentifyWriteKeyProvisionsAndAuthenticates(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := cardtest.New()
	p := present(t, dev)
	backend := &mockBackend{identify: []IdentifyResponse{
		WriteKey{ID: p.Identity(), Key: keyHex, Secret: "hello"},
		AuthenticationNeeded{ID: p.Identity(), Key: keyHex, Challenge: "c-42"},
		AccountFound{Account: json.RawMessage(`{"name":"alice"}`)},
	}}

	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := string(dev.FileData(provision.AppID, provision.SecretFileNo)); got != "hello" {
		t.Fatalf("secret on card = %q", got)
	}
	if len(backend.identifyReqs) != 3 {
		t.Fatalf("identify called %d times, want 3", len(backend.identifyReqs))
	}
	if _, ok := backend.identifyReqs[1].(ByCardID); !ok {
		t.Fatalf("re-identify request = %#v", backend.identifyReqs[1])
	}
	answer, ok := backend.identifyReqs[2].(ByCardIDAndChallenge)
	if !ok {
		t.Fatalf("third request = %#v", backend.identifyReqs[2])
	}
	if answer.ID != p.Identity() || answer.Challenge != "c-42" || answer.Response != challenge.Compute([]byte("hello"), "c-42") {
		t.Fatalf("unexpected answer %#v", answer)
	}
	o, ok := onlyOutcome(t, results).(AccountFound)
	if !ok || string(o.Account) != `{"name":"alice"}` {
		t.Fatalf("unexpected outcome %#v", o)
	}
}

func TestIdentifyWriteKeyThenUnexpectedResponseAborts(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := cardtest.New()
	p := present(t, dev)
	backend := &mockBackend{identify: []IdentifyResponse{
		WriteKey{ID: p.Identity(), Key: keyHex, Secret: "hello"},
		AccountFound{Account: json.RawMessage(`{}`)},
	}}

	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	noOutcome(t, results)
}

func TestIdentifyAuthenticationNeededProduct(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := provisionedCard("s3cret")
	p := present(t, dev)
	backend := &mockBackend{identify: []IdentifyResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: "aabb ccdd eeff 0011 2233 4455 6677 8899", Challenge: "c-1"},
		ProductFound{Product: json.RawMessage(`{"sku":"mate"}`)},
	}}

	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := onlyOutcome(t, results).(ProductFound); !ok {
		t.Fatalf("expected ProductFound")
	}
	if dev.Count("CreateApplication") != 0 {
		t.Fatalf("provisioned card was re-provisioned")
	}
}

func TestIdentifyNotResolvedAfterChallengeIsSilent(t *testing.T) {
	results := make(chan Outcome, 4)
	p := present(t, provisionedCard("s3cret"))
	backend := &mockBackend{identify: []IdentifyResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: keyHex, Challenge: "c-1"},
		NotFound{},
	}}
	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	noOutcome(t, results)
}

func TestIdentityMismatchGuard(t *testing.T) {
	for name, resp := range map[string]IdentifyResponse{
		"authentication needed": AuthenticationNeeded{ID: "OTHER:CARD", Key: keyHex, Challenge: "c-1"},
		"write key":             WriteKey{ID: "OTHER:CARD", Key: keyHex, Secret: "hello"},
	} {
		t.Run(name, func(t *testing.T) {
			results := make(chan Outcome, 4)
			dev := provisionedCard("s3cret")
			backend := &mockBackend{identify: []IdentifyResponse{resp, AccountFound{}}}

			if err := NewIdentifier(backend, results, nil).Handle(context.Background(), present(t, dev)); err != nil {
				t.Fatalf("Handle returned %v, mismatch must be silent", err)
			}
			if dev.Count("Authenticate") != 0 {
				t.Fatalf("card authentication attempted")
			}
			if len(backend.identifyReqs) != 1 {
				t.Fatalf("identify called %d times", len(backend.identifyReqs))
			}
			noOutcome(t, results)
		})
	}
}

func TestIdentifyNoResponseIsSilent(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := cardtest.New()
	if err := NewIdentifier(&mockBackend{}, results, nil).Handle(context.Background(), present(t, dev)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	noOutcome(t, results)
	if dev.Count("SelectApplication") != 0 {
		t.Fatalf("card touched without a server answer")
	}
}

func TestIdentifyWrongKeyReturnsCardError(t *testing.T) {
	results := make(chan Outcome, 4)
	p := present(t, provisionedCard("s3cret"))
	backend := &mockBackend{identify: []IdentifyResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: "00112233445566778899AABBCCDDEEFF", Challenge: "c-1"},
		AccountFound{},
	}}

	err := NewIdentifier(backend, results, nil).Handle(context.Background(), p)
	if !errors.Is(err, card.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if len(backend.identifyReqs) != 1 {
		t.Fatalf("answer submitted despite auth failure")
	}
	noOutcome(t, results)
}

func TestIdentifyMalformedKeyIsSilent(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := provisionedCard("s3cret")
	p := present(t, dev)
	backend := &mockBackend{identify: []IdentifyResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: "not-hex", Challenge: "c-1"},
	}}
	if err := NewIdentifier(backend, results, nil).Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if dev.Count("Authenticate") != 0 {
		t.Fatalf("card authenticated with a malformed key")
	}
	noOutcome(t, results)
}

func TestIdentifyProvisionFailurePropagates(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := cardtest.New()
	dev.PICCKey = keyBytes
	p := present(t, dev)
	backend := &mockBackend{identify: []IdentifyResponse{
		WriteKey{ID: p.Identity(), Key: keyHex, Secret: "hello"},
	}}
	err := NewIdentifier(backend, results, nil).Handle(context.Background(), p)
	if !errors.Is(err, card.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if len(backend.identifyReqs) != 1 {
		t.Fatalf("re-identify after failed provisioning")
	}
	noOutcome(t, results)
}

// Scenario 3: payment with challenge-response.
func TestPaymentWithChallenge(t *testing.T) {
	results := make(chan Outcome, 4)
	p := present(t, provisionedCard("s3cret"))
	backend := &mockBackend{authorize: []PaymentResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: keyHex, Challenge: "pay-1"},
		Authorized{Token: "tok-1"},
	}}

	if err := NewPayer(backend, results, nil).HandlePayment(context.Background(), p, 500); err != nil {
		t.Fatalf("HandlePayment: %v", err)
	}
	if o := onlyOutcome(t, results); o != (PaymentTokenIssued{Token: "tok-1"}) {
		t.Fatalf("unexpected outcome %#v", o)
	}
	if backend.amounts[0] != 500 || backend.amounts[1] != 500 {
		t.Fatalf("amounts = %v", backend.amounts)
	}
	answer, ok := backend.paymentReqs[1].(ByCardIDAndChallenge)
	if !ok || answer.Response != challenge.Compute([]byte("s3cret"), "pay-1") {
		t.Fatalf("unexpected answer %#v", backend.paymentReqs[1])
	}
}

func TestPaymentAuthorizedDirectly(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := provisionedCard("s3cret")
	backend := &mockBackend{authorize: []PaymentResponse{Authorized{Token: "tok-direct"}}}

	if err := NewPayer(backend, results, nil).HandlePayment(context.Background(), present(t, dev), 100); err != nil {
		t.Fatalf("HandlePayment: %v", err)
	}
	if o := onlyOutcome(t, results); o != (PaymentTokenIssued{Token: "tok-direct"}) {
		t.Fatalf("unexpected outcome %#v", o)
	}
	if dev.Count("Authenticate") != 0 {
		t.Fatalf("card authenticated for direct authorization")
	}
}

func TestPaymentWrongKeyReturnsCardError(t *testing.T) {
	results := make(chan Outcome, 4)
	p := present(t, provisionedCard("s3cret"))
	backend := &mockBackend{authorize: []PaymentResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: "00112233445566778899AABBCCDDEEFF", Challenge: "pay-1"},
		Authorized{Token: "tok-1"},
	}}

	err := NewPayer(backend, results, nil).HandlePayment(context.Background(), p, 500)
	if !errors.Is(err, card.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	noOutcome(t, results)
}

func TestPaymentMismatchAndSecondChallengeAreSilent(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := provisionedCard("s3cret")
	p := present(t, dev)

	mismatch := &mockBackend{authorize: []PaymentResponse{
		AuthenticationNeeded{ID: "OTHER:CARD", Key: keyHex, Challenge: "pay-1"},
	}}
	if err := NewPayer(mismatch, results, nil).HandlePayment(context.Background(), p, 500); err != nil {
		t.Fatalf("HandlePayment: %v", err)
	}
	if dev.Count("Authenticate") != 0 {
		t.Fatalf("card authenticated on mismatch")
	}

	again := &mockBackend{authorize: []PaymentResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: keyHex, Challenge: "pay-1"},
		AuthenticationNeeded{ID: p.Identity(), Key: keyHex, Challenge: "pay-2"},
	}}
	if err := NewPayer(again, results, nil).HandlePayment(context.Background(), p, 500); err != nil {
		t.Fatalf("HandlePayment: %v", err)
	}
	noOutcome(t, results)
}

func TestPaymentReadFailurePropagates(t *testing.T) {
	results := make(chan Outcome, 4)
	dev := provisionedCard("s3cret")
	p := present(t, dev)
	dev.FailNext("ReadData", &desfire.SWError{Cmd: 0xBD, SW: desfire.SWPermDenied})
	backend := &mockBackend{authorize: []PaymentResponse{
		AuthenticationNeeded{ID: p.Identity(), Key: keyHex, Challenge: "pay-1"},
	}}
	err := NewPayer(backend, results, nil).HandlePayment(context.Background(), p, 500)
	if !errors.Is(err, card.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	noOutcome(t, results)
}

func TestDeliverNeverBlocksOrPanics(t *testing.T) {
	log := loggerOrDefault(nil)

	full := make(chan Outcome)
	if Deliver(log, full, PaymentTokenIssued{Token: "t"}) {
		t.Fatalf("delivered to a channel without room")
	}

	closed := make(chan Outcome, 1)
	close(closed)
	if Deliver(log, closed, PaymentTokenIssued{Token: "t"}) {
		t.Fatalf("delivered to a closed channel")
	}

	if Deliver(log, nil, PaymentTokenIssued{Token: "t"}) {
		t.Fatalf("delivered to a nil channel")
	}

	ok := make(chan Outcome, 1)
	if !Deliver(log, ok, PaymentTokenIssued{Token: "t"}) {
		t.Fatalf("delivery failed with room in the channel")
	}
}

func TestDeliveryFailureDoesNotFailTransaction(t *testing.T) {
	results := make(chan Outcome)
	close(results)
	backend := &mockBackend{authorize: []PaymentResponse{Authorized{Token: "tok-1"}}}
	if err := NewPayer(backend, results, nil).HandlePayment(context.Background(), present(t, provisionedCard("x")), 1); err != nil {
		t.Fatalf("HandlePayment: %v", err)
	}
}
