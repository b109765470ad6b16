package emulator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/challenge"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/config"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/protocol"
)

const cardID = "3B8180018080:04A1B2C3D4E5F6"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupStore opens a fresh sqlite file per test.
func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "emulator.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newService(t *testing.T, autoEnroll bool, cards ...config.CardConfig) *Service {
	t.Helper()
	s := NewService(setupStore(t), autoEnroll, quietLogger())
	// deterministic key material: 0x01.., 0x02.., ...
	var n byte
	s.random = func(size int) ([]byte, error) {
		n++
		return bytes.Repeat([]byte{n}, size), nil
	}
	if err := s.Seed(context.Background(), cards); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return s
}

func aliceCard() config.CardConfig {
	return config.CardConfig{ID: cardID, Account: map[string]any{"name": "alice"}}
}

func TestIdentifyUnknownCard(t *testing.T) {
	ctx := context.Background()
	s := newService(t, false)

	resp, err := s.Identify(ctx, protocol.ByCardID{ID: cardID})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if _, ok := resp.(protocol.NotFound); !ok {
		t.Fatalf("expected NotFound, got %#v", resp)
	}
}

func TestIdentifyAutoEnrollIssuesWriteKey(t *testing.T) {
	ctx := context.Background()
	s := newService(t, true)

	resp, err := s.Identify(ctx, protocol.ByCardID{ID: cardID})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	wk, ok := resp.(protocol.WriteKey)
	if !ok {
		t.Fatalf("expected WriteKey, got %#v", resp)
	}
	if wk.ID != cardID || wk.Key != "01010101010101010101010101010101" || wk.Secret != "02020202020202020202020202020202" {
		t.Fatalf("unexpected write key %#v", wk)
	}

	rec, err := s.store.FindCard(ctx, cardID)
	if err != nil {
		t.Fatalf("FindCard: %v", err)
	}
	if !rec.Provisioned {
		t.Fatalf("card should be marked provisioned after write_key")
	}
}

func TestIdentifyChallengeFlow(t *testing.T) {
	ctx := context.Background()
	s := newService(t, false, aliceCard())

	first, err := s.Identify(ctx, protocol.ByCardID{ID: cardID})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	wk, ok := first.(protocol.WriteKey)
	if !ok {
		t.Fatalf("expected WriteKey for seeded card, got %#v", first)
	}

	second, err := s.Identify(ctx, protocol.ByCardID{ID: cardID})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	an, ok := second.(protocol.AuthenticationNeeded)
	if !ok {
		t.Fatalf("expected AuthenticationNeeded, got %#v", second)
	}
	if an.Key != wk.Key {
		t.Fatalf("challenge key %q differs from written key %q", an.Key, wk.Key)
	}

	answer := protocol.ByCardIDAndChallenge{
		ID:        cardID,
		Challenge: an.Challenge,
		Response:  challenge.Compute([]byte(wk.Secret), an.Challenge),
	}
	resp, err := s.Identify(ctx, answer)
	if err != nil {
		t.Fatalf("Identify answer: %v", err)
	}
	acc, ok := resp.(protocol.AccountFound)
	if !ok || string(acc.Account) != `{"name":"alice"}` {
		t.Fatalf("expected alice account, got %#v", resp)
	}

	// one-time challenge
	replay, err := s.Identify(ctx, answer)
	if err != nil {
		t.Fatalf("Identify replay: %v", err)
	}
	if _, ok := replay.(protocol.NotFound); !ok {
		t.Fatalf("expected NotFound on replay, got %#v", replay)
	}
}

func TestIdentifyWrongAnswer(t *testing.T) {
	ctx := context.Background()
	s := newService(t, false, aliceCard())
	s.Identify(ctx, protocol.ByCardID{ID: cardID})
	resp, _ := s.Identify(ctx, protocol.ByCardID{ID: cardID})
	an := resp.(protocol.AuthenticationNeeded)

	got, err := s.Identify(ctx, protocol.ByCardIDAndChallenge{ID: cardID, Challenge: an.Challenge, Response: "00"})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if _, ok := got.(protocol.NotFound); !ok {
		t.Fatalf("expected NotFound for wrong answer, got %#v", got)
	}
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	s := newService(t, false, aliceCard())

	if _, err := s.Authorize(ctx, 100, protocol.ByCardID{ID: cardID}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized before provisioning, got %v", err)
	}
	if _, err := s.Authorize(ctx, 0, protocol.ByCardID{ID: cardID}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	wk := mustIdentify(t, s, protocol.ByCardID{ID: cardID}).(protocol.WriteKey)
	resp, err := s.Authorize(ctx, 100, protocol.ByCardID{ID: cardID})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	an, ok := resp.(protocol.AuthenticationNeeded)
	if !ok {
		t.Fatalf("expected AuthenticationNeeded, got %#v", resp)
	}

	if _, err := s.Authorize(ctx, 100, protocol.ByCardIDAndChallenge{ID: cardID, Challenge: an.Challenge, Response: "bad"}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for wrong answer, got %v", err)
	}

	resp, _ = s.Authorize(ctx, 100, protocol.ByCardID{ID: cardID})
	an = resp.(protocol.AuthenticationNeeded)
	resp, err = s.Authorize(ctx, 100, protocol.ByCardIDAndChallenge{
		ID:        cardID,
		Challenge: an.Challenge,
		Response:  challenge.Compute([]byte(wk.Secret), an.Challenge),
	})
	if err != nil {
		t.Fatalf("Authorize answer: %v", err)
	}
	if tok, ok := resp.(protocol.Authorized); !ok || tok.Token == "" {
		t.Fatalf("expected Authorized with token, got %#v", resp)
	}
}

func TestSeedKeepsProvisioningState(t *testing.T) {
	ctx := context.Background()
	s := newService(t, false, aliceCard())
	mustIdentify(t, s, protocol.ByCardID{ID: cardID})

	if err := s.Seed(ctx, []config.CardConfig{{ID: cardID, Product: map[string]any{"sku": "mate"}}}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	rec, err := s.store.FindCard(ctx, cardID)
	if err != nil {
		t.Fatalf("FindCard: %v", err)
	}
	if !rec.Provisioned || rec.Key == "" {
		t.Fatalf("reseeding lost key state: %+v", rec)
	}
	if rec.Account != "" || rec.Product != `{"sku":"mate"}` {
		t.Fatalf("reseeding did not update documents: %+v", rec)
	}
}

func TestConsumeChallengeIsOneTime(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	if _, err := store.CreateChallenge(ctx, cardID, "c1"); err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if err := store.ConsumeChallenge(ctx, "other", "c1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound for other card, got %v", err)
	}
	if err := store.ConsumeChallenge(ctx, cardID, "c1"); err != nil {
		t.Fatalf("ConsumeChallenge: %v", err)
	}
	if err := store.ConsumeChallenge(ctx, cardID, "c1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound on second use, got %v", err)
	}
}

func mustIdentify(t *testing.T, s *Service, req protocol.IdentifyRequest) protocol.IdentifyResponse {
	t.Helper()
	resp, err := s.Identify(context.Background(), req)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	return resp
}
