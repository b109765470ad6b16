package card_test

import (
	"errors"
	"testing"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card/cardtest"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

var testAID = desfire.AID{0xC0, 0xFF, 0xEE}

func presentCard(t *testing.T, dev card.Device) *card.Presented {
	t.Helper()
	p, err := card.Present(dev)
	if err != nil {
		t.Fatalf("Present: %v", err)
	}
	return p
}

func TestIdentityCombinesATRAndUID(t *testing.T) {
	p := presentCard(t, cardtest.New())
	if got, want := p.Identity(), card.Identity("3B8180018080:04A1B2C3D4E5F6"); got != want {
		t.Fatalf("Identity = %q, want %q", got, want)
	}
}

func TestSelectMissingApplication(t *testing.T) {
	p := presentCard(t, cardtest.New())
	_, err := p.SelectApplication(testAID)
	if !errors.Is(err, card.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var ce *card.CardError
	if !errors.As(err, &ce) || ce.Kind != card.KindNotFound {
		t.Fatalf("expected CardError{KindNotFound}, got %#v", err)
	}
}

func TestAuthenticateWrongKey(t *testing.T) {
	p := presentCard(t, cardtest.New())
	sel, err := p.SelectApplication(desfire.PICC)
	if err != nil {
		t.Fatalf("select PICC: %v", err)
	}
	_, err = sel.Authenticate(0, []byte("0123456789abcdef"))
	if !errors.Is(err, card.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestSelectMakesEarlierHandlesStale(t *testing.T) {
	dev := cardtest.New()
	dev.AddApplication(testAID, desfire.KeySettings{SettingsChangeable: true, MasterKeyChangeable: true}, desfire.DefaultKey, []byte("secret"))
	p := presentCard(t, dev)

	sel, err := p.SelectApplication(testAID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	auth, err := sel.Authenticate(0, desfire.DefaultKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := auth.ReadData(0, 0, 0, desfire.CommEnciphered); err != nil {
		t.Fatalf("read: %v", err)
	}

	if _, err := p.SelectApplication(desfire.PICC); err != nil {
		t.Fatalf("select PICC: %v", err)
	}
	reads := dev.Count("ReadData")
	if _, err := auth.ReadData(0, 0, 0, desfire.CommEnciphered); !errors.Is(err, card.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
	if _, err := sel.Authenticate(0, desfire.DefaultKey); !errors.Is(err, card.ErrStaleSession) {
		t.Fatalf("expected stale Selected, got %v", err)
	}
	if dev.Count("ReadData") != reads {
		t.Fatalf("stale handle reached the card")
	}
}

func TestChangeKeyRequiresReauthentication(t *testing.T) {
	dev := cardtest.New()
	dev.AddApplication(testAID, desfire.KeySettings{SettingsChangeable: true, MasterKeyChangeable: true}, desfire.DefaultKey, []byte("secret"))
	p := presentCard(t, dev)
	newKey := []byte("0123456789abcdef")

	sel, err := p.SelectApplication(testAID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	auth, err := sel.Authenticate(0, desfire.DefaultKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	sel2, err := auth.ChangeKey(desfire.DefaultKey, newKey)
	if err != nil {
		t.Fatalf("change key: %v", err)
	}
	if _, err := auth.ReadData(0, 0, 0, desfire.CommEnciphered); !errors.Is(err, card.ErrStaleSession) {
		t.Fatalf("session survived key change: %v", err)
	}
	if _, err := sel2.Authenticate(0, desfire.DefaultKey); !errors.Is(err, card.ErrAuthFailed) {
		t.Fatalf("old key still accepted: %v", err)
	}
	auth2, err := sel2.Authenticate(0, newKey)
	if err != nil {
		t.Fatalf("authenticate with new key: %v", err)
	}
	data, err := auth2.ReadData(0, 0, 0, desfire.CommEnciphered)
	if err != nil || string(data) != "secret" {
		t.Fatalf("read after rekey = %q, %v", data, err)
	}
}

func TestChangeOtherKeyRejectsAuthenticatedSlot(t *testing.T) {
	dev := cardtest.New()
	p := presentCard(t, dev)
	sel, err := p.SelectApplication(desfire.PICC)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	auth, err := sel.Authenticate(0, desfire.DefaultKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := auth.ChangeOtherKey(0, desfire.DefaultKey, desfire.DefaultKey); err == nil {
		t.Fatalf("expected error")
	}
	if dev.Count("ChangeKey") != 0 {
		t.Fatalf("ChangeKey reached the card")
	}
}

func TestTagLostMidTransaction(t *testing.T) {
	dev := cardtest.New()
	p := presentCard(t, dev)
	sel, err := p.SelectApplication(desfire.PICC)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	dev.Removed = true
	if _, err := sel.Authenticate(0, desfire.DefaultKey); !errors.Is(err, card.ErrTagLost) {
		t.Fatalf("expected ErrTagLost, got %v", err)
	}
}

func TestFailedCommandEndsSession(t *testing.T) {
	dev := cardtest.New()
	p := presentCard(t, dev)
	sel, err := p.SelectApplication(desfire.PICC)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	auth, err := sel.Authenticate(0, desfire.DefaultKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := auth.DeleteApplication(testAID); !errors.Is(err, card.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := auth.ApplicationIDs(); !errors.Is(err, card.ErrStaleSession) {
		t.Fatalf("expected stale session after failure, got %v", err)
	}
}
