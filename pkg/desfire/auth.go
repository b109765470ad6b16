package desfire

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// randReader supplies RndA; tests swap it for a deterministic source.
var randReader io.Reader = rand.Reader

// Session holds the encryption and MAC keys for an authenticated session.
// It is bound to the application that was selected when it was created and
// to the key slot used to authenticate.
type Session struct {
	kenc   [16]byte
	kmac   [16]byte
	ti     [4]byte
	cmdCtr uint16
	keyNo  byte
}

// KeyNo returns the key slot this session authenticated with.
func (s *Session) KeyNo() byte {
	return s.keyNo
}

// AuthError represents an authentication failure at a specific step.
type AuthError struct {
	KeyNo   byte   // Key slot
	Step    string // "step1" or "step2"
	SW      uint16 // Status word (if applicable)
	RespLen int    // Response length (if applicable)
	Cause   error  // Underlying error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("auth key %d %s failed: %v", e.KeyNo, e.Step, e.Cause)
	}
	return fmt.Sprintf("auth key %d %s failed (SW=%04X len=%d)", e.KeyNo, e.Step, e.SW, e.RespLen)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// AuthenticateEV2First performs EV2First authentication with an AES key slot
// of the currently selected application. This is a two-phase challenge-response
// handshake that establishes session keys Kenc and Kmac for subsequent secure
// messaging.
func AuthenticateEV2First(card Card, key []byte, keyNo byte) (*Session, error) {
	if len(key) != 16 {
		return nil, &AuthError{KeyNo: keyNo, Step: "step1", Cause: fmt.Errorf("key must be 16 bytes, got %d", len(key))}
	}

	// Phase 1: send keyNo + LenCap(0), receive E(K, RndB)
	apdu1, err := wrap(insAuthenticateEV2First, []byte{keyNo, 0x00})
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step1", Cause: err}
	}
	resp1, sw, err := Transmit(card, apdu1)
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step1", Cause: err}
	}
	if sw != SWMoreData || len(resp1) != 16 {
		return nil, &AuthError{KeyNo: keyNo, Step: "step1", SW: sw, RespLen: len(resp1)}
	}

	iv0 := make([]byte, 16)
	rndB, err := aesCBCDecrypt(key, iv0, resp1)
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step1", Cause: err}
	}

	rndA := make([]byte, 16)
	if _, err := io.ReadFull(randReader, rndA); err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step1", Cause: err}
	}

	// Phase 2: send E(K, RndA || RndB'), receive E(K, TI || RndA' || caps)
	rndAB := append(append([]byte{}, rndA...), rotateLeft1(rndB)...)
	rndABEnc, err := aesCBCEncrypt(key, iv0, rndAB)
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step2", Cause: err}
	}
	apdu2, err := wrap(insAdditionalFrame, rndABEnc)
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step2", Cause: err}
	}
	resp2, sw, err := Transmit(card, apdu2)
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step2", Cause: err}
	}
	if sw != SWDESFireOK || len(resp2) != 32 {
		return nil, &AuthError{KeyNo: keyNo, Step: "step2", SW: sw, RespLen: len(resp2)}
	}

	dec, err := aesCBCDecrypt(key, iv0, resp2)
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step2", Cause: err}
	}
	ti := dec[:4]
	if !bytes.Equal(rotateRight1(dec[4:20]), rndA) {
		return nil, &AuthError{KeyNo: keyNo, Step: "step2", Cause: errors.New("rndA check failed")}
	}

	kenc, kmac, err := deriveSessionKeys(key, rndA, rndB)
	if err != nil {
		return nil, &AuthError{KeyNo: keyNo, Step: "step2", Cause: err}
	}
	slog.Debug("session established", "key_no", keyNo)

	s := &Session{keyNo: keyNo}
	copy(s.kenc[:], kenc)
	copy(s.kmac[:], kmac)
	copy(s.ti[:], ti)
	return s, nil
}

// deriveSessionKeys computes Kenc and Kmac from the EV2First randoms.
// SV1 = A5 5A 00 01 00 80 || RndA[0:2] || (RndA[2:8] ^ RndB[0:6]) || RndB[6:16] || RndA[8:16]
// SV2 is the same with the 5A A5 prefix.
func deriveSessionKeys(key, rndA, rndB []byte) (kenc, kmac []byte, err error) {
	sv1 := make([]byte, 32)
	sv2 := make([]byte, 32)
	copy(sv1, []byte{0xA5, 0x5A, 0x00, 0x01, 0x00, 0x80})
	copy(sv2, []byte{0x5A, 0xA5, 0x00, 0x01, 0x00, 0x80})
	copy(sv1[6:8], rndA[:2])
	copy(sv2[6:8], rndA[:2])
	for i := 0; i < 6; i++ {
		sv1[8+i] = rndA[2+i] ^ rndB[i]
		sv2[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv1[14:24], rndB[6:16])
	copy(sv2[14:24], rndB[6:16])
	copy(sv1[24:32], rndA[8:16])
	copy(sv2[24:32], rndA[8:16])

	if kenc, err = aesCMAC(key, sv1); err != nil {
		return nil, nil, err
	}
	if kmac, err = aesCMAC(key, sv2); err != nil {
		return nil, nil, err
	}
	return kenc, kmac, nil
}
