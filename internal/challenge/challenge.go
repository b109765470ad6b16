// Package challenge answers server-issued challenges with a card secret.
package challenge

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

const info = "ascii-pay nfc challenge v1"

// deriveKey stretches the card secret into a 32-byte MAC key.
func deriveKey(secret []byte) []byte {
	k := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, k); err != nil {
		// HKDF-SHA256 only fails past 255*32 bytes of output.
		panic(err)
	}
	return k
}

// Compute returns hex(HMAC-SHA256(HKDF(secret), challenge)). It depends on
// its arguments only.
func Compute(secret []byte, challenge string) string {
	mac := hmac.New(sha256.New, deriveKey(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether response answers challenge for secret.
func Verify(secret []byte, challenge, response string) bool {
	want := Compute(secret, challenge)
	return subtle.ConstantTimeCompare([]byte(want), []byte(response)) == 1
}
