package desfire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DefaultKey is the factory all-zero AES key of a fresh card or application.
var DefaultKey = make([]byte, 16)

// CRC32DESFire computes the CRC32 of data using the DESFire polynomial (0xEDB88320)
// without the final inversion. Used to protect new key material in ChangeKey.
func CRC32DESFire(data []byte) uint32 {
	poly := uint32(0xEDB88320)
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if (crc & 1) != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc = crc >> 1
			}
		}
	}
	return crc
}

// ParseKeyHex decodes a 16-byte AES key from hex. Whitespace anywhere in the
// string is ignored so keys can be written in groups ("AABB CCDD ...").
func ParseKeyHex(s string) ([]byte, error) {
	clean := strings.Join(strings.Fields(s), "")
	if len(clean) != 32 {
		return nil, fmt.Errorf("key must be 32 hex chars, got %d", len(clean))
	}
	key, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}

// ChangeKey changes key slot keyNo of the selected application (INS 0xC4).
//
// When keyNo is the slot the session authenticated with, the key data is
// NewKey(16) + KeyVersion(1), the card answers with a status word only and the
// session is invalidated: the caller must authenticate again.
//
// For any other slot the key data is (NewKey XOR OldKey)(16) + KeyVersion(1) +
// CRC32(NewKey)(4) and the session stays valid.
func ChangeKey(card Card, sess *Session, keyNo byte, newKey, oldKey []byte, keyVersion byte) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	if len(newKey) != 16 {
		return fmt.Errorf("new key must be 16 bytes, got %d", len(newKey))
	}
	if keyNo == sess.keyNo {
		return changeKeySame(card, sess, keyNo, newKey, keyVersion)
	}
	if len(oldKey) != 16 {
		return fmt.Errorf("old key must be 16 bytes, got %d", len(oldKey))
	}

	keyData := make([]byte, 21)
	for i := 0; i < 16; i++ {
		keyData[i] = newKey[i] ^ oldKey[i]
	}
	keyData[16] = keyVersion
	crc := CRC32DESFire(newKey)
	keyData[17] = byte(crc & 0xFF)
	keyData[18] = byte((crc >> 8) & 0xFF)
	keyData[19] = byte((crc >> 16) & 0xFF)
	keyData[20] = byte((crc >> 24) & 0xFF)

	_, err := SsmCmdFull(card, sess, insChangeKey, []byte{keyNo}, keyData)
	return err
}

func changeKeySame(card Card, sess *Session, keyNo byte, newKey []byte, keyVersion byte) error {
	keyData := make([]byte, 17)
	copy(keyData, newKey)
	keyData[16] = keyVersion

	apdu, err := BuildSsmApdu(sess, insChangeKey, []byte{keyNo}, keyData)
	if err != nil {
		return err
	}

	// Status-only response: there is no MAC to verify.
	_, sw, err := Transmit(card, apdu)
	if err != nil {
		return err
	}
	if sw != SWDESFireOK {
		return &SWError{Cmd: insChangeKey, SW: sw}
	}
	sess.invalidate()
	return nil
}

// invalidate wipes the session keys; later secure commands fail their MAC
// check on the card instead of silently reusing old material.
func (s *Session) invalidate() {
	s.kenc = [16]byte{}
	s.kmac = [16]byte{}
	s.cmdCtr = 0
}
