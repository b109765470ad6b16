package desfire

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AID is a 3-byte DESFire application identifier, most significant byte
// first as it is usually written ("C0FFEE"). On the wire it travels LSB first.
type AID [3]byte

// PICC is the card-level (root) application.
var PICC = AID{0x00, 0x00, 0x00}

// ParseAID decodes a 6-hex-digit application identifier.
func ParseAID(s string) (AID, error) {
	var aid AID
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return aid, fmt.Errorf("invalid AID %q: %w", s, err)
	}
	if len(b) != 3 {
		return aid, fmt.Errorf("invalid AID %q: must be 3 bytes", s)
	}
	copy(aid[:], b)
	return aid, nil
}

func (a AID) String() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

func (a AID) wire() []byte {
	return []byte{a[2], a[1], a[0]}
}

func aidFromWire(b []byte) AID {
	return AID{b[2], b[1], b[0]}
}

// KeyAccess is the ChangeKey access nibble of the key settings byte.
type KeyAccess byte

const (
	// KeyAccessMaster: only the application master key may change keys.
	KeyAccessMaster KeyAccess = 0x0
	// KeyAccessSame: a key may only be changed after authenticating with itself.
	KeyAccessSame KeyAccess = 0xE
	// KeyAccessFrozen: no key except the master key can be changed, and only if
	// MasterKeyChangeable is set.
	KeyAccessFrozen KeyAccess = 0xF
)

// KeySettings describes the application key settings byte.
type KeySettings struct {
	Access                              KeyAccess
	SettingsChangeable                  bool
	MasterKeyNotRequiredCreateDelete    bool
	MasterKeyNotRequiredDirectoryAccess bool
	MasterKeyChangeable                 bool
}

// Byte encodes the settings as sent to the card.
func (k KeySettings) Byte() byte {
	b := byte(k.Access&0x0F) << 4
	if k.SettingsChangeable {
		b |= 0x08
	}
	if k.MasterKeyNotRequiredCreateDelete {
		b |= 0x04
	}
	if k.MasterKeyNotRequiredDirectoryAccess {
		b |= 0x02
	}
	if k.MasterKeyChangeable {
		b |= 0x01
	}
	return b
}

// ParseKeySettings decodes a key settings byte.
func ParseKeySettings(b byte) KeySettings {
	return KeySettings{
		Access:                              KeyAccess(b >> 4),
		SettingsChangeable:                  b&0x08 != 0,
		MasterKeyNotRequiredCreateDelete:    b&0x04 != 0,
		MasterKeyNotRequiredDirectoryAccess: b&0x02 != 0,
		MasterKeyChangeable:                 b&0x01 != 0,
	}
}

// Locked reports whether neither the settings nor the master key can change
// any more.
func (k KeySettings) Locked() bool {
	return !k.SettingsChangeable && !k.MasterKeyChangeable
}

// SelectApplication selects an application (INS 0x5A). Any prior
// authentication is lost.
func SelectApplication(card Card, aid AID) error {
	_, err := command(card, insSelectApplication, aid.wire())
	return err
}

// CreateApplication creates an application with numKeys AES keys (INS 0xCA).
// Must run at PICC level.
func CreateApplication(card Card, sess *Session, aid AID, settings KeySettings, numKeys byte) error {
	if numKeys == 0 || numKeys > 14 {
		return fmt.Errorf("numKeys must be 1..14, got %d", numKeys)
	}
	data := append(aid.wire(), settings.Byte(), numKeys|0x80)
	_, err := exec(card, sess, insCreateApplication, data)
	return err
}

// DeleteApplication removes an application and all of its files (INS 0xDA).
func DeleteApplication(card Card, sess *Session, aid AID) error {
	_, err := exec(card, sess, insDeleteApplication, aid.wire())
	return err
}

// GetApplicationIDs lists the applications on the card (INS 0x6A).
func GetApplicationIDs(card Card, sess *Session) ([]AID, error) {
	resp, err := exec(card, sess, insGetApplicationIDs, nil)
	if err != nil {
		return nil, err
	}
	if len(resp)%3 != 0 {
		return nil, fmt.Errorf("GetApplicationIDs: response length %d not a multiple of 3", len(resp))
	}
	aids := make([]AID, 0, len(resp)/3)
	for i := 0; i < len(resp); i += 3 {
		aids = append(aids, aidFromWire(resp[i:i+3]))
	}
	return aids, nil
}

// ChangeKeySettings replaces the key settings of the selected application
// (INS 0x54). Requires a master key session; the card refuses once settings
// were made unchangeable.
func ChangeKeySettings(card Card, sess *Session, settings KeySettings) error {
	_, err := SsmCmdFull(card, sess, insChangeKeySettings, nil, []byte{settings.Byte()})
	return err
}
