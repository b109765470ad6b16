// Package provision owns the ascii-pay card layout: one application holding
// a single AES master key and one enciphered file with the card secret.
package provision

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

// Card layout.
var (
	AppID = desfire.AID{0xC0, 0xFF, 0xEE}

	// PICCKey is the factory management key at card level.
	PICCKey = desfire.DefaultKey
)

const (
	SecretFileNo byte = 0x00
	MasterKeyNo  byte = 0x00
	numKeys      byte = 1
)

// InitialSettings: only the master key changes keys and settings, and the
// master key is required for create/delete and directory access.
var InitialSettings = desfire.KeySettings{
	Access:              desfire.KeyAccessMaster,
	SettingsChangeable:  true,
	MasterKeyChangeable: true,
}

// LockedSettings freezes the policy and the master key.
var LockedSettings = desfire.KeySettings{
	Access: desfire.KeyAccessMaster,
}

// SecretAccess grants read, write, read-write and change to the master key only.
var SecretAccess = desfire.AccessRights{
	Read:      MasterKeyNo,
	Write:     MasterKeyNo,
	ReadWrite: MasterKeyNo,
	Change:    MasterKeyNo,
}

// ErrEmptySecret is returned before touching the card: a file cannot be
// created with size 0.
var ErrEmptySecret = errors.New("provision: secret is empty")

// Provision installs the ascii-pay application on a card in factory PICC
// state, replacing any previous one, and stores secret under masterKey.
//
// Steps:
//  1. Select the PICC and authenticate with the management key
//  2. Delete the existing application, if listed
//  3. Create the application (master-key policy, 1 AES key)
//  4. Select it, authenticate with the default key, rotate it to masterKey,
//     authenticate again with masterKey
//  5. Lock the key settings
//  6. Create the secret file sized to the secret (enciphered, master-key rights)
//  7. Write the secret enciphered
//
// A failing step aborts without rollback and returns the card error wrapped
// with the step name.
func Provision(p *card.Presented, masterKey, secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}
	log := slog.With("card_id", p.Identity(), "aid", AppID.String())

	// 1) Select PICC and authenticate with the management key
	picc, err := authenticatePICC(p)
	if err != nil {
		return err
	}

	// 2) Delete the previous application (idempotent re-provisioning)
	aids, err := picc.ApplicationIDs()
	if err != nil {
		return fmt.Errorf("list applications: %w", err)
	}
	if containsAID(aids, AppID) {
		if err := picc.DeleteApplication(AppID); err != nil {
			return fmt.Errorf("delete previous application: %w", err)
		}
		log.Info("previous application deleted")
	}

	// 3) Create the application
	if err := picc.CreateApplication(AppID, InitialSettings, numKeys); err != nil {
		return fmt.Errorf("create application: %w", err)
	}

	// 4) Rotate the default key to masterKey and re-authenticate
	sel, err := picc.SelectApplication(AppID)
	if err != nil {
		return fmt.Errorf("select application: %w", err)
	}
	app, err := sel.Authenticate(MasterKeyNo, desfire.DefaultKey)
	if err != nil {
		return fmt.Errorf("authenticate with default key: %w", err)
	}
	sel, err = app.ChangeKey(desfire.DefaultKey, masterKey)
	if err != nil {
		return fmt.Errorf("change master key: %w", err)
	}
	app, err = sel.Authenticate(MasterKeyNo, masterKey)
	if err != nil {
		return fmt.Errorf("re-authenticate with master key: %w", err)
	}

	// 5) Lock key settings
	if err := app.ChangeKeySettings(LockedSettings); err != nil {
		return fmt.Errorf("lock key settings: %w", err)
	}

	// 6) Create the secret file
	if err := app.CreateStdDataFile(SecretFileNo, desfire.CommEnciphered, SecretAccess, len(secret)); err != nil {
		return fmt.Errorf("create secret file: %w", err)
	}

	// 7) Write the secret
	if err := app.WriteData(SecretFileNo, 0, secret, desfire.CommEnciphered); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}

	log.Info("card provisioned", "secret_len", len(secret))
	return nil
}

// ReadSecret selects the application, authenticates with masterKey and
// reads the whole secret file.
func ReadSecret(p *card.Presented, masterKey []byte) ([]byte, error) {
	sel, err := p.SelectApplication(AppID)
	if err != nil {
		return nil, fmt.Errorf("select application: %w", err)
	}
	app, err := sel.Authenticate(MasterKeyNo, masterKey)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	secret, err := app.ReadData(SecretFileNo, 0, 0, desfire.CommEnciphered)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return secret, nil
}

// IsWritable reports whether the card accepts the factory management key,
// i.e. whether Provision can run. Any failure means not writable.
func IsWritable(p *card.Presented) bool {
	if _, err := authenticatePICC(p); err != nil {
		slog.Debug("write probe failed", "card_id", p.Identity(), "err", err)
		return false
	}
	return true
}

// Wipe removes the ascii-pay application. It reports false when the card
// had none.
func Wipe(p *card.Presented) (bool, error) {
	picc, err := authenticatePICC(p)
	if err != nil {
		return false, err
	}
	aids, err := picc.ApplicationIDs()
	if err != nil {
		return false, fmt.Errorf("list applications: %w", err)
	}
	if !containsAID(aids, AppID) {
		return false, nil
	}
	if err := picc.DeleteApplication(AppID); err != nil {
		return false, fmt.Errorf("delete application: %w", err)
	}
	slog.Info("application deleted", "card_id", p.Identity(), "aid", AppID.String())
	return true, nil
}

func authenticatePICC(p *card.Presented) (*card.Authenticated, error) {
	sel, err := p.SelectApplication(desfire.PICC)
	if err != nil {
		return nil, fmt.Errorf("select PICC: %w", err)
	}
	auth, err := sel.Authenticate(0, PICCKey)
	if err != nil {
		return nil, fmt.Errorf("authenticate PICC: %w", err)
	}
	return auth, nil
}

func containsAID(aids []desfire.AID, aid desfire.AID) bool {
	for _, a := range aids {
		if a == aid {
			return true
		}
	}
	return false
}
