// Package cardtest provides an in-memory DESFire card for tests.
package cardtest

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ebfe/scard"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

var _ card.Device = (*Card)(nil)

// File is a standard data file on the simulated card.
type File struct {
	Comm   desfire.CommMode
	Access desfire.AccessRights
	Data   []byte
}

// App is an application on the simulated card.
type App struct {
	Settings desfire.KeySettings
	Keys     [][]byte
	Files    map[byte]*File
}

// Card simulates the card-side rules the protocol depends on: select drops
// authentication, commands need the current session, key settings and file
// access rights are enforced, and errors carry the status words a real card
// returns.
type Card struct {
	mu sync.Mutex

	ATRBytes     []byte
	UID          []byte
	PICCKey      []byte
	PICCSettings desfire.KeySettings
	Apps         map[desfire.AID]*App

	// Removed makes every operation fail as if the card left the field.
	Removed bool

	calls    []string
	failNext map[string]error

	selected desfire.AID
	sess     *desfire.Session
	keyNo    byte
}

// New returns a blank card in factory state: no applications and the
// all-zero PICC master key.
func New() *Card {
	return &Card{
		ATRBytes: []byte{0x3B, 0x81, 0x80, 0x01, 0x80, 0x80},
		UID:      []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6},
		PICCKey:  append([]byte{}, desfire.DefaultKey...),
		PICCSettings: desfire.KeySettings{
			Access:              desfire.KeyAccessMaster,
			SettingsChangeable:  true,
			MasterKeyChangeable: true,
		},
		Apps:     map[desfire.AID]*App{},
		failNext: map[string]error{},
	}
}

// AddApplication installs an application directly, bypassing the protocol.
// The secret, if any, is stored in an enciphered file 0 readable with key 0.
func (c *Card) AddApplication(aid desfire.AID, settings desfire.KeySettings, key []byte, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app := &App{
		Settings: settings,
		Keys:     [][]byte{append([]byte{}, key...)},
		Files:    map[byte]*File{},
	}
	if secret != nil {
		app.Files[0] = &File{
			Comm:   desfire.CommEnciphered,
			Access: desfire.AccessRights{Read: 0, Write: 0, ReadWrite: 0, Change: 0},
			Data:   append([]byte{}, secret...),
		}
	}
	c.Apps[aid] = app
}

// FailNext makes the next call of op (a Device method name) return err.
func (c *Card) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] = err
}

// Calls returns the Device methods invoked so far, in order.
func (c *Card) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.calls...)
}

// Count returns how often op was invoked.
func (c *Card) Count(op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call == op {
			n++
		}
	}
	return n
}

// HasApplication reports whether aid exists.
func (c *Card) HasApplication(aid desfire.AID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Apps[aid]
	return ok
}

// FileData returns a copy of a file's content, or nil.
func (c *Card) FileData(aid desfire.AID, fileNo byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, ok := c.Apps[aid]
	if !ok {
		return nil
	}
	f, ok := app.Files[fileNo]
	if !ok {
		return nil
	}
	return append([]byte{}, f.Data...)
}

// Settings returns the key settings of aid.
func (c *Card) Settings(aid desfire.AID) (desfire.KeySettings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, ok := c.Apps[aid]
	if !ok {
		return desfire.KeySettings{}, false
	}
	return app.Settings, true
}

func (c *Card) enter(op string) error {
	c.calls = append(c.calls, op)
	if c.Removed {
		c.sess = nil
		return scard.ErrRemovedCard
	}
	if err, ok := c.failNext[op]; ok {
		delete(c.failNext, op)
		return err
	}
	return nil
}

func swErr(ins byte, sw uint16) error {
	return &desfire.SWError{Cmd: ins, SW: sw}
}

func (c *Card) keys() [][]byte {
	if c.selected == desfire.PICC {
		return [][]byte{c.PICCKey}
	}
	if app, ok := c.Apps[c.selected]; ok {
		return app.Keys
	}
	return nil
}

func (c *Card) settings() desfire.KeySettings {
	if c.selected == desfire.PICC {
		return c.PICCSettings
	}
	return c.Apps[c.selected].Settings
}

func (c *Card) requireSession(ins byte, sess *desfire.Session) error {
	if sess == nil || sess != c.sess {
		return swErr(ins, desfire.SWAuthError)
	}
	return nil
}

// fail drops the session as a real card does after an error status.
func (c *Card) fail(err error) error {
	c.sess = nil
	return err
}

func (c *Card) ATR() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ATR"); err != nil {
		return nil, err
	}
	return append([]byte{}, c.ATRBytes...), nil
}

func (c *Card) Version() (*desfire.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Version"); err != nil {
		return nil, err
	}
	return &desfire.Version{
		HWVendorID: 0x04,
		HWType:     0x01,
		HWMajorVer: 0x12,
		UID:        append([]byte{}, c.UID...),
	}, nil
}

func (c *Card) SelectApplication(aid desfire.AID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("SelectApplication"); err != nil {
		return err
	}
	c.sess = nil
	if aid != desfire.PICC {
		if _, ok := c.Apps[aid]; !ok {
			return swErr(0x5A, desfire.SWAppNotFound)
		}
	}
	c.selected = aid
	return nil
}

func (c *Card) Authenticate(keyNo byte, key []byte) (*desfire.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Authenticate"); err != nil {
		return nil, err
	}
	c.sess = nil
	keys := c.keys()
	if int(keyNo) >= len(keys) {
		return nil, swErr(0x71, desfire.SWNoSuchKey)
	}
	if !bytes.Equal(keys[keyNo], key) {
		return nil, &desfire.AuthError{KeyNo: keyNo, Step: "step2", SW: desfire.SWAuthError}
	}
	c.sess = &desfire.Session{}
	c.keyNo = keyNo
	return c.sess, nil
}

func (c *Card) CreateApplication(sess *desfire.Session, aid desfire.AID, settings desfire.KeySettings, numKeys byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateApplication"); err != nil {
		return err
	}
	if c.selected != desfire.PICC {
		return c.fail(swErr(0xCA, desfire.SWPermDenied))
	}
	if !c.PICCSettings.MasterKeyNotRequiredCreateDelete {
		if err := c.requireSession(0xCA, sess); err != nil {
			return c.fail(err)
		}
	}
	if _, ok := c.Apps[aid]; ok {
		return c.fail(swErr(0xCA, desfire.SWDuplicate))
	}
	if numKeys == 0 || numKeys > 14 {
		return c.fail(swErr(0xCA, desfire.SWParameterErr))
	}
	app := &App{Settings: settings, Files: map[byte]*File{}}
	for i := byte(0); i < numKeys; i++ {
		app.Keys = append(app.Keys, append([]byte{}, desfire.DefaultKey...))
	}
	c.Apps[aid] = app
	return nil
}

func (c *Card) DeleteApplication(sess *desfire.Session, aid desfire.AID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteApplication"); err != nil {
		return err
	}
	if c.selected != desfire.PICC {
		return c.fail(swErr(0xDA, desfire.SWPermDenied))
	}
	if err := c.requireSession(0xDA, sess); err != nil {
		return c.fail(err)
	}
	if _, ok := c.Apps[aid]; !ok {
		return c.fail(swErr(0xDA, desfire.SWAppNotFound))
	}
	delete(c.Apps, aid)
	return nil
}

func (c *Card) ApplicationIDs(sess *desfire.Session) ([]desfire.AID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ApplicationIDs"); err != nil {
		return nil, err
	}
	if c.selected != desfire.PICC {
		return nil, c.fail(swErr(0x6A, desfire.SWPermDenied))
	}
	if !c.PICCSettings.MasterKeyNotRequiredDirectoryAccess {
		if err := c.requireSession(0x6A, sess); err != nil {
			return nil, c.fail(err)
		}
	}
	aids := make([]desfire.AID, 0, len(c.Apps))
	for aid := range c.Apps {
		aids = append(aids, aid)
	}
	sort.Slice(aids, func(i, j int) bool { return aids[i].String() < aids[j].String() })
	return aids, nil
}

func (c *Card) ChangeKey(sess *desfire.Session, keyNo byte, oldKey, newKey []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ChangeKey"); err != nil {
		return err
	}
	if err := c.requireSession(0xC4, sess); err != nil {
		return c.fail(err)
	}
	keys := c.keys()
	if int(keyNo) >= len(keys) {
		return c.fail(swErr(0xC4, desfire.SWNoSuchKey))
	}
	if len(newKey) != 16 {
		return c.fail(swErr(0xC4, desfire.SWLengthError))
	}
	st := c.settings()
	if keyNo == 0 && !st.MasterKeyChangeable {
		return c.fail(swErr(0xC4, desfire.SWPermDenied))
	}
	if keyNo != 0 && st.Access == desfire.KeyAccessMaster && c.keyNo != 0 {
		return c.fail(swErr(0xC4, desfire.SWPermDenied))
	}
	if keyNo != c.keyNo && !bytes.Equal(keys[keyNo], oldKey) {
		return c.fail(swErr(0xC4, desfire.SWIntegrityError))
	}
	keys[keyNo] = append([]byte{}, newKey...)
	if keyNo == c.keyNo {
		c.sess = nil
	}
	return nil
}

func (c *Card) ChangeKeySettings(sess *desfire.Session, settings desfire.KeySettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ChangeKeySettings"); err != nil {
		return err
	}
	if err := c.requireSession(0x54, sess); err != nil {
		return c.fail(err)
	}
	if c.keyNo != 0 || !c.settings().SettingsChangeable {
		return c.fail(swErr(0x54, desfire.SWPermDenied))
	}
	if c.selected == desfire.PICC {
		c.PICCSettings = settings
	} else {
		c.Apps[c.selected].Settings = settings
	}
	return nil
}

func (c *Card) CreateStdDataFile(sess *desfire.Session, fileNo byte, comm desfire.CommMode, access desfire.AccessRights, size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateStdDataFile"); err != nil {
		return err
	}
	if c.selected == desfire.PICC {
		return c.fail(swErr(0xCD, desfire.SWPermDenied))
	}
	app := c.Apps[c.selected]
	if !app.Settings.MasterKeyNotRequiredCreateDelete {
		if err := c.requireSession(0xCD, sess); err != nil {
			return c.fail(err)
		}
		if c.keyNo != 0 {
			return c.fail(swErr(0xCD, desfire.SWPermDenied))
		}
	}
	if _, ok := app.Files[fileNo]; ok {
		return c.fail(swErr(0xCD, desfire.SWDuplicate))
	}
	app.Files[fileNo] = &File{Comm: comm, Access: access, Data: make([]byte, size)}
	return nil
}

// allowed reports whether the current session satisfies one of the access
// condition nibbles.
func (c *Card) allowed(sess *desfire.Session, conds ...byte) bool {
	for _, cond := range conds {
		if cond == desfire.AccessFree {
			return true
		}
		if cond <= 0x0D && sess != nil && sess == c.sess && c.keyNo == cond {
			return true
		}
	}
	return false
}

func (c *Card) file(ins, fileNo byte) (*File, error) {
	app, ok := c.Apps[c.selected]
	if !ok {
		return nil, swErr(ins, desfire.SWPermDenied)
	}
	f, ok := app.Files[fileNo]
	if !ok {
		return nil, swErr(ins, desfire.SWDESFireFileNotFnd)
	}
	return f, nil
}

func (c *Card) ReadData(sess *desfire.Session, fileNo byte, offset, length int, comm desfire.CommMode) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ReadData"); err != nil {
		return nil, err
	}
	f, err := c.file(0xBD, fileNo)
	if err != nil {
		return nil, c.fail(err)
	}
	if !c.allowed(sess, f.Access.Read, f.Access.ReadWrite) {
		if sess == nil || sess != c.sess {
			return nil, c.fail(swErr(0xBD, desfire.SWAuthError))
		}
		return nil, c.fail(swErr(0xBD, desfire.SWPermDenied))
	}
	if comm != f.Comm {
		return nil, c.fail(swErr(0xBD, desfire.SWIntegrityError))
	}
	if length == 0 {
		length = len(f.Data) - offset
	}
	if offset < 0 || length < 0 || offset+length > len(f.Data) {
		return nil, c.fail(swErr(0xBD, desfire.SWBoundaryError))
	}
	return append([]byte{}, f.Data[offset:offset+length]...), nil
}

func (c *Card) WriteData(sess *desfire.Session, fileNo byte, offset int, data []byte, comm desfire.CommMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("WriteData"); err != nil {
		return err
	}
	f, err := c.file(0x3D, fileNo)
	if err != nil {
		return c.fail(err)
	}
	if !c.allowed(sess, f.Access.Write, f.Access.ReadWrite) {
		if sess == nil || sess != c.sess {
			return c.fail(swErr(0x3D, desfire.SWAuthError))
		}
		return c.fail(swErr(0x3D, desfire.SWPermDenied))
	}
	if comm != f.Comm {
		return c.fail(swErr(0x3D, desfire.SWIntegrityError))
	}
	if offset < 0 || offset+len(data) > len(f.Data) {
		return c.fail(swErr(0x3D, desfire.SWBoundaryError))
	}
	copy(f.Data[offset:], data)
	return nil
}

func (c *Card) String() string {
	return fmt.Sprintf("cardtest.Card(%X)", c.UID)
}
