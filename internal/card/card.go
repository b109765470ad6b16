// Package card models one presentation of a DESFire card as a chain of
// state-gated handles: Presented, then Selected, then Authenticated.
//
// Selecting an application, authenticating again or changing the
// authenticated key moves the card into a new state; handles taken from an
// earlier state report KindStaleSession instead of reaching the card.
// Data access is only reachable from an Authenticated handle.
package card

import (
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

// Identity is the stable identifier of a card: HEX(ATR) ":" HEX(UID).
type Identity string

// Device is the card-protocol surface the handles drive. *desfire.Tag
// implements it for real cards; cardtest.Card for tests.
type Device interface {
	ATR() ([]byte, error)
	Version() (*desfire.Version, error)
	SelectApplication(aid desfire.AID) error
	Authenticate(keyNo byte, key []byte) (*desfire.Session, error)
	CreateApplication(sess *desfire.Session, aid desfire.AID, settings desfire.KeySettings, numKeys byte) error
	DeleteApplication(sess *desfire.Session, aid desfire.AID) error
	ApplicationIDs(sess *desfire.Session) ([]desfire.AID, error)
	ChangeKey(sess *desfire.Session, keyNo byte, oldKey, newKey []byte) error
	ChangeKeySettings(sess *desfire.Session, settings desfire.KeySettings) error
	CreateStdDataFile(sess *desfire.Session, fileNo byte, comm desfire.CommMode, access desfire.AccessRights, size int) error
	ReadData(sess *desfire.Session, fileNo byte, offset, length int, comm desfire.CommMode) ([]byte, error)
	WriteData(sess *desfire.Session, fileNo byte, offset int, data []byte, comm desfire.CommMode) error
}

// state is shared by every handle of one presentation.
type state struct {
	dev Device
	id  Identity

	aid     desfire.AID
	selGen  uint64 // bumped by SelectApplication
	authGen uint64 // bumped by anything that ends the card's session
}

func (st *state) dropAuth() {
	st.authGen++
}

// Presented is a card that was just tapped; nothing is selected yet.
type Presented struct {
	st *state
}

// Present reads the card identity and returns the first handle.
func Present(dev Device) (*Presented, error) {
	atr, err := dev.ATR()
	if err != nil {
		return nil, wrapErr("read ATR", err)
	}
	v, err := dev.Version()
	if err != nil {
		return nil, wrapErr("get version", err)
	}
	id := Identity(strings.ToUpper(hex.EncodeToString(atr)) + ":" + strings.ToUpper(hex.EncodeToString(v.UID)))
	return &Presented{st: &state{dev: dev, id: id}}, nil
}

// Identity returns the card identity computed at presentation.
func (p *Presented) Identity() Identity {
	return p.st.id
}

// SelectApplication selects aid. Every handle taken before is stale afterwards.
func (p *Presented) SelectApplication(aid desfire.AID) (*Selected, error) {
	return selectApp(p.st, aid)
}

func selectApp(st *state, aid desfire.AID) (*Selected, error) {
	st.selGen++
	st.dropAuth()
	if err := st.dev.SelectApplication(aid); err != nil {
		return nil, wrapErr("select application "+aid.String(), err)
	}
	st.aid = aid
	slog.Debug("application selected", "card_id", st.id, "aid", aid.String())
	return &Selected{st: st, selGen: st.selGen}, nil
}

// Selected is a card with an application selected and no session.
type Selected struct {
	st     *state
	selGen uint64
}

// AID returns the selected application.
func (s *Selected) AID() desfire.AID {
	return s.st.aid
}

// Identity returns the card identity.
func (s *Selected) Identity() Identity {
	return s.st.id
}

func (s *Selected) check(op string) error {
	if s.selGen != s.st.selGen {
		return &CardError{Kind: KindStaleSession, Op: op}
	}
	return nil
}

// SelectApplication switches to another application.
func (s *Selected) SelectApplication(aid desfire.AID) (*Selected, error) {
	if err := s.check("select application"); err != nil {
		return nil, err
	}
	return selectApp(s.st, aid)
}

// Authenticate runs the card's key authentication on slot keyNo. A failed
// attempt leaves the card unauthenticated.
func (s *Selected) Authenticate(keyNo byte, key []byte) (*Authenticated, error) {
	op := "authenticate " + s.st.aid.String()
	if err := s.check(op); err != nil {
		return nil, err
	}
	s.st.dropAuth()
	sess, err := s.st.dev.Authenticate(keyNo, key)
	if err != nil {
		ce := &CardError{Kind: KindAuthFailed, Op: op, Err: err}
		if desfire.IsTagLost(err) {
			ce.Kind = KindTagLost
		}
		return nil, ce
	}
	slog.Debug("authenticated", "card_id", s.st.id, "aid", s.st.aid.String(), "key_no", keyNo)
	return &Authenticated{st: s.st, selGen: s.selGen, authGen: s.st.authGen, sess: sess, keyNo: keyNo}, nil
}

// Authenticated holds a live session key for the selected application.
type Authenticated struct {
	st      *state
	selGen  uint64
	authGen uint64
	sess    *desfire.Session
	keyNo   byte
}

// AID returns the application the session belongs to.
func (a *Authenticated) AID() desfire.AID {
	return a.st.aid
}

// Identity returns the card identity.
func (a *Authenticated) Identity() Identity {
	return a.st.id
}

// KeyNo returns the slot the session authenticated with.
func (a *Authenticated) KeyNo() byte {
	return a.keyNo
}

func (a *Authenticated) check(op string) error {
	if a.selGen != a.st.selGen || a.authGen != a.st.authGen {
		return &CardError{Kind: KindStaleSession, Op: op}
	}
	return nil
}

// run executes a card operation under the session; a failure ends the session.
func (a *Authenticated) run(op string, fn func() error) error {
	if err := a.check(op); err != nil {
		return err
	}
	if err := fn(); err != nil {
		a.st.dropAuth()
		return wrapErr(op, err)
	}
	return nil
}

// SelectApplication switches applications and ends this session.
func (a *Authenticated) SelectApplication(aid desfire.AID) (*Selected, error) {
	if err := a.check("select application"); err != nil {
		return nil, err
	}
	return selectApp(a.st, aid)
}

// CreateApplication creates an application with numKeys AES keys.
func (a *Authenticated) CreateApplication(aid desfire.AID, settings desfire.KeySettings, numKeys byte) error {
	return a.run("create application "+aid.String(), func() error {
		return a.st.dev.CreateApplication(a.sess, aid, settings, numKeys)
	})
}

// DeleteApplication deletes an application and its files.
func (a *Authenticated) DeleteApplication(aid desfire.AID) error {
	return a.run("delete application "+aid.String(), func() error {
		return a.st.dev.DeleteApplication(a.sess, aid)
	})
}

// ApplicationIDs lists the applications on the card.
func (a *Authenticated) ApplicationIDs() ([]desfire.AID, error) {
	var aids []desfire.AID
	err := a.run("list applications", func() error {
		var err error
		aids, err = a.st.dev.ApplicationIDs(a.sess)
		return err
	})
	return aids, err
}

// ChangeKey replaces the key this session authenticated with. The card ends
// the session, so the result is a Selected handle that must authenticate
// again with newKey.
func (a *Authenticated) ChangeKey(oldKey, newKey []byte) (*Selected, error) {
	op := "change key " + a.st.aid.String()
	if err := a.check(op); err != nil {
		return nil, err
	}
	err := a.st.dev.ChangeKey(a.sess, a.keyNo, oldKey, newKey)
	a.st.dropAuth()
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return &Selected{st: a.st, selGen: a.selGen}, nil
}

// ChangeOtherKey replaces key slot keyNo, which must differ from the slot
// this session authenticated with. The session stays valid.
func (a *Authenticated) ChangeOtherKey(keyNo byte, oldKey, newKey []byte) error {
	if keyNo == a.keyNo {
		return &CardError{Kind: KindOther, Op: "change other key", Err: errSameSlot}
	}
	return a.run("change other key", func() error {
		return a.st.dev.ChangeKey(a.sess, keyNo, oldKey, newKey)
	})
}

// ChangeKeySettings replaces the application key settings.
func (a *Authenticated) ChangeKeySettings(settings desfire.KeySettings) error {
	return a.run("change key settings", func() error {
		return a.st.dev.ChangeKeySettings(a.sess, settings)
	})
}

// CreateStdDataFile allocates a fixed-size standard data file.
func (a *Authenticated) CreateStdDataFile(fileNo byte, comm desfire.CommMode, access desfire.AccessRights, size int) error {
	return a.run("create file", func() error {
		return a.st.dev.CreateStdDataFile(a.sess, fileNo, comm, access, size)
	})
}

// ReadData reads length bytes at offset; length 0 reads the whole file.
func (a *Authenticated) ReadData(fileNo byte, offset, length int, comm desfire.CommMode) ([]byte, error) {
	var data []byte
	err := a.run("read data", func() error {
		var err error
		data, err = a.st.dev.ReadData(a.sess, fileNo, offset, length, comm)
		return err
	})
	return data, err
}

// WriteData writes data at offset.
func (a *Authenticated) WriteData(fileNo byte, offset int, data []byte, comm desfire.CommMode) error {
	return a.run("write data", func() error {
		return a.st.dev.WriteData(a.sess, fileNo, offset, data, comm)
	})
}
