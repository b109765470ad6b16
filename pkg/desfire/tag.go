package desfire

import (
	"errors"
)

// ATRCard is a Card that can also report its answer-to-reset.
type ATRCard interface {
	Card
	ATR() ([]byte, error)
}

// Tag exposes the package functions as methods over one card, so a presented
// card can be passed around as a single value.
type Tag struct {
	card ATRCard
}

// NewTag wraps a card connection.
func NewTag(card ATRCard) *Tag {
	return &Tag{card: card}
}

func (t *Tag) ATR() ([]byte, error) {
	return t.card.ATR()
}

func (t *Tag) Version() (*Version, error) {
	return GetVersion(t.card)
}

func (t *Tag) SelectApplication(aid AID) error {
	return SelectApplication(t.card, aid)
}

func (t *Tag) Authenticate(keyNo byte, key []byte) (*Session, error) {
	return AuthenticateEV2First(t.card, key, keyNo)
}

func (t *Tag) CreateApplication(sess *Session, aid AID, settings KeySettings, numKeys byte) error {
	return CreateApplication(t.card, sess, aid, settings, numKeys)
}

func (t *Tag) DeleteApplication(sess *Session, aid AID) error {
	return DeleteApplication(t.card, sess, aid)
}

func (t *Tag) ApplicationIDs(sess *Session) ([]AID, error) {
	return GetApplicationIDs(t.card, sess)
}

func (t *Tag) ChangeKey(sess *Session, keyNo byte, oldKey, newKey []byte) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	return ChangeKey(t.card, sess, keyNo, newKey, oldKey, 0x00)
}

func (t *Tag) ChangeKeySettings(sess *Session, settings KeySettings) error {
	return ChangeKeySettings(t.card, sess, settings)
}

func (t *Tag) CreateStdDataFile(sess *Session, fileNo byte, comm CommMode, access AccessRights, size int) error {
	return CreateStdDataFile(t.card, sess, fileNo, comm, access, size)
}

func (t *Tag) ReadData(sess *Session, fileNo byte, offset, length int, comm CommMode) ([]byte, error) {
	return ReadData(t.card, sess, fileNo, offset, length, comm)
}

func (t *Tag) WriteData(sess *Session, fileNo byte, offset int, data []byte, comm CommMode) error {
	return WriteData(t.card, sess, fileNo, offset, data, comm)
}
