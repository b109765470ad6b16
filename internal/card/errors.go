package card

import (
	"errors"
	"fmt"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

// Kind classifies card faults.
type Kind int

const (
	KindOther Kind = iota
	KindAuthFailed
	KindNotFound
	KindPermissionDenied
	KindDuplicate
	KindTagLost
	KindStaleSession
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailed:
		return "auth failed"
	case KindNotFound:
		return "not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindDuplicate:
		return "duplicate"
	case KindTagLost:
		return "tag lost"
	case KindStaleSession:
		return "stale session"
	default:
		return "card error"
	}
}

// Sentinels for errors.Is; a *CardError matches the sentinel of its Kind.
var (
	ErrAuthFailed       = errors.New("card: authentication failed")
	ErrNotFound         = errors.New("card: not found")
	ErrPermissionDenied = errors.New("card: permission denied")
	ErrDuplicate        = errors.New("card: already exists")
	ErrTagLost          = errors.New("card: tag lost")
	ErrStaleSession     = errors.New("card: stale session")

	errSameSlot = errors.New("slot is the authenticated key, use ChangeKey")
)

// CardError is returned by every handle operation that fails.
type CardError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CardError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CardError) Unwrap() error {
	return e.Err
}

func (e *CardError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Kind == KindAuthFailed
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrDuplicate:
		return e.Kind == KindDuplicate
	case ErrTagLost:
		return e.Kind == KindTagLost
	case ErrStaleSession:
		return e.Kind == KindStaleSession
	}
	return false
}

// classify maps a library error to a Kind. Tag loss wins over everything
// else since the card can vanish in the middle of any exchange.
func classify(err error) Kind {
	switch {
	case desfire.IsTagLost(err):
		return KindTagLost
	case desfire.IsAuthError(err):
		return KindAuthFailed
	case desfire.IsNotFound(err):
		return KindNotFound
	case desfire.IsPermissionDenied(err):
		return KindPermissionDenied
	case desfire.IsDuplicate(err):
		return KindDuplicate
	default:
		return KindOther
	}
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CardError
	if errors.As(err, &ce) {
		return err
	}
	return &CardError{Kind: classify(err), Op: op, Err: err}
}
