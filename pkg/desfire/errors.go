package desfire

import (
	"errors"
	"fmt"
	"io"

	"github.com/ebfe/scard"
)

// Status word constants for ISO 7816 and DESFire responses
const (
	// ISO 7816 status words
	SWSuccess              = 0x9000 // ISO success
	SWSecurityNotSatisfied = 0x6982 // Security status not satisfied (need auth)
	SWFileNotFound         = 0x6A82 // File not found
	SWWrongLength          = 0x6700 // Wrong length

	// DESFire status words (SW1=0x91, SW2=native status)
	SWDESFireOK         = 0x9100 // Operation complete
	SWNoChanges         = 0x910C // No changes done to backup files
	SWOutOfMemory       = 0x910E // Insufficient NV memory
	SWIllegalCommand    = 0x911C // Command code not supported
	SWIntegrityError    = 0x911E // CRC or MAC does not match
	SWNoSuchKey         = 0x9140 // Invalid key number
	SWLengthError       = 0x917E // Length of command string invalid
	SWPermDenied        = 0x919D // Current configuration/status does not allow the command
	SWParameterErr      = 0x919E // Value of the parameter(s) invalid
	SWAppNotFound       = 0x91A0 // Requested AID not present on PICC
	SWAuthError         = 0x91AE // Current authentication status does not allow the command
	SWMoreData          = 0x91AF // Additional data frame is expected
	SWBoundaryError     = 0x91BE // Attempt to read/write beyond the file's limits
	SWCommandAbort      = 0x91CA // Previous command was not fully completed
	SWDuplicate         = 0x91DE // Creation of file/application failed because it already exists
	SWMemoryError       = 0x91EE // Could not complete NV-write operation
	SWDESFireFileNotFnd = 0x91F0 // Specified file number does not exist
)

// SWError represents a status word error from the card.
type SWError struct {
	Cmd byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess, SWDESFireOK:
		return "success"
	case SWNoChanges:
		return "no changes"
	case SWOutOfMemory:
		return "out of memory"
	case SWIllegalCommand:
		return "illegal command"
	case SWIntegrityError:
		return "integrity error"
	case SWNoSuchKey:
		return "no such key"
	case SWLengthError:
		return "length error"
	case SWPermDenied:
		return "permission denied"
	case SWParameterErr:
		return "parameter error"
	case SWAppNotFound:
		return "application not found"
	case SWAuthError:
		return "authentication error"
	case SWMoreData:
		return "more data expected"
	case SWBoundaryError:
		return "boundary error"
	case SWCommandAbort:
		return "command aborted"
	case SWDuplicate:
		return "duplicate"
	case SWMemoryError:
		return "memory error"
	case SWDESFireFileNotFnd, SWFileNotFound:
		return "file not found"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWWrongLength:
		return "wrong length"
	default:
		return "unknown error"
	}
}

func swOf(err error) (uint16, bool) {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW, true
	}
	return 0, false
}

// IsAuthError checks if an error is an authentication failure, either from the
// EV2First handshake or from a command rejected for lack of authentication.
func IsAuthError(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	sw, ok := swOf(err)
	return ok && (sw == SWAuthError || sw == SWSecurityNotSatisfied || sw == SWNoSuchKey)
}

// IsPermissionDenied checks if an error is a permission denied error.
func IsPermissionDenied(err error) bool {
	sw, ok := swOf(err)
	return ok && sw == SWPermDenied
}

// IsNotFound checks if the card reported a missing application or file.
func IsNotFound(err error) bool {
	sw, ok := swOf(err)
	return ok && (sw == SWAppNotFound || sw == SWDESFireFileNotFnd || sw == SWFileNotFound)
}

// IsDuplicate checks if the card refused to create an existing application or file.
func IsDuplicate(err error) bool {
	sw, ok := swOf(err)
	return ok && sw == SWDuplicate
}

// IsBoundaryError checks if an error is a boundary error (access past file end).
func IsBoundaryError(err error) bool {
	sw, ok := swOf(err)
	return ok && sw == SWBoundaryError
}

// IsTagLost reports whether err means the card left the field or the reader
// lost it mid-command.
func IsTagLost(err error) bool {
	return errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard) ||
		errors.Is(err, scard.ErrTimeout) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// SwOK checks if a status word indicates success (ISO 9000 or DESFire 9100).
func SwOK(sw uint16) bool {
	return sw == SWSuccess || sw == SWDESFireOK
}
