package desfire

import (
	"fmt"

	"github.com/skythen/apdu"
)

// Card abstracts card transmit behavior for real PC/SC cards and test doubles.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Native DESFire command codes used by this package.
const (
	insAuthenticateEV2First = 0x71
	insAdditionalFrame      = 0xAF
	insSelectApplication    = 0x5A
	insCreateApplication    = 0xCA
	insDeleteApplication    = 0xDA
	insGetApplicationIDs    = 0x6A
	insGetVersion           = 0x60
	insChangeKey            = 0xC4
	insChangeKeySettings    = 0x54
	insCreateStdDataFile    = 0xCD
	insReadData             = 0xBD
	insWriteData            = 0x3D
)

// maxNe requests the full short-APDU response (encoded as Le=0x00).
const maxNe = 256

// wrap builds an ISO 7816 wrapped native command: 90 INS 00 00 [Lc data] 00.
func wrap(ins byte, data []byte) ([]byte, error) {
	c := apdu.Capdu{Cla: 0x90, Ins: ins, Data: data, Ne: maxNe}
	return c.Bytes()
}

// Transmit sends an APDU to the card and extracts the status word.
// Returns (response_data, status_word, error).
// The response data does NOT include the trailing SW bytes.
func Transmit(card Card, cmd []byte) ([]byte, uint16, error) {
	resp, err := card.Transmit(cmd)
	if err != nil {
		return nil, 0, err
	}
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("short response: %d bytes", len(resp))
	}
	r, err := apdu.ParseRapdu(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("parse response: %w", err)
	}
	sw := uint16(r.SW1)<<8 | uint16(r.SW2)
	return r.Data, sw, nil
}

// transmitChained sends cmd and follows additional-frame responses (SW=91AF)
// until the card reports a final status. The returned data is the
// concatenation of every frame.
func transmitChained(card Card, cmd []byte) ([]byte, uint16, error) {
	data, sw, err := Transmit(card, cmd)
	if err != nil {
		return nil, 0, err
	}
	out := append([]byte{}, data...)
	for sw == SWMoreData {
		next, err := wrap(insAdditionalFrame, nil)
		if err != nil {
			return nil, 0, err
		}
		data, sw, err = Transmit(card, next)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, data...)
	}
	return out, sw, nil
}

// command executes an unauthenticated native command and returns the
// (possibly chained) response data.
func command(card Card, ins byte, data []byte) ([]byte, error) {
	cmd, err := wrap(ins, data)
	if err != nil {
		return nil, err
	}
	resp, sw, err := transmitChained(card, cmd)
	if err != nil {
		return nil, err
	}
	if !SwOK(sw) {
		return nil, &SWError{Cmd: ins, SW: sw}
	}
	return resp, nil
}

// exec runs a command whose data travels in plain. With an active session
// the command and the response are MACed; without one it is sent as is.
func exec(card Card, sess *Session, ins byte, data []byte) ([]byte, error) {
	if sess == nil {
		return command(card, ins, data)
	}
	return SsmCmdMAC(card, sess, ins, data)
}
