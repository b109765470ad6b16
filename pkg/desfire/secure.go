package desfire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ivFor derives the CBC IV for a command (prefix A5 5A) or a response
// (prefix 5A A5): ECB-encrypt(Kenc, prefix TI(4) CmdCtr(2) 00..00).
func ivFor(sess *Session, p0, p1 byte, ctr uint16) ([]byte, error) {
	in := make([]byte, 16)
	in[0] = p0
	in[1] = p1
	copy(in[2:6], sess.ti[:])
	in[6] = byte(ctr & 0xFF)
	in[7] = byte((ctr >> 8) & 0xFF)
	return aesECBEncrypt(sess.kenc[:], in)
}

// commandMAC computes MACt over Cmd(1) CmdCtr(2) TI(4) Header Data.
func commandMAC(sess *Session, cmd byte, header, data []byte) ([]byte, error) {
	in := make([]byte, 0, 7+len(header)+len(data))
	in = append(in, cmd, byte(sess.cmdCtr&0xFF), byte((sess.cmdCtr>>8)&0xFF))
	in = append(in, sess.ti[:]...)
	in = append(in, header...)
	in = append(in, data...)
	cmac, err := aesCMAC(sess.kmac[:], in)
	if err != nil {
		return nil, err
	}
	return truncateMAC(cmac), nil
}

// responseMAC computes MACt over SW2(1) CmdCtr+1(2) TI(4) Data.
func responseMAC(sess *Session, sw2 byte, ctr uint16, data []byte) ([]byte, error) {
	in := make([]byte, 0, 7+len(data))
	in = append(in, sw2, byte(ctr&0xFF), byte((ctr>>8)&0xFF))
	in = append(in, sess.ti[:]...)
	in = append(in, data...)
	cmac, err := aesCMAC(sess.kmac[:], in)
	if err != nil {
		return nil, err
	}
	return truncateMAC(cmac), nil
}

// BuildSsmApdu constructs a Full-mode secure messaging APDU: the header travels
// in clear, the data is enciphered with Kenc, and MACt is appended.
func BuildSsmApdu(sess *Session, cmd byte, header, data []byte) ([]byte, error) {
	if sess == nil {
		return nil, errors.New("session is nil")
	}

	encData := []byte{}
	if len(data) > 0 {
		ivc, err := ivFor(sess, 0xA5, 0x5A, sess.cmdCtr)
		if err != nil {
			return nil, err
		}
		encData, err = aesCBCEncrypt(sess.kenc[:], ivc, padISO9797M2(data))
		if err != nil {
			return nil, err
		}
	}

	mact, err := commandMAC(sess, cmd, header, encData)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, len(header)+len(encData)+len(mact))
	body = append(body, header...)
	body = append(body, encData...)
	body = append(body, mact...)
	if len(body) > 255 {
		return nil, fmt.Errorf("APDU data too long (%d bytes)", len(body))
	}
	apdu, err := wrap(cmd, body)
	if err != nil {
		return nil, err
	}
	slog.Debug("secure messaging",
		"cmd", fmt.Sprintf("0x%02X", cmd),
		"header", strings.ToUpper(hex.EncodeToString(header)),
		"enc_len", len(encData))
	return apdu, nil
}

// SsmCmdFull executes a Full-mode secure messaging command, verifies the
// response MAC and returns the decrypted response data. Chained response
// frames are joined before verification. The command counter advances only
// on success.
func SsmCmdFull(card Card, sess *Session, cmd byte, header, data []byte) ([]byte, error) {
	if sess == nil {
		return nil, errors.New("session is nil")
	}

	apdu, err := BuildSsmApdu(sess, cmd, header, data)
	if err != nil {
		return nil, err
	}
	resp, sw, err := transmitChained(card, apdu)
	if err != nil {
		return nil, err
	}
	if sw != SWDESFireOK {
		return nil, &SWError{Cmd: cmd, SW: sw}
	}
	respEnc, err := verifyResponse(sess, sw, resp)
	if err != nil {
		return nil, err
	}

	out := []byte{}
	if len(respEnc) > 0 {
		ivr, err := ivFor(sess, 0x5A, 0xA5, sess.cmdCtr+1)
		if err != nil {
			return nil, err
		}
		dec, err := aesCBCDecrypt(sess.kenc[:], ivr, respEnc)
		if err != nil {
			return nil, err
		}
		out, err = unpadISO9797M2(dec)
		if err != nil {
			return nil, err
		}
	}

	sess.cmdCtr++
	return out, nil
}

// SsmCmdMAC executes a MAC-mode secure messaging command: data travels in
// clear, both directions carry MACt. Returns the verified response data.
func SsmCmdMAC(card Card, sess *Session, cmd byte, data []byte) ([]byte, error) {
	if sess == nil {
		return nil, errors.New("session is nil")
	}

	mact, err := commandMAC(sess, cmd, data, nil)
	if err != nil {
		return nil, err
	}
	body := append(append([]byte{}, data...), mact...)
	apdu, err := wrap(cmd, body)
	if err != nil {
		return nil, err
	}
	resp, sw, err := transmitChained(card, apdu)
	if err != nil {
		return nil, err
	}
	if sw != SWDESFireOK {
		return nil, &SWError{Cmd: cmd, SW: sw}
	}
	out, err := verifyResponse(sess, sw, resp)
	if err != nil {
		return nil, err
	}
	sess.cmdCtr++
	return out, nil
}

// verifyResponse splits resp into data and MACt and checks the MAC.
func verifyResponse(sess *Session, sw uint16, resp []byte) ([]byte, error) {
	if len(resp) < 8 {
		return nil, fmt.Errorf("response too short (len=%d, SW=%04X)", len(resp), sw)
	}
	n := len(resp) - 8
	want, err := responseMAC(sess, byte(sw&0xFF), sess.cmdCtr+1, resp[:n])
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(resp[n:], want) {
		return nil, errors.New("response MAC mismatch")
	}
	return resp[:n], nil
}
