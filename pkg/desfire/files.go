package desfire

import (
	"fmt"
)

// CommMode is the communication mode of a file.
type CommMode byte

const (
	CommPlain      CommMode = 0x00
	CommMAC        CommMode = 0x01
	CommEnciphered CommMode = 0x03
)

func (m CommMode) String() string {
	switch m {
	case CommPlain:
		return "plain"
	case CommMAC:
		return "mac"
	case CommEnciphered:
		return "enciphered"
	default:
		return fmt.Sprintf("CommMode(0x%02X)", byte(m))
	}
}

// Access condition nibbles for AccessRights.
const (
	AccessKey0 byte = 0x0
	AccessFree byte = 0xE
	AccessNone byte = 0xF
)

// AccessRights holds the four access condition nibbles of a file.
type AccessRights struct {
	Read      byte
	Write     byte
	ReadWrite byte
	Change    byte
}

// Bytes encodes the rights little-endian: [RW<<4|Change, Read<<4|Write].
func (a AccessRights) Bytes() [2]byte {
	return [2]byte{
		(a.ReadWrite&0x0F)<<4 | (a.Change & 0x0F),
		(a.Read&0x0F)<<4 | (a.Write & 0x0F),
	}
}

// ParseAccessRights decodes the two access rights bytes.
func ParseAccessRights(b [2]byte) AccessRights {
	return AccessRights{
		ReadWrite: b[0] >> 4,
		Change:    b[0] & 0x0F,
		Read:      b[1] >> 4,
		Write:     b[1] & 0x0F,
	}
}

// maxFileSize is the largest offset or size that fits the 3-byte fields.
const maxFileSize = 0xFFFFFF

// writeChunk keeps each enciphered WriteData frame well inside a short APDU.
const writeChunk = 128

func le24(v int) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

// CreateStdDataFile creates a standard data file of a fixed size (INS 0xCD)
// in the selected application.
func CreateStdDataFile(card Card, sess *Session, fileNo byte, comm CommMode, access AccessRights, size int) error {
	if size <= 0 || size > maxFileSize {
		return fmt.Errorf("file size %d out of range", size)
	}
	ar := access.Bytes()
	data := []byte{fileNo, byte(comm), ar[0], ar[1]}
	data = append(data, le24(size)...)
	_, err := exec(card, sess, insCreateStdDataFile, data)
	return err
}

// ReadData reads length bytes at offset from a standard data file (INS 0xBD).
// A length of 0 reads the whole file from offset. In enciphered mode the
// response is decrypted and MAC-checked with the session keys.
func ReadData(card Card, sess *Session, fileNo byte, offset, length int, comm CommMode) ([]byte, error) {
	if offset < 0 || offset > maxFileSize || length < 0 || length > maxFileSize {
		return nil, fmt.Errorf("read range out of bounds (offset=%d length=%d)", offset, length)
	}
	header := []byte{fileNo}
	header = append(header, le24(offset)...)
	header = append(header, le24(length)...)

	switch comm {
	case CommEnciphered:
		return SsmCmdFull(card, sess, insReadData, header, nil)
	case CommMAC:
		return SsmCmdMAC(card, sess, insReadData, header)
	default:
		resp, err := command(card, insReadData, header)
		if err == nil && sess != nil {
			sess.cmdCtr++
		}
		return resp, err
	}
}

// WriteData writes data at offset into a standard data file (INS 0x3D),
// splitting it into frames of at most writeChunk bytes.
func WriteData(card Card, sess *Session, fileNo byte, offset int, data []byte, comm CommMode) error {
	if offset < 0 || offset+len(data) > maxFileSize {
		return fmt.Errorf("write range out of bounds (offset=%d length=%d)", offset, len(data))
	}
	for pos := 0; pos < len(data); pos += writeChunk {
		end := pos + writeChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[pos:end]
		header := []byte{fileNo}
		header = append(header, le24(offset+pos)...)
		header = append(header, le24(len(chunk))...)

		var err error
		switch comm {
		case CommEnciphered:
			_, err = SsmCmdFull(card, sess, insWriteData, header, chunk)
		case CommMAC:
			_, err = SsmCmdMAC(card, sess, insWriteData, append(header, chunk...))
		default:
			_, err = command(card, insWriteData, append(header, chunk...))
			if err == nil && sess != nil {
				sess.cmdCtr++
			}
		}
		if err != nil {
			return fmt.Errorf("write at offset %d: %w", offset+pos, err)
		}
	}
	return nil
}
