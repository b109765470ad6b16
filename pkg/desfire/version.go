package desfire

import "fmt"

// Version holds the hardware and software version information from GetVersion.
type Version struct {
	HWVendorID    byte   // Hardware vendor ID
	HWType        byte   // Hardware type
	HWSubType     byte   // Hardware subtype
	HWMajorVer    byte   // Hardware major version
	HWMinorVer    byte   // Hardware minor version
	HWStorageSize byte   // Hardware storage size
	HWProtocol    byte   // Hardware protocol
	SWVendorID    byte   // Software vendor ID
	SWType        byte   // Software type
	SWSubType     byte   // Software subtype
	SWMajorVer    byte   // Software major version
	SWMinorVer    byte   // Software minor version
	SWStorageSize byte   // Software storage size
	SWProtocol    byte   // Software protocol
	UID           []byte // 7-byte UID
	BatchNo       []byte // 5-byte batch number
	ProdYear      byte   // Production year (BCD)
	ProdWeek      byte   // Production week (BCD)
}

// GetVersion retrieves the chip version (INS 0x60). The card answers in three
// frames of 7, 7 and 14 bytes which are collected through additional frames.
func GetVersion(card Card) (*Version, error) {
	resp, err := command(card, insGetVersion, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) < 28 {
		return nil, fmt.Errorf("GetVersion: short response (len=%d)", len(resp))
	}

	return &Version{
		HWVendorID:    resp[0],
		HWType:        resp[1],
		HWSubType:     resp[2],
		HWMajorVer:    resp[3],
		HWMinorVer:    resp[4],
		HWStorageSize: resp[5],
		HWProtocol:    resp[6],
		SWVendorID:    resp[7],
		SWType:        resp[8],
		SWSubType:     resp[9],
		SWMajorVer:    resp[10],
		SWMinorVer:    resp[11],
		SWStorageSize: resp[12],
		SWProtocol:    resp[13],
		UID:           append([]byte{}, resp[14:21]...),
		BatchNo:       append([]byte{}, resp[21:26]...),
		ProdWeek:      resp[26],
		ProdYear:      resp[27],
	}, nil
}
