/*
Package desfire talks to MIFARE DESFire EV2/EV3 cards through a PC/SC reader.

It provides:
  - ISO 7816 wrapping of native commands (CLA 0x90) and additional-frame chaining
  - EV2First AES authentication with session management
  - Secure messaging in MAC and Full (enciphered) mode
  - Application lifecycle (select, create, delete, list) and key settings
  - Key change for the authenticated slot and for other slots
  - Standard data files (create, read, write)
  - GetVersion and a PC/SC connection wrapper

# Wrapped Native Commands

Every native command is sent as

	90 <INS> 00 00 [Lc <data>] 00

and answered with <data> 91 <status>. Status 0x00 is success, 0xAF means the
card holds more data: send 90 AF 00 00 00 until the status changes. Commands
in this package follow chaining transparently.

# Application Identifiers

AIDs are written MSB first ("C0FFEE") and sent LSB first (EE FF C0).
AID 000000 is the PICC (card) level. Selecting any application drops the
current authentication; authenticate again after every select.

# Key Settings Byte

	bits 7-4: ChangeKey access (0x0 master key, 0x1-0xD key N, 0xE same key, 0xF frozen)
	bit 3:    settings changeable
	bit 2:    create/delete without master key
	bit 1:    directory access without master key
	bit 0:    master key changeable

0x09 lets only the master key change keys and settings and requires it for
create/delete and directory access. 0x00 is the same policy with settings and
master key frozen; ChangeKeySettings then fails with SW=919D.

# Access Rights

The 16-bit value is [Read | Write | ReadWrite | Change], stored little-endian:

	AR1 = [ReadWrite nibble | Change nibble]
	AR2 = [Read nibble      | Write nibble]

Nibbles 0x0-0xD name a key slot, 0xE is free, 0xF is denied.

# Operation: AuthenticateEV2First (INS 0x71 + 0xAF)

Phase 1:

	Command:  90 71 00 00 02 <keyNo> 00 00
	Response: <EncRndB(16)> | SW=91AF

Phase 2:

	Command:  90 AF 00 00 20 <Enc(RndA||RndB')(32)> 00
	Response: <Enc(TI||RndA'||caps)(32)> | SW=9100

Session derivation:

	SV1 = A5 5A 00 01 00 80 || rndA[0:2] || (rndA[2:8] XOR rndB[0:6]) || rndB[6:16] || rndA[8:16]
	SV2 = 5A A5 00 01 00 80 || (same fill)
	Kenc = AES-CMAC(key, SV1)
	Kmac = AES-CMAC(key, SV2)

Fail states:

	SW=91AE  Wrong key for slot
	SW=9140  No such key
	rndA verification failed: decryption produced the wrong RndA'

# Operation: ChangeKey (INS 0xC4)

Full mode, header [keyNo].

	Same slot as the session:  NewKey(16) || KeyVer(1)
	Other slot:                NewKey^OldKey(16) || KeyVer(1) || CRC32(NewKey)(4)

Changing the authenticated slot answers with a bare SW=9100 and ends the
session.

# Fail State Reference

	SW=9100  Success
	SW=91AF  Additional frame expected
	SW=917E  Length error
	SW=91AE  Authentication error
	SW=919D  Permission denied
	SW=919E  Parameter error
	SW=91A0  Application not found
	SW=91BE  Boundary error (read/write past end of file)
	SW=91DE  Duplicate (application or file exists)
	SW=91F0  File not found
*/
package desfire
