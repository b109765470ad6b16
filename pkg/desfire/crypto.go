package desfire

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const blockSize = aes.BlockSize

func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%blockSize != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%blockSize != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesECBEncrypt(key, in []byte) ([]byte, error) {
	if len(in) != blockSize {
		return nil, fmt.Errorf("ECB input must be %d bytes", blockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, blockSize)
	block.Encrypt(out, in)
	return out, nil
}

// padISO9797M2 always appends 0x80 and zero-fills to the next block boundary.
func padISO9797M2(data []byte) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpadISO9797M2(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.New("bad padding")
	}
	return data[:idx], nil
}

func rotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

func rotateRight1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}

// aesCMAC computes AES-CMAC (NIST SP 800-38B / RFC 4493).
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := cmacSubkeys(block)

	n := (len(msg) + blockSize - 1) / blockSize
	if n == 0 {
		n = 1
	}
	last := make([]byte, blockSize)
	tail := msg[(n-1)*blockSize:]
	if len(msg) != 0 && len(msg)%blockSize == 0 {
		copy(last, tail)
		xorBlock(last, last, k1)
	} else {
		copy(last, tail)
		last[len(tail)] = 0x80
		xorBlock(last, last, k2)
	}

	x := make([]byte, blockSize)
	y := make([]byte, blockSize)
	for i := 0; i < n-1; i++ {
		xorBlock(y, x, msg[i*blockSize:(i+1)*blockSize])
		block.Encrypt(x, y)
	}
	xorBlock(y, x, last)
	block.Encrypt(x, y)
	return x, nil
}

func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87
	l := make([]byte, blockSize)
	block.Encrypt(l, make([]byte, blockSize))

	k1 = make([]byte, blockSize)
	leftShift1(k1, l)
	if l[0]&0x80 != 0 {
		k1[blockSize-1] ^= rb
	}

	k2 = make([]byte, blockSize)
	leftShift1(k2, k1)
	if k1[0]&0x80 != 0 {
		k2[blockSize-1] ^= rb
	}
	return k1, k2
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// truncateMAC keeps the odd-indexed bytes of a CMAC, the 8-byte MACt used by
// EV2 secure messaging.
func truncateMAC(cmac []byte) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = cmac[1+i*2]
	}
	return out
}
