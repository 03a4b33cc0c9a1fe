package rfb

import (
	"crypto/des"
	"crypto/rand"
)

// MakeChallenge returns a random 16-byte VNC-Auth challenge.
func MakeChallenge() ([16]byte, error) {
	var challenge [16]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return challenge, err
	}
	return challenge, nil
}

// EncryptChallenge applies the VNC password mangling: the password is
// NUL-padded or truncated to 8 bytes and each key byte has its bit order
// reversed before use as a DES key.
func EncryptChallenge(challenge [16]byte, passwd []byte) ([16]byte, error) {
	var response [16]byte

	cipher, err := des.NewCipher(makeKey(passwd))
	if err != nil {
		return response, err
	}

	cipher.Encrypt(response[0:8], challenge[0:8])
	cipher.Encrypt(response[8:16], challenge[8:16])
	return response, nil
}

func makeKey(passwd []byte) []byte {
	key := make([]byte, 8)
	copy(key, passwd)
	for i := range key {
		key[i] = (key[i]&0x55)<<1 | (key[i]&0xAA)>>1
		key[i] = (key[i]&0x33)<<2 | (key[i]&0xCC)>>2
		key[i] = (key[i]&0x0F)<<4 | (key[i]&0xF0)>>4
	}
	return key
}
