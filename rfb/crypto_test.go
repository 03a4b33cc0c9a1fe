package rfb

import (
	"bytes"
	"testing"
)

func TestEncryptChallengeZeroKey(t *testing.T) {
	// DES with an all-zero key over an all-zero block is a known vector
	var challenge [16]byte
	response, err := EncryptChallenge(challenge, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{0x8C, 0xA6, 0x4D, 0xE9, 0xC1, 0xB1, 0x23, 0xA7}
	if !bytes.Equal(response[0:8], expected) {
		t.Fatalf("Expected %x, got %x", expected, response[0:8])
	}
	if !bytes.Equal(response[8:16], expected) {
		t.Fatalf("Expected %x, got %x", expected, response[8:16])
	}
}

func TestEncryptChallengePasswdTruncated(t *testing.T) {
	challenge, err := MakeChallenge()
	if err != nil {
		t.Fatal(err)
	}

	full, err := EncryptChallenge(challenge, []byte("longpassword"))
	if err != nil {
		t.Fatal(err)
	}
	truncated, err := EncryptChallenge(challenge, []byte("longpass"))
	if err != nil {
		t.Fatal(err)
	}
	if full != truncated {
		t.Fatalf("Expected only the first 8 bytes to matter, got %x != %x", full, truncated)
	}

	other, err := EncryptChallenge(challenge, []byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	if full == other {
		t.Fatal("Expected different responses for different passwords")
	}
}

func TestMakeChallengeRandom(t *testing.T) {
	a, err := MakeChallenge()
	if err != nil {
		t.Fatal(err)
	}
	b, err := MakeChallenge()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("Expected two different challenges")
	}
}
