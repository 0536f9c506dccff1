package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestPassphraseRoundTrip(t *testing.T) {
	data := []byte("wrapped scalar bytes")

	sealed, err := EncryptWithPassphrase(data, "export passphrase")
	if err != nil {
		t.Fatalf("EncryptWithPassphrase failed: %v", err)
	}
	if bytes.Contains(sealed, data) {
		t.Error("Sealed output contains the plaintext")
	}

	opened, err := DecryptWithPassphrase(sealed, "export passphrase")
	if err != nil {
		t.Fatalf("DecryptWithPassphrase failed: %v", err)
	}
	if !bytes.Equal(opened, data) {
		t.Errorf("Opened = %q, want %q", opened, data)
	}

	if _, err := DecryptWithPassphrase(sealed, "wrong passphrase"); err == nil {
		t.Error("Wrong passphrase accepted")
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := DecryptWithPassphrase(tampered, "export passphrase"); err == nil {
		t.Error("Tampered data accepted")
	}

	if _, err := DecryptWithPassphrase([]byte("short"), "x"); err == nil {
		t.Error("Undersized input accepted")
	}
}

func TestPassphraseSaltVaries(t *testing.T) {
	a, err := EncryptWithPassphrase([]byte("same input"), "same passphrase")
	if err != nil {
		t.Fatalf("EncryptWithPassphrase failed: %v", err)
	}
	b, err := EncryptWithPassphrase([]byte("same input"), "same passphrase")
	if err != nil {
		t.Fatalf("EncryptWithPassphrase failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("Two seals of the same input produced identical output")
	}
}

func TestValueRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand failed: %v", err)
	}

	value := []byte("private scalar")
	sealed, err := EncryptValue(value, key)
	if err != nil {
		t.Fatalf("EncryptValue failed: %v", err)
	}

	opened, err := DecryptValue(sealed, key)
	if err != nil {
		t.Fatalf("DecryptValue failed: %v", err)
	}
	if !bytes.Equal(opened, value) {
		t.Errorf("Opened = %q, want %q", opened, value)
	}

	other := make([]byte, 32)
	if _, err := rand.Read(other); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	if _, err := DecryptValue(sealed, other); err == nil {
		t.Error("Wrong key accepted")
	}

	if _, err := DecryptValue([]byte("short"), key); err == nil {
		t.Error("Undersized input accepted")
	}
}

func TestCalculateChecksum(t *testing.T) {
	// Known SHA-256 of "abc"
	got := CalculateChecksum([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("CalculateChecksum = %s, want %s", got, want)
	}

	if CalculateChecksum([]byte("abc")) == CalculateChecksum([]byte("abd")) {
		t.Error("Different inputs share a checksum")
	}
}

func TestIsWeakKey(t *testing.T) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand failed: %v", err)
	}

	tests := []struct {
		name string
		key  []byte
		weak bool
	}{
		{"TooShort", make([]byte, 16), true},
		{"AllZero", make([]byte, 32), true},
		{"AllSame", bytes.Repeat([]byte{0xAA}, 32), true},
		{"LowVariety", bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 8), true},
		{"Random", random, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWeakKey(tt.key); got != tt.weak {
				t.Errorf("IsWeakKey = %v, want %v", got, tt.weak)
			}
		})
	}
}
