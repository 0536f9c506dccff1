package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/fanvault/internal/misc"
)

const passphraseSaltSize = 32

// EncryptWithPassphrase seals data under a passphrase for export files.
// Unlike DeriveKey, each call generates its own salt; the output is
// salt | nonce | ciphertext and needs nothing but the passphrase to open.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, passphraseSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(data)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// DecryptWithPassphrase opens data sealed by EncryptWithPassphrase.
func DecryptWithPassphrase(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < passphraseSaltSize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("sealed data too short")
	}

	salt := sealed[:passphraseSaltSize]
	nonce := sealed[passphraseSaltSize : passphraseSaltSize+chacha20poly1305.NonceSize]
	ciphertext := sealed[passphraseSaltSize+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// CalculateChecksum returns the hex SHA-256 of data.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// DeriveKey stretches a passphrase into key material with argon2id using
// the installation salt. Deterministic for a given passphrase and salt;
// the result comes back in a locked buffer.
func DeriveKey(passphrase []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}

	salt := make([]byte, len(saltBuffer.Bytes()))
	copy(salt, saltBuffer.Bytes())
	saltBuffer.Destroy()
	defer memguard.WipeBytes(salt)

	derived := argon2.IDKey(
		passphrase,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes the source slice.
	return memguard.NewBufferFromBytes(derived), nil
}

// EncryptValue seals a value under an already-derived key. Output is
// nonce | ciphertext.
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(value)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, value, nil), nil
}

// DecryptValue opens a value sealed by EncryptValue.
func DecryptValue(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed data too short")
	}

	nonce := sealed[:aead.NonceSize()]
	ciphertext := sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// IsWeakKey rejects key material that is too short, constant, or shows
// too little byte variety to have come from a proper derivation.
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	variety := make(map[byte]struct{}, len(key))
	allSame := true
	for _, b := range key {
		if b != key[0] {
			allSame = false
		}
		variety[b] = struct{}{}
	}
	if allSame {
		return true
	}
	return len(variety) < 16
}
