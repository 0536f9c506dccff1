package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Multi-recipient envelope: a random file key encrypts the payload once,
// and is wrapped separately for each recipient with an ephemeral X25519
// exchange. Any single recipient private key unwraps the file key.
//
// Layout:
//
//	magic(4) | count(1) | count * stanza | payloadNonce(12) | sealed payload
//	stanza = ephemeralPub(32) | nonce(12) | wrappedFileKey(32+16)
//
// The header bytes through the last stanza are bound to the payload as AAD,
// so stripping or reordering recipients breaks authentication.

const (
	envelopeMagic = "FVE1"

	// MaxRecipients bounds the stanza count. Matches the per-vault key cap.
	MaxRecipients = 4

	fileKeySize  = 32
	stanzaSize   = curve25519.PointSize + chacha20poly1305.NonceSize + fileKeySize + chacha20poly1305.Overhead
	headerFixed  = len(envelopeMagic) + 1
	envelopeMin  = headerFixed + stanzaSize + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
)

// ErrAuthFailure is returned when no recipient stanza can be unwrapped with
// the presented identity, or the payload fails authentication.
var ErrAuthFailure = errors.New("authentication failed: key is not a recipient or data is corrupt")

// GenerateIdentity creates a random X25519 identity. The private scalar is
// returned sealed in an enclave; the public key is base64.
func GenerateIdentity() (*memguard.Enclave, string, error) {
	scalar := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(scalar); err != nil {
		return nil, "", fmt.Errorf("failed to generate identity: %w", err)
	}

	public, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		memguard.WipeBytes(scalar)
		return nil, "", fmt.Errorf("failed to compute public key: %w", err)
	}

	// NewEnclave wipes the source slice.
	return memguard.NewEnclave(scalar), base64.StdEncoding.EncodeToString(public), nil
}

// DeriveIdentity deterministically derives an X25519 identity from a
// passphrase and the installation salt using argon2id. The same passphrase
// and salt always yield the same keypair, which is what makes passphrase
// recipients recoverable on a fresh machine.
func DeriveIdentity(passphrase []byte, saltEnclave *memguard.Enclave) (*memguard.Enclave, string, error) {
	if len(passphrase) == 0 {
		return nil, "", errors.New("passphrase cannot be empty")
	}

	derived, err := DeriveKey(passphrase, saltEnclave)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive identity scalar: %w", err)
	}

	scalar := make([]byte, curve25519.ScalarSize)
	copy(scalar, derived.Bytes())
	derived.Destroy()

	public, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		memguard.WipeBytes(scalar)
		return nil, "", fmt.Errorf("failed to compute public key: %w", err)
	}

	return memguard.NewEnclave(scalar), base64.StdEncoding.EncodeToString(public), nil
}

// PublicKeyOf recomputes the base64 public key for an identity enclave.
func PublicKeyOf(identity *memguard.Enclave) (string, error) {
	buf, err := identity.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open identity: %w", err)
	}
	defer buf.Destroy()

	public, err := curve25519.X25519(buf.Bytes(), curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to compute public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(public), nil
}

// wrapKeyFor derives the stanza wrapping key from the shared secret and
// both public halves, binding the stanza to this exact pair.
func wrapKeyFor(shared, ephemeralPub, recipientPub []byte) []byte {
	h := sha256.New()
	h.Write(shared)
	h.Write(ephemeralPub)
	h.Write(recipientPub)
	return h.Sum(nil)
}

// SealToRecipients encrypts plaintext to 1..MaxRecipients base64 public
// keys. Any one matching private key opens the result.
func SealToRecipients(plaintext []byte, recipientPublicKeys []string) ([]byte, error) {
	if len(recipientPublicKeys) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	if len(recipientPublicKeys) > MaxRecipients {
		return nil, fmt.Errorf("too many recipients: %d (max %d)", len(recipientPublicKeys), MaxRecipients)
	}

	fileKey := make([]byte, fileKeySize)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, fmt.Errorf("failed to generate file key: %w", err)
	}
	defer memguard.WipeBytes(fileKey)

	header := make([]byte, 0, headerFixed+len(recipientPublicKeys)*stanzaSize)
	header = append(header, envelopeMagic...)
	header = append(header, byte(len(recipientPublicKeys)))

	for _, encoded := range recipientPublicKeys {
		recipientPub, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(recipientPub) != curve25519.PointSize {
			return nil, fmt.Errorf("invalid recipient public key %q", encoded)
		}

		ephemeral := make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(ephemeral); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
		ephemeralPub, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
		if err != nil {
			memguard.WipeBytes(ephemeral)
			return nil, fmt.Errorf("failed to compute ephemeral public key: %w", err)
		}
		shared, err := curve25519.X25519(ephemeral, recipientPub)
		memguard.WipeBytes(ephemeral)
		if err != nil {
			return nil, fmt.Errorf("failed to compute shared secret: %w", err)
		}

		wrapKey := wrapKeyFor(shared, ephemeralPub, recipientPub)
		memguard.WipeBytes(shared)

		aead, err := chacha20poly1305.New(wrapKey)
		memguard.WipeBytes(wrapKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create wrap cipher: %w", err)
		}

		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate stanza nonce: %w", err)
		}

		header = append(header, ephemeralPub...)
		header = append(header, nonce...)
		header = append(header, aead.Seal(nil, nonce, fileKey, nil)...)
	}

	payloadAEAD, err := chacha20poly1305.New(fileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cipher: %w", err)
	}
	payloadNonce := make([]byte, payloadAEAD.NonceSize())
	if _, err := rand.Read(payloadNonce); err != nil {
		return nil, fmt.Errorf("failed to generate payload nonce: %w", err)
	}

	out := make([]byte, 0, len(header)+len(payloadNonce)+len(plaintext)+payloadAEAD.Overhead())
	out = append(out, header...)
	out = append(out, payloadNonce...)
	out = payloadAEAD.Seal(out, payloadNonce, plaintext, header)
	return out, nil
}

// OpenWithIdentity tries each stanza against the identity and decrypts the
// payload with the first file key that unwraps. Returns ErrAuthFailure when
// the identity matches no stanza.
func OpenWithIdentity(ciphertext []byte, identity *memguard.Enclave) ([]byte, error) {
	if len(ciphertext) < envelopeMin {
		return nil, errors.New("envelope too short")
	}
	if string(ciphertext[:len(envelopeMagic)]) != envelopeMagic {
		return nil, errors.New("not an envelope: bad magic")
	}

	count := int(ciphertext[len(envelopeMagic)])
	if count < 1 || count > MaxRecipients {
		return nil, fmt.Errorf("invalid recipient count: %d", count)
	}
	headerLen := headerFixed + count*stanzaSize
	if len(ciphertext) < headerLen+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("envelope truncated")
	}
	header := ciphertext[:headerLen]

	buf, err := identity.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open identity: %w", err)
	}
	defer buf.Destroy()

	var fileKey []byte
	for i := 0; i < count; i++ {
		stanza := header[headerFixed+i*stanzaSize : headerFixed+(i+1)*stanzaSize]
		ephemeralPub := stanza[:curve25519.PointSize]
		nonce := stanza[curve25519.PointSize : curve25519.PointSize+chacha20poly1305.NonceSize]
		wrapped := stanza[curve25519.PointSize+chacha20poly1305.NonceSize:]

		shared, err := curve25519.X25519(buf.Bytes(), ephemeralPub)
		if err != nil {
			continue
		}
		recipientPub, err := curve25519.X25519(buf.Bytes(), curve25519.Basepoint)
		if err != nil {
			memguard.WipeBytes(shared)
			continue
		}

		wrapKey := wrapKeyFor(shared, ephemeralPub, recipientPub)
		memguard.WipeBytes(shared)

		aead, err := chacha20poly1305.New(wrapKey)
		memguard.WipeBytes(wrapKey)
		if err != nil {
			continue
		}

		if key, err := aead.Open(nil, nonce, wrapped, nil); err == nil {
			fileKey = key
			break
		}
	}
	if fileKey == nil {
		return nil, ErrAuthFailure
	}
	defer memguard.WipeBytes(fileKey)

	payloadAEAD, err := chacha20poly1305.New(fileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cipher: %w", err)
	}

	payloadNonce := ciphertext[headerLen : headerLen+payloadAEAD.NonceSize()]
	sealed := ciphertext[headerLen+payloadAEAD.NonceSize():]

	plaintext, err := payloadAEAD.Open(nil, payloadNonce, sealed, header)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
