package fanvault

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"southwinds.dev/fanvault/internal/crypto"
	"southwinds.dev/fanvault/persist"
)

// Cipher is the boundary to the authenticated multi-recipient primitive.
// The engine owns only the fan-out protocol around it.
type Cipher interface {
	// Seal encrypts plaintext so any one of the recipient public keys can
	// open it.
	Seal(plaintext []byte, recipientPublicKeys []string) ([]byte, error)

	// Open decrypts with a single private key. A key outside the recipient
	// set fails authentication and yields no output.
	Open(ciphertext []byte, identity *memguard.Enclave) ([]byte, error)
}

// EnvelopeCipher is the default Cipher: per-recipient X25519 key wrapping
// over a ChaCha20-Poly1305 payload.
type EnvelopeCipher struct{}

func (EnvelopeCipher) Seal(plaintext []byte, recipientPublicKeys []string) ([]byte, error) {
	return crypto.SealToRecipients(plaintext, recipientPublicKeys)
}

func (EnvelopeCipher) Open(ciphertext []byte, identity *memguard.Enclave) ([]byte, error) {
	plaintext, err := crypto.OpenWithIdentity(ciphertext, identity)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailure) {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		return nil, err
	}
	return plaintext, nil
}

// Identity pairs a registry key id with the private material needed to
// open an envelope. For an unregistered recovery key the id is empty and
// the kind/label describe what should be registered after a successful
// decrypt.
type Identity struct {
	KeyID     string
	Kind      KeyKind
	Label     string
	PublicKey string
	Private   *memguard.Enclave
}

// NewPassphraseIdentity derives a deterministic identity from a passphrase
// and the installation salt held by the store, creating the salt on first
// use. Weak derived scalars are rejected.
func NewPassphraseIdentity(store persist.Store, passphrase, label string) (*Identity, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	salt, err := loadOrCreateSalt(store)
	if err != nil {
		return nil, err
	}

	private, public, err := crypto.DeriveIdentity([]byte(passphrase), salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive passphrase identity: %w", err)
	}

	buf, err := private.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to inspect derived identity: %w", err)
	}
	weak := crypto.IsWeakKey(buf.Bytes())
	scalar := make([]byte, len(buf.Bytes()))
	copy(scalar, buf.Bytes())
	buf.Destroy()
	if weak {
		memguard.WipeBytes(scalar)
		return nil, fmt.Errorf("derived key material failed the entropy check")
	}

	return &Identity{
		Kind:      KindPassphrase,
		Label:     label,
		PublicKey: public,
		Private:   memguard.NewEnclave(scalar),
	}, nil
}

// loadOrCreateSalt returns the installation derivation salt, generating and
// persisting it on first use.
func loadOrCreateSalt(store persist.Store) (*memguard.Enclave, error) {
	exists, err := store.SaltExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check derivation salt: %w", err)
	}
	if exists {
		data, err := store.LoadSalt()
		if err != nil {
			return nil, fmt.Errorf("failed to load derivation salt: %w", err)
		}
		return memguard.NewEnclave(data), nil
	}

	salt := memguard.NewBufferRandom(32)
	defer salt.Destroy()
	saved := make([]byte, 32)
	copy(saved, salt.Bytes())
	if err := store.SaveSalt(saved); err != nil {
		memguard.WipeBytes(saved)
		return nil, fmt.Errorf("failed to save derivation salt: %w", err)
	}
	return memguard.NewEnclave(saved), nil
}
