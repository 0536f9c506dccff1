package fanvault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/fanvault/internal/crypto"
	"southwinds.dev/fanvault/persist"
)

const identityExportVersion = 1

// IdentityExport is the portable form of a key's private material: the
// scalar sealed under an export passphrase, plus enough metadata to
// re-register the key on another machine. The checksum covers the sealed
// bytes so a corrupted file fails before any decryption is attempted.
type IdentityExport struct {
	SchemaVersion int       `json:"schema_version"`
	Kind          KeyKind   `json:"kind"`
	Label         string    `json:"label"`
	PublicKey     string    `json:"public_key"`
	Checksum      string    `json:"checksum"`
	Data          string    `json:"data"`
	ExportedAt    time.Time `json:"exported_at"`
}

// ExportIdentity seals the identity's private scalar under the export
// passphrase and returns a self-describing JSON document.
func ExportIdentity(identity *Identity, exportPassphrase string) ([]byte, error) {
	if identity == nil || identity.Private == nil {
		return nil, fmt.Errorf("identity has no private material to export")
	}
	if exportPassphrase == "" {
		return nil, fmt.Errorf("an export passphrase is required")
	}

	buf, err := identity.Private.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open identity: %w", err)
	}
	sealed, err := crypto.EncryptWithPassphrase(buf.Bytes(), exportPassphrase)
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("failed to seal identity: %w", err)
	}

	export := IdentityExport{
		SchemaVersion: identityExportVersion,
		Kind:          identity.Kind,
		Label:         identity.Label,
		PublicKey:     identity.PublicKey,
		Checksum:      crypto.CalculateChecksum(sealed),
		Data:          base64.StdEncoding.EncodeToString(sealed),
		ExportedAt:    time.Now().UTC(),
	}
	return json.MarshalIndent(export, "", "  ")
}

// ImportIdentity opens an export document, verifies its checksum and that
// the recovered scalar matches the recorded public key, and returns the
// identity ready for registration.
func ImportIdentity(data []byte, exportPassphrase string) (*Identity, error) {
	var export IdentityExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("not an identity export: %w", err)
	}
	if export.SchemaVersion != identityExportVersion {
		return nil, fmt.Errorf("unsupported export version %d", export.SchemaVersion)
	}

	sealed, err := base64.StdEncoding.DecodeString(export.Data)
	if err != nil {
		return nil, fmt.Errorf("corrupt export data: %w", err)
	}
	if actual := crypto.CalculateChecksum(sealed); actual != export.Checksum {
		return nil, fmt.Errorf("export checksum mismatch: file is corrupt")
	}

	scalar, err := crypto.DecryptWithPassphrase(sealed, exportPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: wrong passphrase or corrupt data")
	}

	private := memguard.NewEnclave(scalar)
	public, err := crypto.PublicKeyOf(private)
	if err != nil {
		return nil, fmt.Errorf("failed to validate imported identity: %w", err)
	}
	if export.PublicKey != "" && public != export.PublicKey {
		return nil, fmt.Errorf("imported material does not match the recorded public key")
	}

	return &Identity{
		Kind:      export.Kind,
		Label:     export.Label,
		PublicKey: public,
		Private:   private,
	}, nil
}

// StoreIdentityMaterial wraps the identity's private scalar under the
// installation salt derivation of the passphrase and persists it, returning
// the material reference for the registry entry. A key with stored material
// reports as connected without re-deriving from the passphrase.
func StoreIdentityMaterial(store persist.Store, identity *Identity, passphrase string) (string, error) {
	if identity == nil || identity.Private == nil {
		return "", fmt.Errorf("identity has no private material to store")
	}
	if passphrase == "" {
		return "", fmt.Errorf("a passphrase is required to wrap key material")
	}

	salt, err := loadOrCreateSalt(store)
	if err != nil {
		return "", err
	}
	wrapKey, err := crypto.DeriveKey([]byte(passphrase), salt)
	if err != nil {
		return "", fmt.Errorf("failed to derive wrap key: %w", err)
	}
	defer wrapKey.Destroy()

	buf, err := identity.Private.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open identity: %w", err)
	}
	wrapped, err := crypto.EncryptValue(buf.Bytes(), wrapKey.Bytes())
	buf.Destroy()
	if err != nil {
		return "", fmt.Errorf("failed to wrap key material: %w", err)
	}

	ref := "km-" + uuid.New().String()
	if err := store.SaveKeyMaterial(ref, wrapped); err != nil {
		return "", fmt.Errorf("failed to persist key material: %w", err)
	}
	return ref, nil
}

// LoadIdentityMaterial unwraps stored key material back into an enclave.
func LoadIdentityMaterial(store persist.Store, ref, passphrase string) (*memguard.Enclave, error) {
	if ref == "" {
		return nil, fmt.Errorf("no material reference")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("a passphrase is required to unwrap key material")
	}

	wrapped, err := store.LoadKeyMaterial(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load key material %s: %w", ref, err)
	}

	salt, err := loadOrCreateSalt(store)
	if err != nil {
		return nil, err
	}
	wrapKey, err := crypto.DeriveKey([]byte(passphrase), salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrap key: %w", err)
	}
	defer wrapKey.Destroy()

	scalar, err := crypto.DecryptValue(wrapped, wrapKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key material: wrong passphrase or corrupt data")
	}
	return memguard.NewEnclave(scalar), nil
}
