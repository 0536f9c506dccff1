package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the durable key-value interface behind the key registry
// and the per-vault manifests. All writes replace atomically: a reader
// never observes a partial blob. The registry blob and salt are written
// with optimistic concurrency; wrapped key material is written
// last-writer-wins because each blob belongs to exactly one key.
type Store interface {

	// Registry blob

	// SaveRegistry replaces the registry blob. expectedVersion is the
	// version observed at load time; "" skips the check (first write).
	// Returns the new version.
	SaveRegistry(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadRegistry retrieves the registry blob with its current version.
	LoadRegistry() (*VersionedData, error)

	// RegistryExists checks whether a registry blob is present.
	RegistryExists() (bool, error)

	// Per-vault manifest blobs

	// SaveManifest replaces the manifest blob for one vault.
	SaveManifest(vaultID string, data []byte, expectedVersion string) (newVersion string, err error)

	// LoadManifest retrieves one vault's manifest blob.
	LoadManifest(vaultID string) (*VersionedData, error)

	// ManifestExists checks whether the vault has a manifest blob.
	ManifestExists(vaultID string) (bool, error)

	// ListVaults returns the vault IDs that have a manifest blob.
	ListVaults() ([]string, error)

	// DeleteManifest removes a vault's manifest blob.
	DeleteManifest(vaultID string) error

	// Wrapped key material

	// SaveKeyMaterial stores the wrapped private material for one key.
	SaveKeyMaterial(ref string, data []byte) error

	// LoadKeyMaterial retrieves wrapped private material.
	LoadKeyMaterial(ref string) ([]byte, error)

	// DeleteKeyMaterial purges wrapped private material. Deleting a ref
	// that does not exist returns an error matching os.ErrNotExist.
	DeleteKeyMaterial(ref string) error

	// Derivation salt

	// SaveSalt stores the installation derivation salt.
	SaveSalt(salt []byte) error

	// LoadSalt retrieves the installation derivation salt.
	LoadSalt() ([]byte, error)

	// SaltExists checks whether the salt is present.
	SaltExists() (bool, error)

	// Health and lifecycle

	// Ping verifies the store is reachable and usable.
	Ping() error

	// Close releases resources held by the store.
	Close() error

	// GetType identifies the backend implementation.
	GetType() string
}

// ConcurrencyError indicates that data was modified by another party
// between a load and the subsequent save.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification detected in %s: expected version %s, found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

// StoreType identifies a storage backend.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}
