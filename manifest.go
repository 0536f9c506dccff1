package fanvault

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/fanvault/persist"
)

// VaultStatus is derived, never stored.
type VaultStatus string

const (
	// VaultDraft - manifest may exist but nothing was ever sealed.
	VaultDraft VaultStatus = "draft"
	// VaultEncrypted - manifest and archive both present and consistent.
	VaultEncrypted VaultStatus = "encrypted"
	// VaultManifestOnly - sealed manifest present but the archive is gone.
	VaultManifestOnly VaultStatus = "manifest_only"
	// VaultArchiveOnly - archive present with no local manifest. Recovery mode.
	VaultArchiveOnly VaultStatus = "archive_only"
)

// ComputeStatus derives the vault status from what is present on disk. Pure
// function of its inputs; the result is recomputed on every ask.
func ComputeStatus(manifestPresent, archivePresent bool, encryptionCount uint32) VaultStatus {
	switch {
	case !manifestPresent && archivePresent:
		return VaultArchiveOnly
	case encryptionCount == 0:
		return VaultDraft
	case archivePresent:
		return VaultEncrypted
	default:
		return VaultManifestOnly
	}
}

// Recipient is the denormalized snapshot of one key captured at seal time.
// The fields are copied from the registry entry, not referenced, so a vault
// stays decryptable and auditable even if the registry blob is lost.
type Recipient struct {
	KeyID     string    `json:"key_id"`
	Kind      KeyKind   `json:"kind"`
	Label     string    `json:"label"`
	PublicKey string    `json:"public_key"`
	AddedAt   time.Time `json:"added_at"`
}

// FileEntry records one file of the sealed bundle for integrity checking.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the per-vault record of the current encryption envelope and
// file integrity metadata. Seal is the only mutator.
type Manifest struct {
	SchemaVersion   int         `json:"schema_version"`
	VaultID         string      `json:"vault_id"`
	Name            string      `json:"name"`
	SanitizedName   string      `json:"sanitized_name"`
	CreatedAt       time.Time   `json:"created_at"`
	EncryptionCount uint32      `json:"encryption_count"`
	LastSealedAt    *time.Time  `json:"last_sealed_at,omitempty"`
	Envelope        []Recipient `json:"envelope"`
	Files           []FileEntry `json:"files"`
	TotalSize       int64       `json:"total_size"`
}

const manifestSchemaVersion = 1

// NewManifest creates a draft manifest for a named vault.
func NewManifest(name string) *Manifest {
	return &Manifest{
		SchemaVersion: manifestSchemaVersion,
		VaultID:       uuid.NewString(),
		Name:          name,
		SanitizedName: SanitizeVaultName(name),
		CreatedAt:     time.Now().UTC(),
	}
}

// Sealed reports whether the vault was ever successfully encrypted.
func (m *Manifest) Sealed() bool {
	return m.EncryptionCount > 0
}

// InEnvelope reports whether the key is part of the last sealed envelope.
// Draft vaults have an empty envelope.
func (m *Manifest) InEnvelope(keyID string) bool {
	for _, r := range m.Envelope {
		if r.KeyID == keyID {
			return true
		}
	}
	return false
}

// Seal replaces the envelope with a fresh denormalized snapshot of the
// recipients and records the file set of the newly written archive. Callers
// reach this only through a full re-encryption, which is what permits an
// envelope to change; the manifest itself never drops a recipient outside
// of a seal.
func (m *Manifest) Seal(recipients []*KeyEntry, files []FileEntry, sealedAt time.Time) error {
	if len(recipients) == 0 {
		return fmt.Errorf("cannot seal with no recipients")
	}
	if len(recipients) > MaxVaultKeys {
		return fmt.Errorf("cannot seal with %d recipients: %w", len(recipients), ErrVaultFull)
	}

	envelope := make([]Recipient, 0, len(recipients))
	for _, k := range recipients {
		envelope = append(envelope, Recipient{
			KeyID:     k.ID,
			Kind:      k.Kind,
			Label:     k.Label,
			PublicKey: k.PublicKey,
			AddedAt:   sealedAt,
		})
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	m.Envelope = envelope
	m.Files = append([]FileEntry(nil), files...)
	m.TotalSize = total
	m.EncryptionCount++
	t := sealedAt.UTC()
	m.LastSealedAt = &t
	return nil
}

// Statistics is the cross-component summary read by the registry for
// eligibility checks.
type Statistics struct {
	KeyCount        int    `json:"key_count"`
	EncryptionCount uint32 `json:"encryption_count"`
	FileCount       int    `json:"file_count"`
	TotalSize       int64  `json:"total_size"`
}

func (m *Manifest) Statistics() Statistics {
	return Statistics{
		KeyCount:        len(m.Envelope),
		EncryptionCount: m.EncryptionCount,
		FileCount:       len(m.Files),
		TotalSize:       m.TotalSize,
	}
}

// ManifestStore persists manifests through the durable store, one blob per
// vault, with optimistic concurrency. It is the only writer of manifest
// blobs; the registry reads through it for envelope checks but never writes.
type ManifestStore struct {
	store persist.Store

	mu       sync.Mutex
	versions map[string]string
}

func NewManifestStore(store persist.Store) *ManifestStore {
	return &ManifestStore{
		store:    store,
		versions: make(map[string]string),
	}
}

// Load returns the manifest for the vault, or ErrNotFound.
func (s *ManifestStore) Load(vaultID string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(vaultID)
}

func (s *ManifestStore) loadLocked(vaultID string) (*Manifest, error) {
	exists, err := s.store.ManifestExists(vaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to check manifest for vault %s: %w", vaultID, err)
	}
	if !exists {
		return nil, fmt.Errorf("manifest for vault %s: %w", vaultID, ErrNotFound)
	}

	versioned, err := s.store.LoadManifest(vaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for vault %s: %w", vaultID, err)
	}

	var m Manifest
	if err := json.Unmarshal(versioned.Data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for vault %s: %w", vaultID, err)
	}
	s.versions[vaultID] = versioned.Version
	return &m, nil
}

// Save persists the manifest, enforcing the version observed at load time.
func (s *ManifestStore) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for vault %s: %w", m.VaultID, err)
	}

	newVersion, err := s.store.SaveManifest(m.VaultID, data, s.versions[m.VaultID])
	if err != nil {
		return fmt.Errorf("failed to save manifest for vault %s: %w", m.VaultID, err)
	}
	s.versions[m.VaultID] = newVersion
	return nil
}

// Exists reports whether a manifest blob is present for the vault.
func (s *ManifestStore) Exists(vaultID string) (bool, error) {
	return s.store.ManifestExists(vaultID)
}

// List returns the vault ids that have a manifest blob.
func (s *ManifestStore) List() ([]string, error) {
	return s.store.ListVaults()
}

// FindByName returns the manifest whose sanitized name matches, or
// ErrNotFound. Used by the recovery path, where only the archive file name
// is known.
func (s *ManifestStore) FindByName(sanitizedName string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.ListVaults()
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	for _, id := range ids {
		m, err := s.loadLocked(id)
		if err != nil {
			continue
		}
		if m.SanitizedName == sanitizedName {
			return m, nil
		}
	}
	return nil, fmt.Errorf("manifest named %s: %w", sanitizedName, ErrNotFound)
}

// SealedEnvelopesContaining returns the vault ids whose sealed envelope
// includes the key. Draft manifests never match.
func (s *ManifestStore) SealedEnvelopesContaining(keyID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.ListVaults()
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	var out []string
	for _, id := range ids {
		m, err := s.loadLocked(id)
		if err != nil {
			continue
		}
		if m.Sealed() && m.InEnvelope(keyID) {
			out = append(out, id)
		}
	}
	return out, nil
}
