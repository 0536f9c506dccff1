package fanvault

import (
	"sort"
	"time"
)

// MaxVaultKeys caps the number of recipient keys per vault. Fan-out
// encryption wraps the file key once per recipient, and four independent
// recipients is the supported ceiling.
const MaxVaultKeys = 4

// KeyKind distinguishes how the private half of a key is held.
type KeyKind string

const (
	// KindPassphrase is a software key derived from a passphrase with
	// argon2id over a per-installation salt.
	KindPassphrase KeyKind = "passphrase"

	// KindHardware is a reference to a key held on an external device.
	// Only the public half and the device serial live in the registry.
	KindHardware KeyKind = "hardware"
)

// KeyEntry is the registry's record of one key. The id is immutable and
// never reused. Entries are never deleted, only transitioned; a destroyed
// key keeps its entry and history while its wrapped material is purged.
type KeyEntry struct {
	ID        string          `json:"id"`
	Kind      KeyKind         `json:"kind"`
	Label     string          `json:"label"`
	PublicKey string          `json:"public_key"`
	Lifecycle LifecycleStatus `json:"lifecycle_status"`

	// MaterialRef names the wrapped private material in the store for
	// passphrase keys, or carries the device serial for hardware keys.
	// Cleared when the key is destroyed.
	MaterialRef string `json:"material_ref,omitempty"`

	History []StatusHistoryEntry `json:"status_history"`
	Vaults  []string             `json:"vault_associations"`

	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// Deactivation bookkeeping, set only while inside the grace window.
	DeactivatedAt  *time.Time       `json:"deactivated_at,omitempty"`
	PreviousStatus *LifecycleStatus `json:"previous_lifecycle_status,omitempty"`
}

// AttachedTo reports whether the key is associated with the vault.
func (k *KeyEntry) AttachedTo(vaultID string) bool {
	for _, v := range k.Vaults {
		if v == vaultID {
			return true
		}
	}
	return false
}

func (k *KeyEntry) addVault(vaultID string) {
	if k.AttachedTo(vaultID) {
		return
	}
	k.Vaults = append(k.Vaults, vaultID)
	sort.Strings(k.Vaults)
}

func (k *KeyEntry) removeVault(vaultID string) {
	for i, v := range k.Vaults {
		if v == vaultID {
			k.Vaults = append(k.Vaults[:i], k.Vaults[i+1:]...)
			return
		}
	}
}

// clone returns a deep copy so callers never alias registry-owned state.
func (k *KeyEntry) clone() *KeyEntry {
	out := *k
	out.History = append([]StatusHistoryEntry(nil), k.History...)
	out.Vaults = append([]string(nil), k.Vaults...)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		out.LastUsedAt = &t
	}
	if k.DeactivatedAt != nil {
		t := *k.DeactivatedAt
		out.DeactivatedAt = &t
	}
	if k.PreviousStatus != nil {
		s := *k.PreviousStatus
		out.PreviousStatus = &s
	}
	return &out
}

// registryFile is the persisted shape of the registry blob. The store layer
// adds content versioning on top; SchemaVersion covers the JSON layout.
type registryFile struct {
	SchemaVersion int                  `json:"schema_version"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Keys          map[string]*KeyEntry `json:"keys"`
}

const registrySchemaVersion = 1
