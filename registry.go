package fanvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"southwinds.dev/fanvault/audit"
	"southwinds.dev/fanvault/persist"
)

// FilterScope selects which keys a List call returns.
type FilterScope string

const (
	// FilterAll returns every key (destroyed keys only when asked for).
	FilterAll FilterScope = "all"
	// FilterConnectedOnly returns keys whose backing material is reachable
	// right now, cross-checked against the device provider.
	FilterConnectedOnly FilterScope = "connected_only"
	// FilterForVault returns keys attached to the given vault.
	FilterForVault FilterScope = "for_vault"
	// FilterAvailableForVault returns keys that could still be attached to
	// the given vault, respecting the per-vault key cap.
	FilterAvailableForVault FilterScope = "available_for_vault"
)

// ListFilter narrows a List call. VaultID is required for the two
// vault-scoped scopes. Destroyed keys are hidden unless IncludeDestroyed is
// set; their entries and history survive destruction, only their material
// is purged.
type ListFilter struct {
	Scope            FilterScope
	VaultID          string
	IncludeDestroyed bool
}

// KeyListing pairs a key snapshot with its current availability. The two
// fields answer different questions and are never merged.
type KeyListing struct {
	Key          *KeyEntry    `json:"key"`
	Availability Availability `json:"availability"`
}

// NewKeyParams carries the full set of fields for registering a key.
type NewKeyParams struct {
	Kind        KeyKind
	Label       string
	PublicKey   string
	MaterialRef string
}

// KeyRegistry is the authoritative record of all keys known to this
// machine. It is the only writer of the registry blob; every mutation is a
// scoped read-modify-write-persist cycle under one lock, and every mutator
// is idempotent so duplicate caller retries never corrupt state.
type KeyRegistry struct {
	store     persist.Store
	manifests *ManifestStore
	devices   DeviceProvider
	lifecycle *Lifecycle
	audit     audit.Logger
	opts      Options

	mu      sync.Mutex
	keys    map[string]*KeyEntry
	version string
	clock   func() time.Time
}

// NewKeyRegistry opens (or initializes) the registry held by the store and
// sweeps expired deactivated keys. A nil device provider disables
// reachability checks; a nil audit logger disables auditing.
func NewKeyRegistry(store persist.Store, manifests *ManifestStore, devices DeviceProvider, auditLogger audit.Logger, opts Options) (*KeyRegistry, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if manifests == nil {
		return nil, fmt.Errorf("manifest store cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}

	r := &KeyRegistry{
		store:     store,
		manifests: manifests,
		devices:   devices,
		lifecycle: NewLifecycle(),
		audit:     auditLogger,
		opts:      opts,
		keys:      make(map[string]*KeyEntry),
		clock:     time.Now,
	}

	if err := r.load(); err != nil {
		return nil, err
	}

	// Opportunistic sweep instead of a persistent timer.
	if _, err := r.SweepExpired(); err != nil {
		return nil, fmt.Errorf("failed to sweep expired keys: %w", err)
	}

	return r, nil
}

func (r *KeyRegistry) load() error {
	exists, err := r.store.RegistryExists()
	if err != nil {
		return fmt.Errorf("failed to check registry: %w", err)
	}
	if !exists {
		return r.persistLocked()
	}

	versioned, err := r.store.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(versioned.Data, &file); err != nil {
		return fmt.Errorf("failed to parse registry: %w", err)
	}
	if file.Keys == nil {
		file.Keys = make(map[string]*KeyEntry)
	}

	r.keys = file.Keys
	r.version = versioned.Version
	return nil
}

// persistLocked writes the current key map. Caller holds the lock (or is
// the constructor before the registry is shared).
func (r *KeyRegistry) persistLocked() error {
	file := registryFile{
		SchemaVersion: registrySchemaVersion,
		UpdatedAt:     r.clock().UTC(),
		Keys:          r.keys,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	newVersion, err := r.store.SaveRegistry(data, r.version)
	if err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	r.version = newVersion
	return nil
}

// mutate applies fn to a clone of the key and persists before publishing,
// so a failed mutation never partially applies.
func (r *KeyRegistry) mutate(keyID string, fn func(*KeyEntry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}

	working := current.clone()
	if err := fn(working); err != nil {
		return err
	}

	r.keys[keyID] = working
	if err := r.persistLocked(); err != nil {
		r.keys[keyID] = current
		return err
	}
	return nil
}

// RegisterKey creates a key entry in PreActivation with no vault
// associations and returns its immutable id.
func (r *KeyRegistry) RegisterKey(p NewKeyParams) (string, error) {
	if err := validateLabel(p.Label); err != nil {
		return "", fmt.Errorf("invalid key label: %w", err)
	}
	if p.Kind != KindPassphrase && p.Kind != KindHardware {
		return "", fmt.Errorf("unknown key kind: %s", p.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := generateKeyID()
	for {
		if _, taken := r.keys[id]; !taken {
			break
		}
		id = generateKeyID()
	}

	entry := &KeyEntry{
		ID:          id,
		Kind:        p.Kind,
		Label:       p.Label,
		PublicKey:   p.PublicKey,
		MaterialRef: p.MaterialRef,
		Lifecycle:   StatusPreActivation,
		CreatedAt:   r.clock().UTC(),
	}

	r.keys[id] = entry
	if err := r.persistLocked(); err != nil {
		delete(r.keys, id)
		r.auditLog("key_registered", false, map[string]interface{}{"label": p.Label, "error": err.Error()})
		return "", err
	}

	r.auditLog("key_registered", true, map[string]interface{}{
		"key_id": id,
		"kind":   string(p.Kind),
		"label":  p.Label,
	})
	return id, nil
}

// Register creates a key entry from the minimal field set.
func (r *KeyRegistry) Register(materialRef string, kind KeyKind, label string) (string, error) {
	return r.RegisterKey(NewKeyParams{Kind: kind, Label: label, MaterialRef: materialRef})
}

// Get returns a snapshot of the key.
func (r *KeyRegistry) Get(keyID string) (*KeyEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	return k.clone(), nil
}

// GetByLabel returns the first key carrying the label.
func (r *KeyRegistry) GetByLabel(label string) (*KeyEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.sortedLocked() {
		if k.Label == label {
			return k.clone(), nil
		}
	}
	return nil, fmt.Errorf("key labeled %q: %w", label, ErrNotFound)
}

// sortedLocked returns keys in stable creation order.
func (r *KeyRegistry) sortedLocked() []*KeyEntry {
	out := make([]*KeyEntry, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// List returns key snapshots matching the filter, each with its current
// availability. A failed or timed-out device enumeration degrades hardware
// keys to unknown/not-connected; it never errors the listing.
func (r *KeyRegistry) List(ctx context.Context, f ListFilter) ([]KeyListing, error) {
	if f.Scope == "" {
		f.Scope = FilterAll
	}
	if (f.Scope == FilterForVault || f.Scope == FilterAvailableForVault) && f.VaultID == "" {
		return nil, fmt.Errorf("filter %s requires a vault ID", f.Scope)
	}

	reachable, enumerated := r.enumerateDevices(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	var vaultKeyCount int
	if f.Scope == FilterAvailableForVault {
		for _, k := range r.keys {
			if k.AttachedTo(f.VaultID) {
				vaultKeyCount++
			}
		}
	}

	var out []KeyListing
	for _, k := range r.sortedLocked() {
		if k.Lifecycle == StatusDestroyed && !f.IncludeDestroyed {
			continue
		}

		avail := availabilityOf(k, reachable, enumerated)

		switch f.Scope {
		case FilterAll:
		case FilterConnectedOnly:
			if avail != AvailabilityConnected {
				continue
			}
		case FilterForVault:
			if !k.AttachedTo(f.VaultID) {
				continue
			}
		case FilterAvailableForVault:
			if vaultKeyCount >= MaxVaultKeys {
				continue
			}
			if k.AttachedTo(f.VaultID) {
				continue
			}
			switch k.Lifecycle {
			case StatusPreActivation, StatusActive, StatusSuspended:
			default:
				continue
			}
		default:
			return nil, fmt.Errorf("unknown filter scope: %s", f.Scope)
		}

		out = append(out, KeyListing{Key: k.clone(), Availability: avail})
	}
	return out, nil
}

// enumerateDevices queries the provider under a bounded timeout. The bool
// result is false when no answer was obtained, so one wedged device query
// cannot poison a listing.
func (r *KeyRegistry) enumerateDevices(ctx context.Context) (map[string]bool, bool) {
	if r.devices == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DeviceTimeout)
	defer cancel()

	devices, err := r.devices.Enumerate(ctx)
	if err != nil {
		return nil, false
	}

	reachable := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.Reachable {
			reachable[d.Serial] = true
		}
	}
	return reachable, true
}

// Attach associates the key with the vault. Idempotent: attaching an
// already-associated key succeeds without a new history entry. The first
// attachment activates a pre-activation key; attaching a suspended key
// resumes it.
func (r *KeyRegistry) Attach(keyID, vaultID string) error {
	if err := validateVaultID(vaultID); err != nil {
		return err
	}

	err := r.mutate(keyID, func(k *KeyEntry) error {
		if k.AttachedTo(vaultID) {
			return nil
		}

		attached := 0
		for _, other := range r.keys {
			if other.ID != keyID && other.AttachedTo(vaultID) {
				attached++
			}
		}
		if attached >= MaxVaultKeys {
			return fmt.Errorf("cannot attach key %s to vault %s: %w", keyID, vaultID, ErrVaultFull)
		}

		var target LifecycleStatus
		switch k.Lifecycle {
		case StatusPreActivation, StatusSuspended, StatusActive:
			target = StatusActive
		default:
			return &InvalidTransitionError{KeyID: keyID, From: k.Lifecycle, To: StatusActive}
		}

		if err := r.lifecycle.Transition(k, target, fmt.Sprintf("attached to vault %s", vaultID), r.opts.Actor); err != nil {
			return err
		}
		k.addVault(vaultID)
		return nil
	})

	r.auditLog("key_attached", err == nil, map[string]interface{}{"key_id": keyID, "vault_id": vaultID})
	return err
}

// Detach removes the association. Idempotent for a key that is not
// associated. Fails with ErrSealedEnvelope while the key is part of the
// vault's sealed envelope: only a full re-encryption can release it.
// Detaching the last association suspends an active key.
func (r *KeyRegistry) Detach(keyID, vaultID string) error {
	if err := validateVaultID(vaultID); err != nil {
		return err
	}

	err := r.mutate(keyID, func(k *KeyEntry) error {
		if !k.AttachedTo(vaultID) {
			return nil
		}

		manifest, err := r.manifests.Load(vaultID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to read manifest for vault %s: %w", vaultID, err)
		}
		if manifest != nil && manifest.Sealed() && manifest.InEnvelope(keyID) {
			return fmt.Errorf("cannot detach key %s from vault %s: %w", keyID, vaultID, ErrSealedEnvelope)
		}

		k.removeVault(vaultID)
		if len(k.Vaults) == 0 && k.Lifecycle == StatusActive {
			if err := r.lifecycle.Transition(k, StatusSuspended, "detached from all vaults", r.opts.Actor); err != nil {
				return err
			}
		}
		return nil
	})

	r.auditLog("key_detached", err == nil, map[string]interface{}{"key_id": keyID, "vault_id": vaultID})
	return err
}

// Deactivate starts the grace window for a key. Fails with
// ErrIneligibleForDeactivation while the key sits in any sealed envelope,
// which guards against stranding a vault that may have no other surviving
// key.
func (r *KeyRegistry) Deactivate(keyID, reason string) error {
	sealed, err := r.manifests.SealedEnvelopesContaining(keyID)
	if err != nil {
		return fmt.Errorf("failed to check sealed envelopes: %w", err)
	}
	if len(sealed) > 0 {
		r.auditLog("key_deactivated", false, map[string]interface{}{"key_id": keyID, "sealed_vaults": sealed})
		return fmt.Errorf("key %s is in the sealed envelope of %d vault(s): %w", keyID, len(sealed), ErrIneligibleForDeactivation)
	}

	err = r.mutate(keyID, func(k *KeyEntry) error {
		prior := k.Lifecycle
		if err := r.lifecycle.Transition(k, StatusDeactivated, reason, r.opts.Actor); err != nil {
			return err
		}
		now := r.clock().UTC()
		k.DeactivatedAt = &now
		k.PreviousStatus = &prior
		return nil
	})

	r.auditLog("key_deactivated", err == nil, map[string]interface{}{"key_id": keyID, "reason": reason})
	return err
}

// Restore reverts a deactivated key to its exact prior status. Fails with
// ErrNotRestorable once the grace window has elapsed.
func (r *KeyRegistry) Restore(keyID string) error {
	err := r.mutate(keyID, func(k *KeyEntry) error {
		if k.Lifecycle != StatusDeactivated {
			return &InvalidTransitionError{KeyID: keyID, From: k.Lifecycle, To: StatusActive}
		}
		if k.DeactivatedAt == nil || r.clock().Sub(*k.DeactivatedAt) > r.opts.GraceWindow {
			return fmt.Errorf("key %s: %w", keyID, ErrNotRestorable)
		}

		target := StatusSuspended
		if k.PreviousStatus != nil {
			target = *k.PreviousStatus
		}
		if err := r.lifecycle.Transition(k, target, "restored within grace window", r.opts.Actor); err != nil {
			return err
		}
		k.DeactivatedAt = nil
		k.PreviousStatus = nil
		return nil
	})

	r.auditLog("key_restored", err == nil, map[string]interface{}{"key_id": keyID})
	return err
}

// MarkCompromised flags the key. Any non-terminal key can be compromised;
// a compromised key can only be destroyed.
func (r *KeyRegistry) MarkCompromised(keyID, reason string) error {
	err := r.mutate(keyID, func(k *KeyEntry) error {
		return r.lifecycle.Transition(k, StatusCompromised, reason, r.opts.Actor)
	})
	r.auditLog("key_compromised", err == nil, map[string]interface{}{"key_id": keyID, "reason": reason})
	return err
}

// Destroy irreversibly destroys a deactivated or compromised key and
// purges its wrapped material from the store. The entry and its history
// remain, hidden from default listings.
func (r *KeyRegistry) Destroy(keyID, reason string) error {
	err := r.mutate(keyID, func(k *KeyEntry) error {
		if err := r.lifecycle.Transition(k, StatusDestroyed, reason, r.opts.Actor); err != nil {
			return err
		}
		return r.purgeMaterial(k)
	})
	r.auditLog("key_destroyed", err == nil, map[string]interface{}{"key_id": keyID, "reason": reason})
	return err
}

func (r *KeyRegistry) purgeMaterial(k *KeyEntry) error {
	if k.Kind == KindPassphrase && k.MaterialRef != "" {
		if err := r.store.DeleteKeyMaterial(k.MaterialRef); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to purge material for key %s: %w", k.ID, err)
		}
	}
	k.MaterialRef = ""
	return nil
}

// SweepExpired moves deactivated keys past the grace window to destroyed
// and purges their material. Returns the ids swept.
func (r *KeyRegistry) SweepExpired() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var swept []string
	for _, k := range r.sortedLocked() {
		if k.Lifecycle != StatusDeactivated || k.DeactivatedAt == nil {
			continue
		}
		if now.Sub(*k.DeactivatedAt) <= r.opts.GraceWindow {
			continue
		}

		working := k.clone()
		if err := r.lifecycle.Transition(working, StatusDestroyed, "grace window expired", "sweep"); err != nil {
			return swept, err
		}
		if err := r.purgeMaterial(working); err != nil {
			return swept, err
		}
		r.keys[k.ID] = working
		swept = append(swept, k.ID)
	}

	if len(swept) == 0 {
		return nil, nil
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	r.auditLog("keys_swept", true, map[string]interface{}{"key_ids": swept})
	return swept, nil
}

// TouchLastUsed stamps the key's last-use time. Best effort; failures are
// not surfaced to the caller's main operation.
func (r *KeyRegistry) TouchLastUsed(keyID string) error {
	return r.mutate(keyID, func(k *KeyEntry) error {
		now := r.clock().UTC()
		k.LastUsedAt = &now
		return nil
	})
}

func (r *KeyRegistry) auditLog(action string, success bool, metadata map[string]interface{}) {
	_ = r.audit.Log(action, success, metadata)
}

// Close releases the audit logger. The registry itself holds no open
// resources beyond the store, which the caller owns.
func (r *KeyRegistry) Close() error {
	return r.audit.Close()
}
