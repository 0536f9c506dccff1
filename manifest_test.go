package fanvault

import (
	"errors"
	"testing"
	"time"

	"southwinds.dev/fanvault/persist"
)

func newTestManifestStore(t *testing.T) *ManifestStore {
	store, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManifestStore(store)
}

func sealedTestManifest(t *testing.T, name string, keys ...*KeyEntry) *Manifest {
	m := NewManifest(name)
	files := []FileEntry{
		{Path: "docs/a.txt", Size: 10, SHA256: "aaaa"},
		{Path: "docs/b.txt", Size: 20, SHA256: "bbbb"},
	}
	if err := m.Seal(keys, files, time.Now()); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return m
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name            string
		manifestPresent bool
		archivePresent  bool
		encryptionCount uint32
		want            VaultStatus
	}{
		{"DraftNoArchive", true, false, 0, VaultDraft},
		{"DraftWithNothing", false, false, 0, VaultDraft},
		{"Encrypted", true, true, 3, VaultEncrypted},
		{"ManifestOnly", true, false, 1, VaultManifestOnly},
		{"ArchiveOnly", false, true, 0, VaultArchiveOnly},
		{"ArchiveOnlyWithCount", false, true, 5, VaultArchiveOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStatus(tt.manifestPresent, tt.archivePresent, tt.encryptionCount)
			if got != tt.want {
				t.Errorf("ComputeStatus(%v, %v, %d) = %s, want %s",
					tt.manifestPresent, tt.archivePresent, tt.encryptionCount, got, tt.want)
			}
		})
	}
}

func TestNewManifest(t *testing.T) {
	m := NewManifest("Family Trust")

	if m.VaultID == "" {
		t.Error("VaultID not assigned")
	}
	if m.Name != "Family Trust" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.SanitizedName != "Family-Trust" {
		t.Errorf("SanitizedName = %q", m.SanitizedName)
	}
	if m.Sealed() {
		t.Error("New manifest should not be sealed")
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	other := NewManifest("Family Trust")
	if other.VaultID == m.VaultID {
		t.Error("Vault IDs should be unique")
	}
}

func TestManifestSeal(t *testing.T) {
	key1 := &KeyEntry{ID: "k1", Kind: KindPassphrase, Label: "alice", PublicKey: "pub1"}
	key2 := &KeyEntry{ID: "k2", Kind: KindHardware, Label: "token", PublicKey: "pub2"}

	m := NewManifest("Test")
	sealedAt := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	files := []FileEntry{
		{Path: "a.txt", Size: 100, SHA256: "hash-a"},
		{Path: "b.txt", Size: 200, SHA256: "hash-b"},
	}

	if err := m.Seal([]*KeyEntry{key1, key2}, files, sealedAt); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if !m.Sealed() {
		t.Error("Manifest should be sealed")
	}
	if m.EncryptionCount != 1 {
		t.Errorf("EncryptionCount = %d, want 1", m.EncryptionCount)
	}
	if m.LastSealedAt == nil || !m.LastSealedAt.Equal(sealedAt) {
		t.Errorf("LastSealedAt = %v", m.LastSealedAt)
	}
	if len(m.Envelope) != 2 {
		t.Fatalf("Envelope size = %d, want 2", len(m.Envelope))
	}
	if m.Envelope[0].KeyID != "k1" || m.Envelope[0].PublicKey != "pub1" {
		t.Errorf("Envelope[0] = %+v", m.Envelope[0])
	}
	if m.TotalSize != 300 {
		t.Errorf("TotalSize = %d, want 300", m.TotalSize)
	}
	if !m.InEnvelope("k1") || !m.InEnvelope("k2") {
		t.Error("InEnvelope should report both recipients")
	}
	if m.InEnvelope("k3") {
		t.Error("InEnvelope should not report an absent key")
	}

	// Resealing replaces the envelope and increments the count
	if err := m.Seal([]*KeyEntry{key2}, files[:1], sealedAt.Add(time.Hour)); err != nil {
		t.Fatalf("Reseal failed: %v", err)
	}
	if m.EncryptionCount != 2 {
		t.Errorf("EncryptionCount after reseal = %d, want 2", m.EncryptionCount)
	}
	if len(m.Envelope) != 1 || m.Envelope[0].KeyID != "k2" {
		t.Errorf("Envelope after reseal = %+v", m.Envelope)
	}
	if m.InEnvelope("k1") {
		t.Error("Replaced recipient should no longer be in the envelope")
	}
}

func TestManifestSealCardinality(t *testing.T) {
	m := NewManifest("Test")
	files := []FileEntry{{Path: "a.txt", Size: 1, SHA256: "x"}}

	if err := m.Seal(nil, files, time.Now()); err == nil {
		t.Error("Sealing with no recipients should fail")
	}

	tooMany := make([]*KeyEntry, MaxVaultKeys+1)
	for i := range tooMany {
		tooMany[i] = &KeyEntry{ID: string(rune('a' + i))}
	}
	err := m.Seal(tooMany, files, time.Now())
	if err == nil {
		t.Fatal("Sealing past the key cap should fail")
	}
	if !errors.Is(err, ErrVaultFull) {
		t.Errorf("Error = %v, want ErrVaultFull", err)
	}
	if m.Sealed() {
		t.Error("Failed seals should not mark the manifest sealed")
	}
}

func TestManifestStatistics(t *testing.T) {
	key := &KeyEntry{ID: "k1", Kind: KindPassphrase, Label: "alice", PublicKey: "pub1"}
	m := sealedTestManifest(t, "Stats", key)

	stats := m.Statistics()
	if stats.KeyCount != 1 {
		t.Errorf("KeyCount = %d, want 1", stats.KeyCount)
	}
	if stats.EncryptionCount != 1 {
		t.Errorf("EncryptionCount = %d, want 1", stats.EncryptionCount)
	}
	if stats.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", stats.FileCount)
	}
	if stats.TotalSize != 30 {
		t.Errorf("TotalSize = %d, want 30", stats.TotalSize)
	}
}

func TestManifestStoreRoundTrip(t *testing.T) {
	manifests := newTestManifestStore(t)

	key := &KeyEntry{ID: "k1", Kind: KindPassphrase, Label: "alice", PublicKey: "pub1"}
	m := sealedTestManifest(t, "Round Trip", key)

	if err := manifests.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	exists, err := manifests.Exists(m.VaultID)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}

	loaded, err := manifests.Load(m.VaultID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.VaultID != m.VaultID || loaded.Name != m.Name {
		t.Errorf("Loaded manifest = %+v", loaded)
	}
	if loaded.EncryptionCount != 1 || len(loaded.Envelope) != 1 {
		t.Errorf("Loaded envelope state: count=%d envelope=%d", loaded.EncryptionCount, len(loaded.Envelope))
	}
	if loaded.Envelope[0].KeyID != "k1" {
		t.Errorf("Loaded recipient = %+v", loaded.Envelope[0])
	}

	ids, err := manifests.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != m.VaultID {
		t.Errorf("List = %v", ids)
	}
}

func TestManifestStoreLoadMissing(t *testing.T) {
	manifests := newTestManifestStore(t)

	_, err := manifests.Load("no-such-vault")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load of missing manifest = %v, want ErrNotFound", err)
	}
}

func TestManifestStoreFindByName(t *testing.T) {
	manifests := newTestManifestStore(t)

	key := &KeyEntry{ID: "k1", PublicKey: "pub1"}
	a := sealedTestManifest(t, "Family Trust", key)
	b := sealedTestManifest(t, "Property Records", key)
	for _, m := range []*Manifest{a, b} {
		if err := manifests.Save(m); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	found, err := manifests.FindByName("Property-Records")
	if err != nil {
		t.Fatalf("FindByName failed: %v", err)
	}
	if found.VaultID != b.VaultID {
		t.Errorf("FindByName returned vault %s, want %s", found.VaultID, b.VaultID)
	}

	_, err = manifests.FindByName("No-Such-Vault")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByName for missing name = %v, want ErrNotFound", err)
	}
}

func TestSealedEnvelopesContaining(t *testing.T) {
	manifests := newTestManifestStore(t)

	k1 := &KeyEntry{ID: "k1", PublicKey: "pub1"}
	k2 := &KeyEntry{ID: "k2", PublicKey: "pub2"}

	sealed := sealedTestManifest(t, "Sealed Vault", k1, k2)
	if err := manifests.Save(sealed); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A draft never matches even with recipients prepared
	draft := NewManifest("Draft Vault")
	if err := manifests.Save(draft); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	vaults, err := manifests.SealedEnvelopesContaining("k1")
	if err != nil {
		t.Fatalf("SealedEnvelopesContaining failed: %v", err)
	}
	if len(vaults) != 1 || vaults[0] != sealed.VaultID {
		t.Errorf("SealedEnvelopesContaining(k1) = %v, want [%s]", vaults, sealed.VaultID)
	}

	vaults, err = manifests.SealedEnvelopesContaining("unknown-key")
	if err != nil {
		t.Fatalf("SealedEnvelopesContaining failed: %v", err)
	}
	if len(vaults) != 0 {
		t.Errorf("SealedEnvelopesContaining(unknown) = %v, want empty", vaults)
	}
}
