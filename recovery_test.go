package fanvault

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"southwinds.dev/fanvault/internal/crypto"
	"southwinds.dev/fanvault/persist"
)

func TestAnalyzeWithManifest(t *testing.T) {
	f := newTestFixture(t)
	identity := f.newTestIdentity(t, "alice")
	result := f.seal(t, "Known Vault", identity)

	reconciler, err := NewReconciler(f.registry, f.manifests, nil)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	analysis, err := reconciler.Analyze(result.ArchivePath)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !analysis.ManifestExists || analysis.RecoveryMode {
		t.Errorf("Analysis mode = %+v, want manifest_exists", analysis)
	}
	if analysis.VaultID != result.Manifest.VaultID {
		t.Errorf("VaultID = %s, want %s", analysis.VaultID, result.Manifest.VaultID)
	}
	if analysis.VaultName != "Known Vault" {
		t.Errorf("VaultName = %q", analysis.VaultName)
	}
	if len(analysis.AssociatedKeys) != 1 || analysis.AssociatedKeys[0].KeyID != identity.KeyID {
		t.Errorf("AssociatedKeys = %+v", analysis.AssociatedKeys)
	}
	if analysis.SealedOn == "" {
		t.Error("SealedOn not parsed from the file name")
	}
}

func TestAnalyzeWithoutManifest(t *testing.T) {
	f := newTestFixture(t)
	identity := f.newTestIdentity(t, "alice")
	result := f.seal(t, "Lost Vault", identity)

	if err := f.store.DeleteManifest(result.Manifest.VaultID); err != nil {
		t.Fatalf("DeleteManifest failed: %v", err)
	}

	reconciler, err := NewReconciler(f.registry, f.manifests, nil)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	analysis, err := reconciler.Analyze(result.ArchivePath)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !analysis.RecoveryMode || analysis.ManifestExists {
		t.Errorf("Analysis mode = %+v, want recovery_mode", analysis)
	}
	// Header metadata still available without any key
	if analysis.VaultID != result.Manifest.VaultID {
		t.Errorf("VaultID = %s, want %s", analysis.VaultID, result.Manifest.VaultID)
	}
	if analysis.VaultName != "Lost Vault" || analysis.SanitizedName != "Lost-Vault" {
		t.Errorf("Names = %q / %q", analysis.VaultName, analysis.SanitizedName)
	}
	if analysis.CreatedAt == nil {
		t.Error("CreatedAt not read from the header")
	}
	if len(analysis.AssociatedKeys) != 0 {
		t.Errorf("AssociatedKeys without manifest = %+v", analysis.AssociatedKeys)
	}
}

func TestAnalyzeUnreadableFile(t *testing.T) {
	f := newTestFixture(t)
	reconciler, err := NewReconciler(f.registry, f.manifests, nil)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	// A well-formed name whose file does not exist still yields a partial
	// analysis from the name alone
	analysis, err := reconciler.Analyze(filepath.Join(f.workDir, "Missing-Vault-2026-08-25.fvlt"))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if analysis.VaultName != "Missing-Vault" || analysis.SealedOn != "2026-08-25" {
		t.Errorf("Analysis = %+v", analysis)
	}
	if !analysis.RecoveryMode {
		t.Error("Missing manifest should report recovery mode")
	}

	// A name without the archive extension is rejected outright
	if _, err := reconciler.Analyze("notes.txt"); err == nil {
		t.Error("Analyze accepted a non-archive name")
	}
}

func TestUnsealRebuildsManifest(t *testing.T) {
	f := newTestFixture(t)
	identity := f.newTestIdentity(t, "alice")
	result := f.seal(t, "Rebuilt Vault", identity)

	if err := f.store.DeleteManifest(result.Manifest.VaultID); err != nil {
		t.Fatalf("DeleteManifest failed: %v", err)
	}

	unsealed, err := f.engine.Unseal(context.Background(), UnsealRequest{
		ArchivePath: result.ArchivePath,
		Identity:    identity,
		OutputDir:   filepath.Join(f.workDir, "recovered"),
	})
	if err != nil {
		t.Fatalf("Recovery unseal failed: %v", err)
	}
	if !unsealed.RecoveryMode {
		t.Error("RecoveryMode not reported")
	}
	if unsealed.Manifest == nil {
		t.Fatal("No rebuilt manifest returned")
	}

	rebuilt := unsealed.Manifest
	if rebuilt.VaultID != result.Manifest.VaultID {
		t.Errorf("Rebuilt vault ID = %s, want %s", rebuilt.VaultID, result.Manifest.VaultID)
	}
	if rebuilt.Name != "Rebuilt Vault" {
		t.Errorf("Rebuilt name = %q", rebuilt.Name)
	}
	if !rebuilt.Sealed() {
		t.Error("Rebuilt manifest not marked sealed")
	}
	if len(rebuilt.Envelope) != 1 || rebuilt.Envelope[0].KeyID != identity.KeyID {
		t.Errorf("Rebuilt envelope = %+v", rebuilt.Envelope)
	}
	if len(rebuilt.Files) != 2 {
		t.Errorf("Rebuilt files = %d, want 2", len(rebuilt.Files))
	}

	// The rebuilt manifest was persisted
	persisted, err := f.manifests.Load(rebuilt.VaultID)
	if err != nil {
		t.Fatalf("Load of rebuilt manifest failed: %v", err)
	}
	if persisted.EncryptionCount != rebuilt.EncryptionCount {
		t.Errorf("Persisted count = %d, want %d", persisted.EncryptionCount, rebuilt.EncryptionCount)
	}
}

func TestRecoveryOnFreshMachine(t *testing.T) {
	// Machine A seals; machine B has only the archive and the private key
	f := newTestFixture(t)
	identity := f.newTestIdentity(t, "owner")
	result := f.seal(t, "Portable Vault", identity)

	storeB, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store B: %v", err)
	}
	defer storeB.Close()
	manifestsB := NewManifestStore(storeB)
	registryB, err := NewKeyRegistry(storeB, manifestsB, nil, nil, Options{})
	if err != nil {
		t.Fatalf("Failed to open registry B: %v", err)
	}
	defer registryB.Close()
	reconcilerB, err := NewReconciler(registryB, manifestsB, nil)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	engineB, err := NewEngine(registryB, manifestsB, nil, reconcilerB, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	// The key is unknown on machine B; carry over only the material
	carried := &Identity{
		Kind:      KindPassphrase,
		Label:     "owner",
		PublicKey: identity.PublicKey,
		Private:   identity.Private,
	}

	unsealed, err := engineB.Unseal(context.Background(), UnsealRequest{
		ArchivePath: result.ArchivePath,
		Identity:    carried,
		OutputDir:   filepath.Join(t.TempDir(), "out"),
	})
	if err != nil {
		t.Fatalf("Recovery unseal on fresh machine failed: %v", err)
	}
	if !unsealed.RecoveryMode || unsealed.Manifest == nil {
		t.Fatalf("Result = %+v", unsealed)
	}

	// The used key was registered, activated and attached
	listings, err := registryB.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("Registry B holds %d keys, want 1", len(listings))
	}
	key := listings[0].Key
	if key.PublicKey != identity.PublicKey {
		t.Errorf("Registered public key = %q", key.PublicKey)
	}
	if key.Lifecycle != StatusActive || !key.AttachedTo(unsealed.Manifest.VaultID) {
		t.Errorf("Recovered key state = %+v", key)
	}
}

func TestReconcileMatchesByPublicKey(t *testing.T) {
	f := newTestFixture(t)
	reconciler, err := NewReconciler(f.registry, f.manifests, nil)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	// Pre-existing registry entry; the identity arrives without its key ID
	existing := f.newTestIdentity(t, "existing")
	anonymous := &Identity{
		Kind:      KindPassphrase,
		PublicKey: existing.PublicKey,
		Private:   existing.Private,
	}

	header := archiveHeader{
		VaultID:         "recovered-vault",
		Name:            "Recovered",
		SanitizedName:   "Recovered",
		CreatedAt:       time.Now().UTC(),
		SealedAt:        time.Now().UTC(),
		EncryptionCount: 3,
	}
	files := []FileEntry{{Path: "a.txt", Size: 5, SHA256: "abc"}}

	manifest, err := reconciler.Reconcile(header, files, anonymous)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(manifest.Envelope) != 1 || manifest.Envelope[0].KeyID != existing.KeyID {
		t.Errorf("Envelope = %+v, want existing key %s", manifest.Envelope, existing.KeyID)
	}
	if manifest.EncryptionCount != 3 {
		t.Errorf("EncryptionCount = %d, want header value 3", manifest.EncryptionCount)
	}
	if manifest.TotalSize != 5 {
		t.Errorf("TotalSize = %d", manifest.TotalSize)
	}

	// No duplicate entry was created
	listings, _ := f.registry.List(context.Background(), ListFilter{})
	if len(listings) != 1 {
		t.Errorf("Registry holds %d keys after reconcile, want 1", len(listings))
	}
}

func TestReconcileValidation(t *testing.T) {
	f := newTestFixture(t)
	reconciler, err := NewReconciler(f.registry, f.manifests, nil)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	header := archiveHeader{VaultID: "v", Name: "V", SanitizedName: "V"}
	files := []FileEntry{{Path: "a.txt", Size: 1, SHA256: "x"}}

	if _, err := reconciler.Reconcile(header, files, nil); err == nil {
		t.Error("Reconcile without an identity accepted")
	}
	identity := f.newTestIdentity(t, "k")
	if _, err := reconciler.Reconcile(header, nil, identity); err == nil {
		t.Error("Reconcile with no files accepted")
	}
}

func TestImportRecipients(t *testing.T) {
	f := newTestFixture(t)
	reconciler, err := NewReconciler(f.registry, f.manifests, nil)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	// One recipient already known, one foreign
	known := f.newTestIdentity(t, "known")
	_, foreignPub, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	m := NewManifest("Imported Vault")
	now := time.Now().UTC()
	m.Envelope = []Recipient{
		{KeyID: known.KeyID, Kind: KindPassphrase, Label: "known", PublicKey: known.PublicKey, AddedAt: now},
		{KeyID: "foreign-id", Kind: KindHardware, Label: "token", PublicKey: foreignPub, AddedAt: now},
	}
	m.EncryptionCount = 1

	touched, err := reconciler.ImportRecipients(m)
	if err != nil {
		t.Fatalf("ImportRecipients failed: %v", err)
	}
	if len(touched) != 2 {
		t.Fatalf("Touched = %v, want 2 keys", touched)
	}

	// Both recipients now attached to the vault
	listings, err := f.registry.List(context.Background(), ListFilter{Scope: FilterForVault, VaultID: m.VaultID})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("Attached keys = %d, want 2", len(listings))
	}

	// The foreign recipient was registered with its recorded shape
	imported, err := f.registry.GetByLabel("token")
	if err != nil {
		t.Fatalf("GetByLabel failed: %v", err)
	}
	if imported.Kind != KindHardware || imported.PublicKey != foreignPub {
		t.Errorf("Imported key = %+v", imported)
	}

	// Importing again is additive and creates no duplicates
	if _, err := reconciler.ImportRecipients(m); err != nil {
		t.Fatalf("Second import failed: %v", err)
	}
	all, _ := f.registry.List(context.Background(), ListFilter{})
	if len(all) != 2 {
		t.Errorf("Registry holds %d keys after re-import, want 2", len(all))
	}
}
