package fanvault

import (
	"encoding/json"
	"strings"
	"testing"

	"southwinds.dev/fanvault/internal/crypto"
	"southwinds.dev/fanvault/persist"
)

func TestExportImportIdentity(t *testing.T) {
	private, public, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	identity := &Identity{
		Kind:      KindPassphrase,
		Label:     "escrow",
		PublicKey: public,
		Private:   private,
	}

	data, err := ExportIdentity(identity, "export secret")
	if err != nil {
		t.Fatalf("ExportIdentity failed: %v", err)
	}
	if strings.Contains(string(data), public[:8]) == false {
		t.Error("Export does not carry the public key")
	}

	imported, err := ImportIdentity(data, "export secret")
	if err != nil {
		t.Fatalf("ImportIdentity failed: %v", err)
	}
	if imported.PublicKey != public || imported.Label != "escrow" || imported.Kind != KindPassphrase {
		t.Errorf("Imported identity = %+v", imported)
	}

	// The imported private material participates in the envelope
	sealed, err := crypto.SealToRecipients([]byte("escrowed"), []string{public})
	if err != nil {
		t.Fatalf("SealToRecipients failed: %v", err)
	}
	opened, err := crypto.OpenWithIdentity(sealed, imported.Private)
	if err != nil {
		t.Fatalf("Imported identity cannot decrypt: %v", err)
	}
	if string(opened) != "escrowed" {
		t.Errorf("Opened = %q", opened)
	}
}

func TestImportIdentityRejections(t *testing.T) {
	private, public, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	identity := &Identity{Kind: KindPassphrase, Label: "escrow", PublicKey: public, Private: private}

	data, err := ExportIdentity(identity, "export secret")
	if err != nil {
		t.Fatalf("ExportIdentity failed: %v", err)
	}

	if _, err := ImportIdentity(data, "wrong secret"); err == nil {
		t.Error("Wrong export passphrase accepted")
	}
	if _, err := ImportIdentity([]byte("not json"), "export secret"); err == nil {
		t.Error("Garbage input accepted")
	}

	// Corrupting the sealed data must trip the checksum before decryption
	var export IdentityExport
	if err := json.Unmarshal(data, &export); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	export.Data = export.Data[:len(export.Data)-4] + "AAA="
	corrupted, err := json.Marshal(export)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := ImportIdentity(corrupted, "export secret"); err == nil {
		t.Error("Corrupted export accepted")
	}

	export2 := export
	export2.SchemaVersion = 99
	versioned, _ := json.Marshal(export2)
	if _, err := ImportIdentity(versioned, "export secret"); err == nil {
		t.Error("Unknown schema version accepted")
	}

	if _, err := ExportIdentity(identity, ""); err == nil {
		t.Error("Empty export passphrase accepted")
	}
	if _, err := ExportIdentity(&Identity{}, "x"); err == nil {
		t.Error("Identity without private material accepted")
	}
}

func TestStoreAndLoadIdentityMaterial(t *testing.T) {
	store, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	private, public, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	identity := &Identity{Kind: KindPassphrase, Label: "local", PublicKey: public, Private: private}

	ref, err := StoreIdentityMaterial(store, identity, "local passphrase")
	if err != nil {
		t.Fatalf("StoreIdentityMaterial failed: %v", err)
	}
	if !strings.HasPrefix(ref, "km-") {
		t.Errorf("Material ref = %q", ref)
	}

	loaded, err := LoadIdentityMaterial(store, ref, "local passphrase")
	if err != nil {
		t.Fatalf("LoadIdentityMaterial failed: %v", err)
	}
	recovered, err := crypto.PublicKeyOf(loaded)
	if err != nil {
		t.Fatalf("PublicKeyOf failed: %v", err)
	}
	if recovered != public {
		t.Errorf("Recovered public key = %q, want %q", recovered, public)
	}

	if _, err := LoadIdentityMaterial(store, ref, "wrong passphrase"); err == nil {
		t.Error("Wrong passphrase accepted")
	}
	if _, err := LoadIdentityMaterial(store, "km-missing", "local passphrase"); err == nil {
		t.Error("Missing material ref accepted")
	}
	if _, err := StoreIdentityMaterial(store, identity, ""); err == nil {
		t.Error("Empty passphrase accepted")
	}
}
