package fanvault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"southwinds.dev/fanvault/audit"
)

// Analysis is what can be learned about an archive without any key: the
// plaintext header, the file name, and whether a local manifest matches.
type Analysis struct {
	VaultID        string      `json:"vault_id,omitempty"`
	VaultName      string      `json:"vault_name"`
	SanitizedName  string      `json:"sanitized_name"`
	CreatedAt      *time.Time  `json:"created_at,omitempty"`
	SealedOn       string      `json:"sealed_on,omitempty"`
	ManifestExists bool        `json:"manifest_exists"`
	RecoveryMode   bool        `json:"recovery_mode"`
	AssociatedKeys []Recipient `json:"associated_keys,omitempty"`
}

// Reconciler rebuilds registry and manifest entries when ciphertext exists
// without matching local metadata.
type Reconciler struct {
	registry  *KeyRegistry
	manifests *ManifestStore
	audit     audit.Logger
}

func NewReconciler(registry *KeyRegistry, manifests *ManifestStore, auditLogger audit.Logger) (*Reconciler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if manifests == nil {
		return nil, fmt.Errorf("manifest store cannot be nil")
	}
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}
	return &Reconciler{registry: registry, manifests: manifests, audit: auditLogger}, nil
}

// analyzeHeaderBytes is how much of an archive Analyze reads. The plaintext
// header sits at the front; the envelope is never needed.
const analyzeHeaderBytes = 64 * 1024

// Analyze inspects an archive without a key. It parses the file name, reads
// the plaintext header when the file is readable, and reports recovery mode
// whenever no local manifest matches.
func (r *Reconciler) Analyze(archivePath string) (*Analysis, error) {
	fileName := filepath.Base(archivePath)
	name, sealedOn, ok := ParseArchiveName(fileName)
	if !ok {
		return nil, fmt.Errorf("%s is not a sealed archive name", fileName)
	}

	analysis := &Analysis{
		VaultName:     name,
		SanitizedName: name,
		SealedOn:      sealedOn,
	}

	// The embedded header is richer than the file name; use it when the
	// file is present and intact.
	if header, err := readArchiveHeader(archivePath); err == nil {
		analysis.VaultID = header.VaultID
		analysis.VaultName = header.Name
		analysis.SanitizedName = header.SanitizedName
		created := header.CreatedAt
		analysis.CreatedAt = &created
	}

	manifest := r.findManifest(analysis)
	if manifest != nil {
		analysis.ManifestExists = true
		analysis.VaultID = manifest.VaultID
		analysis.AssociatedKeys = append([]Recipient(nil), manifest.Envelope...)
		if analysis.CreatedAt == nil {
			created := manifest.CreatedAt
			analysis.CreatedAt = &created
		}
	}
	analysis.RecoveryMode = !analysis.ManifestExists

	return analysis, nil
}

func (r *Reconciler) findManifest(analysis *Analysis) *Manifest {
	if analysis.VaultID != "" {
		if m, err := r.manifests.Load(analysis.VaultID); err == nil {
			return m
		}
	}
	if m, err := r.manifests.FindByName(analysis.SanitizedName); err == nil {
		return m
	}
	return nil
}

func readArchiveHeader(archivePath string) (archiveHeader, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return archiveHeader{}, err
	}
	defer f.Close()

	prefix := make([]byte, analyzeHeaderBytes)
	n, err := io.ReadFull(f, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return archiveHeader{}, err
	}

	header, _, err := decodeArchive(prefix[:n])
	return header, err
}

// Reconcile builds a fresh manifest from a successfully decrypted file set
// and registers the key that performed the decrypt if it is unknown. The
// reconstructed envelope can only name the used key: the other original
// recipients are unknowable without the lost manifest and are re-added on
// the next full seal. The ciphertext itself is never touched.
func (r *Reconciler) Reconcile(header archiveHeader, files []FileEntry, used *Identity) (*Manifest, error) {
	if used == nil {
		return nil, fmt.Errorf("a used identity is required to reconcile")
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("cannot reconcile an empty file set")
	}

	key, err := r.ensureRegistered(used, header.VaultID)
	if err != nil {
		r.auditLog("vault_reconciled", false, map[string]interface{}{"vault_id": header.VaultID, "error": err.Error()})
		return nil, err
	}

	now := time.Now().UTC()
	manifest := &Manifest{
		SchemaVersion:   manifestSchemaVersion,
		VaultID:         header.VaultID,
		Name:            header.Name,
		SanitizedName:   header.SanitizedName,
		CreatedAt:       header.CreatedAt,
		EncryptionCount: header.EncryptionCount,
		Envelope: []Recipient{{
			KeyID:     key.ID,
			Kind:      key.Kind,
			Label:     key.Label,
			PublicKey: key.PublicKey,
			AddedAt:   now,
		}},
		Files: append([]FileEntry(nil), files...),
	}
	if manifest.EncryptionCount == 0 {
		manifest.EncryptionCount = 1
	}
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = now
	}
	sealedAt := header.SealedAt
	if sealedAt.IsZero() {
		sealedAt = now
	}
	manifest.LastSealedAt = &sealedAt
	for _, f := range files {
		manifest.TotalSize += f.Size
	}

	if err := r.manifests.Save(manifest); err != nil {
		return nil, fmt.Errorf("failed to persist reconstructed manifest: %w", err)
	}

	r.auditLog("vault_reconciled", true, map[string]interface{}{
		"vault_id": manifest.VaultID,
		"key_id":   key.ID,
		"files":    len(files),
	})
	return manifest, nil
}

// ensureRegistered returns the registry entry for the identity, creating
// one (Active, attached to the vault) when the key is unknown locally.
func (r *Reconciler) ensureRegistered(used *Identity, vaultID string) (*KeyEntry, error) {
	if used.KeyID != "" {
		key, err := r.registry.Get(used.KeyID)
		if err == nil {
			if err := r.registry.Attach(key.ID, vaultID); err != nil {
				return nil, err
			}
			return r.registry.Get(key.ID)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	// Match by public key before inventing a new entry.
	if used.PublicKey != "" {
		listings, err := r.registry.List(context.Background(), ListFilter{Scope: FilterAll, IncludeDestroyed: true})
		if err != nil {
			return nil, err
		}
		for _, l := range listings {
			if l.Key.PublicKey == used.PublicKey {
				if err := r.registry.Attach(l.Key.ID, vaultID); err != nil {
					return nil, err
				}
				return r.registry.Get(l.Key.ID)
			}
		}
	}

	kind := used.Kind
	if kind == "" {
		kind = KindPassphrase
	}
	label := used.Label
	if label == "" {
		label = "recovered-key"
	}

	id, err := r.registry.RegisterKey(NewKeyParams{
		Kind:      kind,
		Label:     label,
		PublicKey: used.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register recovered key: %w", err)
	}
	if err := r.registry.Attach(id, vaultID); err != nil {
		return nil, err
	}
	return r.registry.Get(id)
}

// ImportRecipients additively merges the recipients recorded in a
// recovered manifest into the registry. Known public keys are attached to
// the vault; unknown ones are registered first. Returns the key ids
// touched.
func (r *Reconciler) ImportRecipients(m *Manifest) ([]string, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest cannot be nil")
	}

	var touched []string
	for _, recipient := range m.Envelope {
		key, err := r.ensureRegistered(&Identity{
			KeyID:     recipient.KeyID,
			Kind:      recipient.Kind,
			Label:     recipient.Label,
			PublicKey: recipient.PublicKey,
		}, m.VaultID)
		if err != nil {
			return touched, err
		}
		touched = append(touched, key.ID)
	}

	r.auditLog("recipients_imported", true, map[string]interface{}{
		"vault_id": m.VaultID,
		"keys":     touched,
	})
	return touched, nil
}

func (r *Reconciler) auditLog(action string, success bool, metadata map[string]interface{}) {
	_ = r.audit.Log(action, success, metadata)
}
