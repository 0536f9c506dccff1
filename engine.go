package fanvault

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/fanvault/audit"
	"southwinds.dev/fanvault/internal/bundle"
	"southwinds.dev/fanvault/internal/mem"
)

// Destroy enclave-backed buffers before the process dies on an interrupt.
func init() {
	memguard.CatchInterrupt()
}

// archiveMagic opens every sealed archive. The plaintext header after it
// carries just enough metadata to analyze an archive without any key.
const archiveMagic = "FVAR1"

// archiveHeader is the plaintext preamble of a sealed archive. It holds no
// file names, no recipient identities and no content; only what recovery
// needs to name the vault it is rebuilding.
type archiveHeader struct {
	VaultID         string    `json:"vault_id"`
	Name            string    `json:"name"`
	SanitizedName   string    `json:"sanitized_name"`
	CreatedAt       time.Time `json:"created_at"`
	SealedAt        time.Time `json:"sealed_at"`
	EncryptionCount uint32    `json:"encryption_count"`
}

func encodeArchive(h archiveHeader, envelope []byte) ([]byte, error) {
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive header: %w", err)
	}

	out := make([]byte, 0, len(archiveMagic)+4+len(headerJSON)+len(envelope))
	out = append(out, archiveMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, envelope...)
	return out, nil
}

func decodeArchive(data []byte) (archiveHeader, []byte, error) {
	var h archiveHeader
	if len(data) < len(archiveMagic)+4 {
		return h, nil, fmt.Errorf("archive too short")
	}
	if string(data[:len(archiveMagic)]) != archiveMagic {
		return h, nil, fmt.Errorf("not a sealed archive: bad magic")
	}

	headerLen := binary.BigEndian.Uint32(data[len(archiveMagic) : len(archiveMagic)+4])
	offset := len(archiveMagic) + 4
	if len(data)-offset < int(headerLen) {
		return h, nil, fmt.Errorf("archive header truncated")
	}

	if err := json.Unmarshal(data[offset:offset+int(headerLen)], &h); err != nil {
		return h, nil, fmt.Errorf("failed to parse archive header: %w", err)
	}
	return h, data[offset+int(headerLen):], nil
}

// Progress reports long-running engine work. stage is "bundle", "encrypt",
// "write" or "extract"; current counts completed items out of total (total
// is 0 when unknown).
type Progress func(stage, name string, current, total int)

// SealRequest describes one encryption run.
type SealRequest struct {
	// VaultID selects an existing vault; empty creates a new one from Name.
	VaultID string
	// Name is the display name for a new vault.
	Name string
	// RecipientIDs are the registry keys to seal to, 1 to MaxVaultKeys.
	RecipientIDs []string
	// Paths are the files and directories to bundle.
	Paths []string
	// OutputDir receives the sealed archive.
	OutputDir string
	// Progress is optional.
	Progress Progress
}

// SealResult reports a completed seal.
type SealResult struct {
	Manifest    *Manifest
	ArchivePath string
	Files       []FileEntry
}

// UnsealRequest describes one decryption run.
type UnsealRequest struct {
	ArchivePath string
	Identity    *Identity
	OutputDir   string
	Progress    Progress
}

// UnsealResult reports a completed unseal. Warnings carries integrity
// mismatches; the files named there were still delivered. When the archive
// had no matching local manifest, RecoveryMode is set and Manifest is the
// reconstructed one.
type UnsealResult struct {
	VaultID      string
	VaultName    string
	Files        []FileEntry
	Warnings     []IntegrityWarning
	RecoveryMode bool
	Manifest     *Manifest
}

// Engine orchestrates fan-out encryption: it owns the recipient protocol
// and the manifest-sealing side effect, not the cipher primitive.
type Engine struct {
	registry   *KeyRegistry
	manifests  *ManifestStore
	cipher     Cipher
	reconciler *Reconciler
	audit      audit.Logger
	protection mem.ProtectionLevel
}

// NewEngine wires the engine. A nil cipher selects the default envelope
// cipher; a nil reconciler disables automatic recovery on unseal (the
// caller gets ErrRecoveryRequired instead).
func NewEngine(registry *KeyRegistry, manifests *ManifestStore, cipher Cipher, reconciler *Reconciler, auditLogger audit.Logger) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if manifests == nil {
		return nil, fmt.Errorf("manifest store cannot be nil")
	}
	if cipher == nil {
		cipher = EnvelopeCipher{}
	}
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}

	// Best effort: plaintext passes through engine memory between decrypt
	// and extract, so try to keep it out of swap. Memguard still protects
	// the key material itself when locking is unavailable.
	protection, err := mem.Lock()
	if err != nil {
		protection = mem.ProtectionNone
	}

	return &Engine{
		registry:   registry,
		manifests:  manifests,
		cipher:     cipher,
		reconciler: reconciler,
		audit:      auditLogger,
		protection: protection,
	}, nil
}

// MemoryProtection describes the level of swap protection the engine
// obtained at construction.
func (e *Engine) MemoryProtection() string {
	switch e.protection {
	case mem.ProtectionFull:
		return "full - memory locked and protected from swapping"
	case mem.ProtectionPartial:
		return "partial - basic memory protection applied"
	default:
		return "none - sensitive data may be swapped to disk"
	}
}

// Seal bundles the request's paths and encrypts them to every recipient,
// so any single one can later decrypt. The ciphertext is written to a
// temporary file and promoted atomically: an abort or crash never leaves a
// partial archive at the final path. On success the vault manifest gets a
// fresh envelope snapshot and its encryption count is incremented.
func (e *Engine) Seal(ctx context.Context, req SealRequest) (*SealResult, error) {
	if len(req.RecipientIDs) == 0 {
		return nil, &EncryptionError{VaultID: req.VaultID, Reason: "no recipients"}
	}
	if len(req.RecipientIDs) > MaxVaultKeys {
		return nil, &EncryptionError{VaultID: req.VaultID, Reason: fmt.Sprintf("%d recipients exceeds the cap of %d", len(req.RecipientIDs), MaxVaultKeys)}
	}
	if len(req.Paths) == 0 {
		return nil, &EncryptionError{VaultID: req.VaultID, Reason: "nothing to encrypt"}
	}
	if req.OutputDir == "" {
		return nil, &EncryptionError{VaultID: req.VaultID, Reason: "output directory is required"}
	}

	manifest, err := e.resolveManifest(req)
	if err != nil {
		return nil, err
	}

	recipients, err := e.resolveRecipients(manifest, req.RecipientIDs)
	if err != nil {
		e.auditLog("vault_sealed", false, map[string]interface{}{"vault_id": manifest.VaultID, "error": err.Error()})
		return nil, err
	}

	for _, k := range recipients {
		if err := e.registry.Attach(k.ID, manifest.VaultID); err != nil {
			return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: fmt.Sprintf("failed to attach key %s", k.ID), Err: err}
		}
	}

	sources, err := bundle.CollectSources(req.Paths)
	if err != nil {
		return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: "failed to collect sources", Err: err}
	}

	var packed bytes.Buffer
	entries, err := bundle.Pack(ctx, &packed, sources, func(name string, current, total int) {
		if req.Progress != nil {
			req.Progress("bundle", name, current, total)
		}
	})
	if err != nil {
		return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: "failed to bundle files", Err: err}
	}

	files := make([]FileEntry, 0, len(entries))
	for _, en := range entries {
		files = append(files, FileEntry{Path: en.Name, Size: en.Size, SHA256: en.SHA256})
	}

	publicKeys := make([]string, 0, len(recipients))
	for _, k := range recipients {
		publicKeys = append(publicKeys, k.PublicKey)
	}

	if req.Progress != nil {
		req.Progress("encrypt", manifest.SanitizedName, 0, 1)
	}
	envelope, err := e.cipher.Seal(packed.Bytes(), publicKeys)
	if err != nil {
		e.auditLog("vault_sealed", false, map[string]interface{}{"vault_id": manifest.VaultID, "error": err.Error()})
		return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: "cipher seal failed", Err: err}
	}
	if req.Progress != nil {
		req.Progress("encrypt", manifest.SanitizedName, 1, 1)
	}

	now := time.Now().UTC()
	archive, err := encodeArchive(archiveHeader{
		VaultID:         manifest.VaultID,
		Name:            manifest.Name,
		SanitizedName:   manifest.SanitizedName,
		CreatedAt:       manifest.CreatedAt,
		SealedAt:        now,
		EncryptionCount: manifest.EncryptionCount + 1,
	}, envelope)
	if err != nil {
		return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: "failed to build archive", Err: err}
	}

	finalPath := filepath.Join(req.OutputDir, ArchiveFileName(manifest.SanitizedName, now))
	if err := writeArchiveAtomic(ctx, finalPath, archive, req.Progress); err != nil {
		e.auditLog("vault_sealed", false, map[string]interface{}{"vault_id": manifest.VaultID, "error": err.Error()})
		return nil, err
	}

	if err := manifest.Seal(recipients, files, now); err != nil {
		return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: "failed to seal manifest", Err: err}
	}
	if err := e.manifests.Save(manifest); err != nil {
		return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: "failed to persist manifest", Err: err}
	}

	for _, k := range recipients {
		_ = e.registry.TouchLastUsed(k.ID)
	}

	e.auditLog("vault_sealed", true, map[string]interface{}{
		"vault_id":   manifest.VaultID,
		"recipients": len(recipients),
		"files":      len(files),
		"archive":    finalPath,
	})

	return &SealResult{Manifest: manifest, ArchivePath: finalPath, Files: files}, nil
}

func (e *Engine) resolveManifest(req SealRequest) (*Manifest, error) {
	if req.VaultID != "" {
		m, err := e.manifests.Load(req.VaultID)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	if req.Name == "" {
		return nil, &EncryptionError{Reason: "either a vault ID or a name is required"}
	}

	// Reuse a draft or sealed vault with the same name; first encryption
	// attempt creates the manifest.
	if m, err := e.manifests.FindByName(SanitizeVaultName(req.Name)); err == nil {
		return m, nil
	}
	m := NewManifest(req.Name)
	if err := e.manifests.Save(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) resolveRecipients(manifest *Manifest, ids []string) ([]*KeyEntry, error) {
	seen := make(map[string]bool, len(ids))
	recipients := make([]*KeyEntry, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: fmt.Sprintf("duplicate recipient %s", id)}
		}
		seen[id] = true

		k, err := e.registry.Get(id)
		if err != nil {
			return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: fmt.Sprintf("unknown recipient %s", id), Err: err}
		}
		switch k.Lifecycle {
		case StatusPreActivation, StatusActive, StatusSuspended:
		default:
			return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: fmt.Sprintf("key %s is %s and cannot receive new envelopes", id, k.Lifecycle)}
		}
		if k.PublicKey == "" {
			return nil, &EncryptionError{VaultID: manifest.VaultID, Reason: fmt.Sprintf("key %s has no public key", id)}
		}
		recipients = append(recipients, k)
	}
	return recipients, nil
}

// writeArchiveAtomic writes data next to the final path and promotes it
// with a rename. The context is honoured up to the promote; after the
// rename the archive is complete and visible.
func writeArchiveAtomic(ctx context.Context, finalPath string, data []byte, progress Progress) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".fvlt-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}

	if progress != nil {
		progress("write", filepath.Base(finalPath), 0, 1)
	}
	if _, err = tmpFile.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close archive: %w", err)
	}

	// Last abort point: nothing is visible at the final path yet.
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err = os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set archive permissions: %w", err)
	}
	if err = os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to promote archive: %w", err)
	}
	if progress != nil {
		progress("write", filepath.Base(finalPath), 1, 1)
	}
	return nil
}

// Unseal decrypts an archive with a single identity (quorum-of-one) and
// extracts the bundle into OutputDir. Hash mismatches against the manifest
// are delivered as warnings, not failures. An archive with no matching
// local manifest is handed to the reconciler; without one, the caller gets
// ErrRecoveryRequired alongside the extracted files.
func (e *Engine) Unseal(ctx context.Context, req UnsealRequest) (*UnsealResult, error) {
	if req.Identity == nil || req.Identity.Private == nil {
		return nil, fmt.Errorf("%w: no identity provided", ErrDecryption)
	}
	if req.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	raw, err := os.ReadFile(req.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	header, envelope, err := decodeArchive(raw)
	if err != nil {
		return nil, err
	}

	manifest, err := e.manifests.Load(header.VaultID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Wrong key fails here, before anything is written.
	packed, err := e.cipher.Open(envelope, req.Identity.Private)
	if err != nil {
		e.auditLog("vault_unsealed", false, map[string]interface{}{"vault_id": header.VaultID, "error": err.Error()})
		return nil, err
	}

	entries, err := bundle.Unpack(ctx, bytes.NewReader(packed), req.OutputDir, func(name string, current, total int) {
		if req.Progress != nil {
			req.Progress("extract", name, current, total)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract bundle: %w", err)
	}

	result := &UnsealResult{
		VaultID:   header.VaultID,
		VaultName: header.Name,
		Manifest:  manifest,
	}
	for _, en := range entries {
		result.Files = append(result.Files, FileEntry{Path: en.Name, Size: en.Size, SHA256: en.SHA256})
	}

	if manifest != nil {
		result.Warnings = verifyIntegrity(manifest, result.Files)
		for _, w := range result.Warnings {
			e.auditLog("integrity_mismatch", false, map[string]interface{}{
				"vault_id": header.VaultID,
				"path":     w.Path,
			})
		}
	}

	if req.Identity.KeyID != "" {
		_ = e.registry.TouchLastUsed(req.Identity.KeyID)
	}

	if manifest == nil {
		result.RecoveryMode = true
		if e.reconciler == nil {
			e.auditLog("vault_unsealed", true, map[string]interface{}{"vault_id": header.VaultID, "recovery_mode": true})
			return result, fmt.Errorf("vault %s: %w", header.VaultID, ErrRecoveryRequired)
		}
		rebuilt, err := e.reconciler.Reconcile(header, result.Files, req.Identity)
		if err != nil {
			return result, fmt.Errorf("recovery reconciliation failed: %w", err)
		}
		result.Manifest = rebuilt
	}

	e.auditLog("vault_unsealed", true, map[string]interface{}{
		"vault_id":      header.VaultID,
		"files":         len(result.Files),
		"warnings":      len(result.Warnings),
		"recovery_mode": result.RecoveryMode,
	})
	return result, nil
}

// verifyIntegrity compares extracted files with the manifest's entries.
// Every divergence is a warning; nothing is withheld.
func verifyIntegrity(manifest *Manifest, extracted []FileEntry) []IntegrityWarning {
	expected := make(map[string]FileEntry, len(manifest.Files))
	for _, f := range manifest.Files {
		expected[f.Path] = f
	}

	var warnings []IntegrityWarning
	for _, f := range extracted {
		want, ok := expected[f.Path]
		if !ok {
			warnings = append(warnings, IntegrityWarning{Path: f.Path, Expected: "", Actual: f.SHA256})
			continue
		}
		if want.SHA256 != f.SHA256 {
			warnings = append(warnings, IntegrityWarning{Path: f.Path, Expected: want.SHA256, Actual: f.SHA256})
		}
	}
	return warnings
}

// Status derives the vault status from the manifest store and an optional
// archive path.
func (e *Engine) Status(vaultID, archivePath string) (VaultStatus, error) {
	manifestPresent, err := e.manifests.Exists(vaultID)
	if err != nil {
		return "", err
	}

	var count uint32
	if manifestPresent {
		m, err := e.manifests.Load(vaultID)
		if err != nil {
			return "", err
		}
		count = m.EncryptionCount
	}

	archivePresent := false
	if archivePath != "" {
		if _, err := os.Stat(archivePath); err == nil {
			archivePresent = true
		}
	}

	return ComputeStatus(manifestPresent, archivePresent, count), nil
}

func (e *Engine) auditLog(action string, success bool, metadata map[string]interface{}) {
	_ = e.audit.Log(action, success, metadata)
}
