package fanvault

import (
	"errors"
	"fmt"
)

// Sentinel errors for the operations exposed by the registry, manifest,
// engine and reconciler. Callers match with errors.Is; richer context is
// attached by wrapping with fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound indicates a key or vault id that is not known locally.
	ErrNotFound = errors.New("not found")

	// ErrIneligibleForDeactivation indicates the key is part of at least one
	// sealed envelope and deactivating it could strand a vault.
	ErrIneligibleForDeactivation = errors.New("key is part of a sealed envelope and cannot be deactivated")

	// ErrSealedEnvelope indicates the key is recorded in the target vault's
	// sealed envelope and cannot be detached without re-encryption.
	ErrSealedEnvelope = errors.New("key is part of the vault's sealed envelope")

	// ErrNotRestorable indicates the deactivation grace window has elapsed.
	ErrNotRestorable = errors.New("grace window elapsed, key is not restorable")

	// ErrVaultFull indicates the vault already carries the maximum number of
	// recipient keys.
	ErrVaultFull = errors.New("vault already has the maximum number of keys")

	// ErrDecryption covers wrong-key and authentication failures. No output
	// is produced when this is returned.
	ErrDecryption = errors.New("decryption failed")

	// ErrRecoveryRequired signals that ciphertext exists without a matching
	// local manifest. It is a mode signal, not a hard failure: callers route
	// to the recovery reconciler.
	ErrRecoveryRequired = errors.New("no local manifest matches the archive, recovery required")
)

// InvalidTransitionError reports a lifecycle edge that does not exist in the
// transition graph. The key is left unchanged when this is returned.
type InvalidTransitionError struct {
	KeyID string
	From  LifecycleStatus
	To    LifecycleStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s for key %s", e.From, e.To, e.KeyID)
}

// EncryptionError reports a failed seal operation, including recipient
// cardinality violations.
type EncryptionError struct {
	VaultID string
	Reason  string
	Err     error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption failed for vault %s: %s: %v", e.VaultID, e.Reason, e.Err)
	}
	return fmt.Sprintf("encryption failed for vault %s: %s", e.VaultID, e.Reason)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// IntegrityWarning records a file whose content hash did not match the
// manifest after extraction. It is surfaced as a warning on the unseal
// result, never as a hard failure: the file is still delivered.
type IntegrityWarning struct {
	Path     string
	Expected string
	Actual   string
}

func (w IntegrityWarning) String() string {
	return fmt.Sprintf("integrity mismatch for %s: manifest %s, extracted %s", w.Path, w.Expected, w.Actual)
}
