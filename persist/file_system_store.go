package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore implements Store on the local filesystem with optimistic
// concurrency control. Every blob write goes through a temp file, fsync and
// atomic rename.
type FileSystemStore struct {
	basePath     string
	storeConfig  string // basePath/store.json
	registryPath string // basePath/registry.json
	saltPath     string // basePath/derivation.salt
	manifestsDir string // basePath/manifests/
	keysDir      string // basePath/keys/
	tempDir      string // basePath/temp/
}

// storeInfo records when the store was created and last touched.
type storeInfo struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes the directory layout under basePath.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:     basePath,
		storeConfig:  filepath.Join(basePath, "store.json"),
		registryPath: filepath.Join(basePath, "registry.json"),
		saltPath:     filepath.Join(basePath, "derivation.salt"),
		manifestsDir: filepath.Join(basePath, "manifests"),
		keysDir:      filepath.Join(basePath, "keys"),
		tempDir:      filepath.Join(basePath, "temp"),
	}

	dirs := []string{fs.basePath, fs.manifestsDir, fs.keysDir, fs.tempDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeStoreConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeStoreConfig() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		info := storeInfo{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		return writeSecureFile(fs.storeConfig, data, FilePermissions)
	}
	return nil
}

// SaveRegistry with optimistic concurrency control
func (fs *FileSystemStore) SaveRegistry(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("registry data cannot be nil")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.registryPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveRegistry",
			}
		}
	}

	if err := writeSecureFile(fs.registryPath, data, FilePermissions); err != nil {
		return "", err
	}
	return calculateFileVersion(data), nil
}

// LoadRegistry returns the versioned registry blob
func (fs *FileSystemStore) LoadRegistry() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat registry: %w", err)
	}

	data, err := os.ReadFile(fs.registryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) RegistryExists() (bool, error) {
	return fileExists(fs.registryPath)
}

func (fs *FileSystemStore) manifestPath(vaultID string) (string, error) {
	if err := validateBlobID(vaultID); err != nil {
		return "", fmt.Errorf("invalid vault ID: %w", err)
	}
	return filepath.Join(fs.manifestsDir, vaultID+".json"), nil
}

// SaveManifest with optimistic concurrency control
func (fs *FileSystemStore) SaveManifest(vaultID string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("manifest data cannot be nil")
	}
	path, err := fs.manifestPath(vaultID)
	if err != nil {
		return "", err
	}

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveManifest",
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}
	return calculateFileVersion(data), nil
}

// LoadManifest returns one vault's versioned manifest blob
func (fs *FileSystemStore) LoadManifest(vaultID string) (*VersionedData, error) {
	path, err := fs.manifestPath(vaultID)
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for vault %s: %w", vaultID, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) ManifestExists(vaultID string) (bool, error) {
	path, err := fs.manifestPath(vaultID)
	if err != nil {
		return false, err
	}
	return fileExists(path)
}

// ListVaults returns the vault IDs with a manifest blob, sorted.
func (fs *FileSystemStore) ListVaults() ([]string, error) {
	entries, err := os.ReadDir(fs.manifestsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read manifests directory: %w", err)
	}

	var vaults []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		vaults = append(vaults, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(vaults)
	return vaults, nil
}

func (fs *FileSystemStore) DeleteManifest(vaultID string) error {
	path, err := fs.manifestPath(vaultID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete manifest for vault %s: %w", vaultID, err)
	}
	return nil
}

func (fs *FileSystemStore) keyPath(ref string) (string, error) {
	if err := validateBlobID(ref); err != nil {
		return "", fmt.Errorf("invalid key material ref: %w", err)
	}
	return filepath.Join(fs.keysDir, ref+".key"), nil
}

func (fs *FileSystemStore) SaveKeyMaterial(ref string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("key material cannot be empty")
	}
	path, err := fs.keyPath(ref)
	if err != nil {
		return err
	}
	return writeSecureFile(path, data, FilePermissions)
}

func (fs *FileSystemStore) LoadKeyMaterial(ref string) ([]byte, error) {
	path, err := fs.keyPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load key material %s: %w", ref, err)
	}
	return data, nil
}

func (fs *FileSystemStore) DeleteKeyMaterial(ref string) error {
	path, err := fs.keyPath(ref)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (fs *FileSystemStore) SaveSalt(salt []byte) error {
	if len(salt) == 0 {
		return fmt.Errorf("salt is required")
	}
	if err := writeSecureFileWithMetadata(fs.saltPath, salt, FilePermissions, createSaltMetadata()); err != nil {
		return fmt.Errorf("failed to save salt: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) LoadSalt() ([]byte, error) {
	if _, err := os.Stat(fs.saltPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("salt not found")
	}
	salt, err := os.ReadFile(fs.saltPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}
	return salt, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltPath)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.storeConfig); err == nil {
		var info storeInfo
		if err := json.Unmarshal(configData, &info); err == nil {
			info.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeConfig, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// Helper functions
func writeSecureFileWithMetadata(filePath string, data []byte, perm os.FileMode, metadata map[string]string) error {
	if err := writeSecureFile(filePath, data, perm); err != nil {
		return err
	}

	metadataPath := filePath + ".meta"
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return writeSecureFile(metadataPath, metadataBytes, perm)
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
