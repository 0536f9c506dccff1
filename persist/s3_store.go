package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/fanvault/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend.
//
// S3 object structure:
//
//	bucketName/
//	├── [keyPrefix/]store.json        # store bookkeeping
//	├── [keyPrefix/]registry.json     # key registry blob
//	├── [keyPrefix/]derivation.salt   # passphrase derivation salt
//	├── [keyPrefix/]manifests/
//	│   └── <vault-id>.json           # one manifest blob per vault
//	└── [keyPrefix/]keys/
//	    └── <ref>.key                 # wrapped private material per key
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucket.
}

// NewS3Store initializes a new S3Store, verifying the bucket exists and
// creating the store bookkeeping object on first use.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	if err = store.initializeStoreConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from the generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) objectName(parts ...string) string {
	all := parts
	if s3s.keyPrefix != "" {
		all = append([]string{strings.TrimSuffix(s3s.keyPrefix, "/")}, parts...)
	}
	return strings.Join(all, "/")
}

func (s3s *S3Store) initializeStoreConfig(ctx context.Context) error {
	name := s3s.objectName("store.json")
	debug.Print("S3Store: store config object: '%s'\n", name)

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, name, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minioErr := minio.ToErrorResponse(err); minioErr.Code != "NoSuchKey" {
		return fmt.Errorf("failed to check store config: %w", err)
	}

	info := storeInfo{
		Version:    "1.0.0",
		CreatedAt:  time.Now().UTC(),
		LastAccess: time.Now().UTC(),
		Structure:  "v1",
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store config: %w", err)
	}
	return s3s.putObject(ctx, name, data)
}

func (s3s *S3Store) putObject(ctx context.Context, name string, data []byte) error {
	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		name,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", name, err)
	}
	return nil
}

// getObject returns the object bytes, or os.ErrNotExist when missing.
func (s3s *S3Store) getObject(ctx context.Context, name string) ([]byte, time.Time, error) {
	obj, err := s3s.client.GetObject(ctx, s3s.bucketName, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to get object %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return nil, time.Time{}, fmt.Errorf("object %s: %w", name, os.ErrNotExist)
		}
		return nil, time.Time{}, fmt.Errorf("failed to read object %s: %w", name, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		return data, time.Time{}, nil
	}
	return data, stat.LastModified, nil
}

func (s3s *S3Store) objectExists(ctx context.Context, name string) (bool, error) {
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", name, err)
}

// getObjectVersion returns the content version of an object, "" if absent.
func (s3s *S3Store) getObjectVersion(ctx context.Context, name string) (string, error) {
	data, _, err := s3s.getObject(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func isNotFound(err error) bool {
	if os.IsNotExist(err) || strings.Contains(err.Error(), os.ErrNotExist.Error()) {
		return true
	}
	minioErr := minio.ToErrorResponse(err)
	return minioErr.Code == "NoSuchKey"
}

// saveVersioned writes the object after checking the expected version.
func (s3s *S3Store) saveVersioned(name string, data []byte, expectedVersion, operation string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, name)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := s3s.putObject(ctx, name, data); err != nil {
		return "", err
	}
	return calculateFileVersion(data), nil
}

func (s3s *S3Store) loadVersioned(name string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, modified, err := s3s.getObject(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: modified,
	}, nil
}

// SaveRegistry with optimistic concurrency control
func (s3s *S3Store) SaveRegistry(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("registry data cannot be nil")
	}
	return s3s.saveVersioned(s3s.objectName("registry.json"), data, expectedVersion, "SaveRegistry")
}

func (s3s *S3Store) LoadRegistry() (*VersionedData, error) {
	return s3s.loadVersioned(s3s.objectName("registry.json"))
}

func (s3s *S3Store) RegistryExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.objectExists(ctx, s3s.objectName("registry.json"))
}

// SaveManifest with optimistic concurrency control
func (s3s *S3Store) SaveManifest(vaultID string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("manifest data cannot be nil")
	}
	if err := validateBlobID(vaultID); err != nil {
		return "", fmt.Errorf("invalid vault ID: %w", err)
	}
	return s3s.saveVersioned(s3s.objectName("manifests", vaultID+".json"), data, expectedVersion, "SaveManifest")
}

func (s3s *S3Store) LoadManifest(vaultID string) (*VersionedData, error) {
	if err := validateBlobID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}
	return s3s.loadVersioned(s3s.objectName("manifests", vaultID+".json"))
}

func (s3s *S3Store) ManifestExists(vaultID string) (bool, error) {
	if err := validateBlobID(vaultID); err != nil {
		return false, fmt.Errorf("invalid vault ID: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.objectExists(ctx, s3s.objectName("manifests", vaultID+".json"))
}

func (s3s *S3Store) ListVaults() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.objectName("manifests") + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var vaults []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list manifests: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(name, ".json") || strings.Contains(name, "/") {
			continue
		}
		vaults = append(vaults, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(vaults)
	return vaults, nil
}

func (s3s *S3Store) DeleteManifest(vaultID string) error {
	if err := validateBlobID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	name := s3s.objectName("manifests", vaultID+".json")
	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete manifest for vault %s: %w", vaultID, err)
	}
	return nil
}

func (s3s *S3Store) SaveKeyMaterial(ref string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("key material cannot be empty")
	}
	if err := validateBlobID(ref); err != nil {
		return fmt.Errorf("invalid key material ref: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.putObject(ctx, s3s.objectName("keys", ref+".key"), data)
}

func (s3s *S3Store) LoadKeyMaterial(ref string) ([]byte, error) {
	if err := validateBlobID(ref); err != nil {
		return nil, fmt.Errorf("invalid key material ref: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, _, err := s3s.getObject(ctx, s3s.objectName("keys", ref+".key"))
	if err != nil {
		if isNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return data, nil
}

func (s3s *S3Store) DeleteKeyMaterial(ref string) error {
	if err := validateBlobID(ref); err != nil {
		return fmt.Errorf("invalid key material ref: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	name := s3s.objectName("keys", ref+".key")
	exists, err := s3s.objectExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("key material %s: %w", ref, os.ErrNotExist)
	}
	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete key material %s: %w", ref, err)
	}
	return nil
}

func (s3s *S3Store) SaveSalt(salt []byte) error {
	if len(salt) == 0 {
		return fmt.Errorf("salt is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.putObject(ctx, s3s.objectName("derivation.salt"), salt)
}

func (s3s *S3Store) LoadSalt() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, _, err := s3s.getObject(ctx, s3s.objectName("derivation.salt"))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("salt not found")
		}
		return nil, err
	}
	return data, nil
}

func (s3s *S3Store) SaltExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.objectExists(ctx, s3s.objectName("derivation.salt"))
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to reach bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	name := s3s.objectName("store.json")
	data, _, err := s3s.getObject(ctx, name)
	if err != nil {
		return nil
	}
	var info storeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	info.LastAccess = time.Now().UTC()
	if updated, err := json.MarshalIndent(info, "", "  "); err == nil {
		_ = s3s.putObject(ctx, name, updated)
	}
	return nil
}
