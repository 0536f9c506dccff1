package persist

import (
	"fmt"
	"strings"
	"time"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateBlobID guards blob identifiers used as path or object-key
// components against traversal.
func validateBlobID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if strings.Contains(id, "..") ||
		strings.Contains(id, "/") ||
		strings.Contains(id, "\\") ||
		strings.Contains(id, " ") {
		return fmt.Errorf("identifier contains invalid characters")
	}

	if len(id) > 100 {
		return fmt.Errorf("identifier too long (max 100 characters)")
	}

	return nil
}

func createSaltMetadata() map[string]string {
	return map[string]string{
		"derivation-salt": "true",
		"data-type":       "salt",
		"created-at":      time.Now().UTC().Format(time.RFC3339),
	}
}
