package fanvault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// ArchiveExtension is the suffix of sealed vault archives.
const ArchiveExtension = ".fvlt"

// Generate a random key ID
func generateKeyID() string {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		// Fall back to timestamp if random fails
		return fmt.Sprintf("key-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeVaultName maps a display name onto the character set safe for
// file names and archive prefixes. Runs of disallowed characters collapse
// into a single dash.
func SanitizeVaultName(name string) string {
	s := sanitizePattern.ReplaceAllString(strings.TrimSpace(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "vault"
	}
	return s
}

// ArchiveFileName builds the canonical archive name for a vault sealed on
// the given day, e.g. "Family-Trust-2026-08-25.fvlt".
func ArchiveFileName(sanitizedName string, sealedAt time.Time) string {
	return fmt.Sprintf("%s-%s%s", sanitizedName, sealedAt.UTC().Format("2006-01-02"), ArchiveExtension)
}

// Archive names carry an optional trailing date stamp. The name part is
// matched lazily so "Family-Trust-2025-10-13.fvlt" splits into
// ("Family-Trust", "2025-10-13") rather than swallowing the date.
var archiveNamePattern = regexp.MustCompile(`^([^-]+(?:-[^-]+)*?)(?:-(\d{4}-\d{2}-\d{2}))?\.fvlt$`)

// ParseArchiveName splits an archive file name into the sanitized vault
// name and the optional seal date. ok is false when the name does not
// carry the expected extension or shape.
func ParseArchiveName(fileName string) (name string, sealedOn string, ok bool) {
	m := archiveNamePattern.FindStringSubmatch(fileName)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func validateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("label cannot be empty")
	}
	if !utf8.ValidString(label) {
		return fmt.Errorf("label must be valid UTF-8")
	}
	if len(label) > 128 {
		return fmt.Errorf("label too long: %d bytes (max 128)", len(label))
	}
	return nil
}

func validateVaultID(vaultID string) error {
	if strings.TrimSpace(vaultID) == "" {
		return fmt.Errorf("vault ID cannot be empty")
	}
	return nil
}
