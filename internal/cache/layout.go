package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kimhsiao/scanvault/backend/internal/models"
)

const tmpSuffix = ".tmp"

// ContentHash returns the lowercase hex SHA-256 of data. This is the format
// of the catalog contentHash field.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader returns the lowercase hex SHA-256 of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashMatches compares a computed hash against an expected one, ignoring
// case and an optional "sha256:" prefix. An empty expectation always matches.
func HashMatches(expected, actual string) bool {
	expected = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(expected)), "sha256:")
	if expected == "" {
		return true
	}
	return expected == strings.ToLower(actual)
}

func kindDir(kind models.CacheKind) string {
	if kind == models.CacheKindThumbnail {
		return "thumbnails"
	}
	return "assets"
}

// pathFor returns the relative file path of a template's file.
// Template ids are server supplied, so the file name is a hash of the id:
// {kind}/{key[0:2]}/{key}.
func pathFor(kind models.CacheKind, templateID string) string {
	key := ContentHash([]byte(templateID))
	return filepath.Join(kindDir(kind), key[0:2], key)
}
