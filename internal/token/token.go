// Package token issues the two unguessable tokens handed out per upload: a
// storage identifier (public download reference and blob name) and a deletion
// key (private, authorizes removal).
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

const deletionKeyBytes = 32

var deletionKeyLen = base64.RawURLEncoding.EncodedLen(deletionKeyBytes)

// NewStorageID returns a random version 4 UUID in canonical lowercase form.
func NewStorageID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate storage id: %w", err)
	}
	return id.String(), nil
}

// NewDeletionKey returns 256 random bits encoded as unpadded base64url.
func NewDeletionKey() (string, error) {
	raw := make([]byte, deletionKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate deletion key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidStorageID reports whether s has the exact shape NewStorageID produces.
func ValidStorageID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.String() == s
}

// ValidDeletionKey reports whether s has the exact shape NewDeletionKey produces.
func ValidDeletionKey(s string) bool {
	if len(s) != deletionKeyLen {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(raw) == deletionKeyBytes
}
