// Package artifact defines the content-addressed artifact record.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Record tracks one produced file. The hash is deterministic over content
// bytes: identical bytes always produce an identical hash, so re-producing
// the same content is a safe no-op rather than a conflict.
type Record struct {
	Path         string    `json:"path"`
	Hash         string    `json:"hash"`
	Size         int64     `json:"size"`
	Summary      string    `json:"summary,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// HashContent returns the hex-encoded sha256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewRecord builds a Record for the given path and content.
func NewRecord(path string, content []byte, summary string) Record {
	return Record{
		Path:         path,
		Hash:         HashContent(content),
		Size:         int64(len(content)),
		Summary:      summary,
		LastModified: time.Now().UTC(),
	}
}
