package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// contentHash hashes dedup content with SHA-256, truncated to 16 bytes of
// hex for compact cache keys.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}
