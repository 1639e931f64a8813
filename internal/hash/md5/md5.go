// Package md5 provides MD5 content hashing. MD5 is used only as a cheap
// content-addressed identity for duplicate detection, never for security.
package md5

import (
	"crypto/md5" // #nosec G501 -- dedup identity, not a security boundary
	"encoding/hex"
)

// Hasher implements scraper.Hasher using MD5.
type Hasher struct{}

// New returns an MD5 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := md5.Sum(data) // #nosec G401
	return hex.EncodeToString(sum[:]), nil
}
