// Package sha256 digests artifact content so that a stored blob can be checked
// against the pointer recorded at submit time.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// Hasher implements jobs.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks data against a hex digest recorded by Hash. Upper-case hex is
// accepted.
func (h *Hasher) Verify(data []byte, digest string) error {
	want, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(digest)))
	if err != nil || len(want) != sha256.Size {
		return fmt.Errorf("malformed digest %q: %w", digest, jobs.ErrDigestMismatch)
	}
	sum := sha256.Sum256(data)
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return fmt.Errorf("content hashes to %s: %w", hex.EncodeToString(sum[:]), jobs.ErrDigestMismatch)
	}
	return nil
}
