// This package defines the opaque string identifiers used throughout the talk server
// and the random secrets used for tokens.
package ids

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/kevinburke/nacl/randombytes"
)

// NewID makes a fresh opaque identifier for clients, groups, messages and tokens.
func NewID() string {
	return uuid.NewString()
}

// NewSecret makes a random lowercase-hex secret of n bytes.
func NewSecret(n int) string {
	b := make([]byte, n)
	randombytes.MustRead(b)
	return hex.EncodeToString(b)
}

// PairKey canonicalizes an unordered pair of client ids into a single
// lock/storage key. Both orders of the same pair yield the same key.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
