// Package ids generates identifiers used across the kernel.
package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a short hex trace-id shortener, used where a compact,
// non-RFC identifier is enough (log correlation, run ids).
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// NewUUID returns an RFC 4122 UUID, used for session, event and
// artifact identifiers that cross process/service boundaries.
func NewUUID() string {
	return uuid.NewString()
}
