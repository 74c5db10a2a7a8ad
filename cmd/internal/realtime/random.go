package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns 2*nBytes hex characters from crypto/rand. It backs the
// session-id fallback when the ULID clock errors, and throwaway identifiers
// in tests. nBytes <= 0 is treated as 16 (32 hex chars).
//
// A failing system randomness source yields ""; callers treat an empty id as
// the error signal rather than propagating one here.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
