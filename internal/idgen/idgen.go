// Package idgen provides ID generation for marketplace entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes. IDs read like "req_3f2a..." in logs and URLs.
const (
	PrefixRequest     = "req_"
	PrefixOffer       = "off_"
	PrefixPayment     = "pay_"
	PrefixTransaction = "txn_"
	PrefixReview      = "rev_"
	PrefixEvent       = "evt_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "req_", "pay_").
// Result is prefix + 32 hex chars of a UUIDv4.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// HasPrefix reports whether id looks like it was generated with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
