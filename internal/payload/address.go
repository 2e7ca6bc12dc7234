package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefix for content addresses. The version suffix leaves room for
// a future algorithm change.
const addressDomain = "ensemble/entry/v1"

// Address computes the content address of an entry of the given kind.
// Format: hex(SHA256(domain 0x00 kind 0x00 canonical(content))).
// Identical content always yields the identical address.
func Address(kind string, content Value) (string, error) {
	canonical, err := MarshalCanonical(content)
	if err != nil {
		return "", fmt.Errorf("address %s: %w", kind, err)
	}

	h := sha256.New()
	h.Write([]byte(addressDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(kind))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustAddress is like Address but panics on error.
// Use only when content is known to be canonical (no null, no floats).
func MustAddress(kind string, content Value) string {
	addr, err := Address(kind, content)
	if err != nil {
		panic(err)
	}
	return addr
}
