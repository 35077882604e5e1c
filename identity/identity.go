package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length in bytes of a derived fingerprint.
const Size = 16

// ErrInvalidEncoding indicates that a textual fingerprint could not be parsed.
var ErrInvalidEncoding = errors.New("identity: invalid fingerprint encoding")

// Fingerprint is the opaque identity of a client or solver. It is derived
// one-way from a caller-supplied secret and is the only key used by the
// registry, the guard and the store. The originating secret is never kept.
type Fingerprint [Size]byte

// Derive maps a secret string to its fingerprint. The mapping is
// deterministic and not reversible.
func Derive(secret string) Fingerprint {
	sum := sha256.Sum256([]byte(secret))
	var fp Fingerprint
	copy(fp[:], sum[:Size])
	return fp
}

// Hex returns the canonical lowercase hex encoding of the fingerprint.
func (fp Fingerprint) Hex() string {
	return hex.EncodeToString(fp[:])
}

// String implements fmt.Stringer using the canonical encoding.
func (fp Fingerprint) String() string {
	return fp.Hex()
}

// IsZero reports whether the fingerprint is the unset zero value.
func (fp Fingerprint) IsZero() bool {
	return fp == Fingerprint{}
}

// FromHex parses the canonical hex encoding produced by Hex.
func FromHex(value string) (Fingerprint, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	raw, err := hex.DecodeString(value)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(raw) != Size {
		return Fingerprint{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidEncoding, len(raw), Size)
	}
	var fp Fingerprint
	copy(fp[:], raw)
	return fp, nil
}

// FromBytes copies a raw fingerprint value, rejecting wrong lengths.
func FromBytes(raw []byte) (Fingerprint, error) {
	if len(raw) != Size {
		return Fingerprint{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidEncoding, len(raw), Size)
	}
	var fp Fingerprint
	copy(fp[:], raw)
	return fp, nil
}
