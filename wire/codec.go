package wire

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"

	"tlpbroker/identity"
)

const (
	// KeySize is the symmetric key length used to seal frames.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the per-frame nonce length carried at the frame head.
	NonceSize = chacha20poly1305.NonceSizeX
)

// ErrDecryptionFailed indicates a frame that could not be authenticated:
// wrong key, truncation or tampering. No partial plaintext is ever returned.
var ErrDecryptionFailed = errors.New("wire: decryption failed")

const (
	sessionKeyLabel   = "tlp/v1/session"
	handshakeKeyLabel = "tlp/v1/handshake"
)

func kdf(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// SessionKey derives the per-peer frame key from the shared network secret
// and the peer's fingerprint. Raw fingerprint bytes alone are never used as
// key material.
func SessionKey(networkSecret string, fp identity.Fingerprint) []byte {
	return kdf(sessionKeyLabel, []byte(networkSecret), fp[:])
}

// HandshakeKey derives the key protecting the first frame on a new
// connection, before the peer's fingerprint is known.
func HandshakeKey(networkSecret string) []byte {
	return kdf(handshakeKeyLabel, []byte(networkSecret))
}

// Seal encrypts plaintext under key and returns nonce||ciphertext. Each call
// draws a fresh random nonce, so sealing is stateless and safe to call
// concurrently with distinct keys.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("wire: bad key: %w", err)
	}
	frame := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(frame); err != nil {
		return nil, fmt.Errorf("wire: nonce: %w", err)
	}
	return aead.Seal(frame, frame[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a frame produced by Seal.
func Open(key, frame []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("wire: bad key: %w", err)
	}
	if len(frame) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrDecryptionFailed, len(frame))
	}
	plaintext, err := aead.Open(nil, frame[:NonceSize], frame[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
