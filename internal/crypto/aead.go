// Package crypto implements the primitives the key hierarchy and secrets
// engines build on: AES-256-GCM sealing, HKDF-SHA-256 subkey derivation,
// and Shamir secret sharing over GF(2^8).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	// KeySize is the required length, in bytes, of every AEAD key this
	// package accepts: AES-256.
	KeySize = 32

	// NonceSize is the GCM standard nonce length.
	NonceSize = 12
)

// Seal encrypts plaintext under key using AES-256-GCM, with aad bound as
// additional authenticated data but not encrypted. The returned blob is
// nonce || ciphertext || tag; the nonce is generated internally and never
// reused under the same key.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead: creating gcm: %w", err)
	}

	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("aead: generating nonce: %w", err)
	}

	out := gcm.Seal(nonce, nonce, plaintext, aad)
	return out, nil
}

// Open decrypts a blob produced by Seal under key, verifying aad. It
// returns an error for any authentication failure, truncated input, or
// key-length mismatch without distinguishing the cause to the caller.
func Open(key, blob, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead: creating gcm: %w", err)
	}

	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("aead: ciphertext too short")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("aead: decryption failed: %w", err)
	}
	return plaintext, nil
}
