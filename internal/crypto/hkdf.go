package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSubkey derives a KeySize-length key from the Data Master Key
// (DMK), labeled by purpose so that keys derived for different
// purposes (e.g. "kv", "transit", "audit") are cryptographically
// independent even though they share one root secret. salt may be nil.
func DeriveSubkey(dmk []byte, purpose string, salt []byte) ([]byte, error) {
	if len(dmk) != KeySize {
		return nil, fmt.Errorf("hkdf: dmk must be %d bytes, got %d", KeySize, len(dmk))
	}
	if purpose == "" {
		return nil, fmt.Errorf("hkdf: purpose must not be empty")
	}

	kdf := hkdf.New(sha256.New, dmk, salt, []byte("usp-subkey:"+purpose))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hkdf: deriving subkey: %w", err)
	}
	return out, nil
}
