// Package keyhierarchy holds the Data Master Key (DMK) in memory
// while USP is unsealed and derives purpose-scoped subkeys from it. The
// DMK itself is never returned to a caller; only derived subkeys leave
// this package.
package keyhierarchy

import (
	"fmt"
	"sync"

	"github.com/usp-platform/usp/internal/crypto"
)

// Purpose names the concern a derived subkey protects. Each purpose gets
// a cryptographically independent key even though all are rooted in the
// same DMK.
type Purpose string

const (
	PurposeKV       Purpose = "kv"
	PurposeTransit  Purpose = "transit"
	PurposeDatabase Purpose = "database"
	PurposeAudit    Purpose = "audit"
	PurposeWrap     Purpose = "wrap" // derived by no caller; encrypted_dmk is sealed with the KEK
)

// Hierarchy holds the DMK in memory and derives subkeys on demand. It
// holds no persisted state of its own; Seal discards it entirely.
type Hierarchy struct {
	mu  sync.RWMutex
	dmk []byte // nil once zeroized
}

// New copies an already-combined DMK into a new Hierarchy. The caller
// keeps its own dmk slice and is responsible for zeroing it.
func New(dmk []byte) (*Hierarchy, error) {
	if len(dmk) != crypto.KeySize {
		return nil, fmt.Errorf("keyhierarchy: dmk must be %d bytes, got %d", crypto.KeySize, len(dmk))
	}
	cp := make([]byte, len(dmk))
	copy(cp, dmk)
	return &Hierarchy{dmk: cp}, nil
}

// Derive returns a subkey for the given purpose. It fails once the
// Hierarchy has been zeroized.
func (h *Hierarchy) Derive(purpose Purpose) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.dmk == nil {
		return nil, fmt.Errorf("keyhierarchy: zeroized")
	}
	return crypto.DeriveSubkey(h.dmk, string(purpose), nil)
}

// Zeroize overwrites the in-memory DMK and marks the Hierarchy unusable.
// Callers must invoke this on every seal transition; there is no other
// way to remove key material from the process.
func (h *Hierarchy) Zeroize() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.dmk {
		h.dmk[i] = 0
	}
	h.dmk = nil
}
