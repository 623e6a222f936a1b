package keyhierarchy

import (
	"bytes"
	"testing"

	"github.com/usp-platform/usp/internal/crypto"
)

func TestDeriveIndependentPurposes(t *testing.T) {
	dmk, _ := crypto.RandomBytes(crypto.KeySize)
	h, err := New(dmk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	kv, err := h.Derive(PurposeKV)
	if err != nil {
		t.Fatalf("Derive(kv): %v", err)
	}
	audit, err := h.Derive(PurposeAudit)
	if err != nil {
		t.Fatalf("Derive(audit): %v", err)
	}
	if bytes.Equal(kv, audit) {
		t.Fatal("kv and audit subkeys must differ")
	}
}

func TestDeriveStableAcrossCalls(t *testing.T) {
	dmk, _ := crypto.RandomBytes(crypto.KeySize)
	h, _ := New(dmk)

	a, err := h.Derive(PurposeTransit)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := h.Derive(PurposeTransit)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("repeated derivation for the same purpose must be stable")
	}
}

func TestZeroizeDisablesDerivation(t *testing.T) {
	dmk, _ := crypto.RandomBytes(crypto.KeySize)
	h, _ := New(dmk)

	h.Zeroize()

	if _, err := h.Derive(PurposeKV); err == nil {
		t.Fatal("expected Derive to fail after Zeroize")
	}
}

func TestNewRejectsWrongDMKLength(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short dmk")
	}
}

func TestNewCopiesInputSlice(t *testing.T) {
	dmk, _ := crypto.RandomBytes(crypto.KeySize)
	original := make([]byte, len(dmk))
	copy(original, dmk)

	h, _ := New(dmk)
	dmk[0] ^= 0xff // mutate caller's copy

	a, err := h.Derive(PurposeKV)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	h2, _ := New(original)
	b, err := h2.Derive(PurposeKV)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("Hierarchy must not be affected by caller mutating the original slice")
	}
}
