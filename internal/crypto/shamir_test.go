package crypto

import (
	"bytes"
	"testing"
)

func TestSplitCombineRoundTrip(t *testing.T) {
	secret := []byte("a 32 byte distinguished master k")

	shares, err := Split(secret, 5, 3)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(shares) != 5 {
		t.Fatalf("got %d shares, want 5", len(shares))
	}

	got, err := Combine(shares[:3])
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("got %q, want %q", got, secret)
	}
}

func TestCombineAnyThresholdSubset(t *testing.T) {
	secret := []byte("another secret")
	shares, err := Split(secret, 5, 3)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	subsets := [][]Share{
		{shares[0], shares[1], shares[2]},
		{shares[1], shares[3], shares[4]},
		{shares[0], shares[2], shares[4]},
	}
	for i, subset := range subsets {
		got, err := Combine(subset)
		if err != nil {
			t.Fatalf("subset %d: Combine: %v", i, err)
		}
		if !bytes.Equal(got, secret) {
			t.Fatalf("subset %d: got %q, want %q", i, got, secret)
		}
	}
}

func TestCombineBelowThreshold(t *testing.T) {
	if _, err := Combine([]Share{{X: 1, Y: []byte{1}}}); err == nil {
		t.Fatal("expected error for a single share")
	}
}

func TestCombineDuplicateShareIndex(t *testing.T) {
	secret := []byte("secret")
	shares, err := Split(secret, 5, 3)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	dup := []Share{shares[0], shares[0], shares[1]}
	if _, err := Combine(dup); err == nil {
		t.Fatal("expected error for duplicate share index")
	}
}

func TestSplitRejectsInvalidParams(t *testing.T) {
	secret := []byte("secret")

	if _, err := Split(secret, 1, 1); err == nil {
		t.Fatal("expected error for n=1")
	}
	if _, err := Split(secret, 5, 1); err == nil {
		t.Fatal("expected error for k=1")
	}
	if _, err := Split(secret, 5, 6); err == nil {
		t.Fatal("expected error for k>n")
	}
	if _, err := Split(nil, 5, 3); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestCombineWrongSubsetReconstructsDifferentSecret(t *testing.T) {
	// Below-threshold shares combined still "succeed" numerically but
	// produce garbage — Combine cannot detect this on its own.
	secret := []byte("0123456789abcdef0123456789abcdef")
	shares, err := Split(secret, 5, 4)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	got, err := Combine(shares[:3])
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if bytes.Equal(got, secret) {
		t.Fatal("expected below-threshold combine to NOT reconstruct the secret")
	}
}
