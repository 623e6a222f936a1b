// Package transit implements the Transit engine (C7): cryptography as a
// service over named, versioned keys. Callers never see key material;
// every operation flows through the key's DMK-derived subkey.
package transit

import (
	stdcrypto "crypto"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/usp-platform/usp/internal/audit"
	"github.com/usp-platform/usp/internal/crypto"
	"github.com/usp-platform/usp/internal/keyhierarchy"
	"github.com/usp-platform/usp/internal/store"
	"github.com/usp-platform/usp/internal/usperr"
)

// Algorithm identifies a transit key's cryptographic family.
type Algorithm string

const (
	AlgorithmAESGCM      Algorithm = "aes-gcm"
	AlgorithmEd25519     Algorithm = "ed25519"
	AlgorithmRSA2048     Algorithm = "rsa-2048"
	AlgorithmRSA4096     Algorithm = "rsa-4096"
	AlgorithmECDSAP256   Algorithm = "ecdsa-p256"
)

func validAlgorithm(a Algorithm) bool {
	switch a {
	case AlgorithmAESGCM, AlgorithmEd25519, AlgorithmRSA2048, AlgorithmRSA4096, AlgorithmECDSAP256:
		return true
	}
	return false
}

func isAsymmetric(a Algorithm) bool {
	return a != AlgorithmAESGCM
}

type sealProvider interface {
	Hierarchy() (*keyhierarchy.Hierarchy, error)
}

type txStore interface {
	Transaction(ctx context.Context, fn func(ctx context.Context, q *store.Queries) error) error
	Queries() *store.Queries
}

// auditSink is the narrow audit seam the engine needs for recording key
// lifecycle and crypto-operation events.
type auditSink interface {
	Append(ctx context.Context, entry audit.Entry) error
}

// Engine implements the Transit operations.
type Engine struct {
	store   txStore
	sealCtl sealProvider
	audit   auditSink
}

// NewEngine constructs a Transit Engine.
func NewEngine(st txStore, sealCtl sealProvider, auditSink auditSink) *Engine {
	return &Engine{store: st, sealCtl: sealCtl, audit: auditSink}
}

// recordAudit appends an audit entry for a completed mutation. A failure
// to record a successful mutation's entry surfaces to the caller as an
// Internal error.
func (e *Engine) recordAudit(ctx context.Context, eventType, action, resource string, details json.RawMessage) error {
	if e.audit == nil {
		return nil
	}
	entry := audit.EntryFromContext(ctx, eventType, action, resource, true, details)
	if err := e.audit.Append(ctx, entry); err != nil {
		return usperr.Wrap(usperr.Internal, "recording audit entry", err)
	}
	return nil
}

// KeyInfo is the caller-facing description of a named key.
type KeyInfo struct {
	Name                 string
	Algorithm            Algorithm
	CurrentVersion       int
	MinDecryptionVersion int
	Exportable           bool
	DeletionAllowed      bool
}

func (e *Engine) subkey(name string) ([]byte, error) {
	h, err := e.sealCtl.Hierarchy()
	if err != nil {
		return nil, err
	}
	return h.Derive(keyhierarchy.Purpose("transit:" + name))
}

func materialAAD(name string, version int) []byte {
	return []byte(fmt.Sprintf("transit|material|%s|%d", name, version))
}

func cipherAAD(name string, version int, context string) []byte {
	return []byte(fmt.Sprintf("transit|%s|%d%s", name, version, context))
}

// CreateKey creates a new named key at version 1. Exportability is fixed
// at creation time and can never be turned on later.
func (e *Engine) CreateKey(ctx context.Context, name string, algorithm Algorithm, exportable bool) (KeyInfo, error) {
	if !validAlgorithm(algorithm) {
		return KeyInfo{}, usperr.Newf(usperr.ValidationFailed, "unsupported algorithm %q", algorithm)
	}

	var info KeyInfo
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		material, err := generateMaterial(algorithm)
		if err != nil {
			return fmt.Errorf("generating key material: %w", err)
		}

		row, err := q.CreateTransitKey(ctx, name, string(algorithm), exportable, true)
		if err != nil {
			return fmt.Errorf("creating key: %w", err)
		}

		subkey, err := e.subkey(name)
		if err != nil {
			return err
		}
		enc, err := crypto.Seal(subkey, material, materialAAD(name, 1))
		if err != nil {
			return fmt.Errorf("encrypting key material: %w", err)
		}
		if err := q.CreateTransitKeyVersion(ctx, name, 1, enc); err != nil {
			return fmt.Errorf("storing key version: %w", err)
		}

		info = toKeyInfo(row)
		return nil
	})
	if err != nil {
		return info, err
	}
	details, _ := json.Marshal(map[string]any{"algorithm": algorithm, "exportable": exportable})
	if err := e.recordAudit(ctx, "write", "transit.create-key", name, details); err != nil {
		return info, err
	}
	return info, nil
}

// RotateKey generates a new version and advances current_version.
func (e *Engine) RotateKey(ctx context.Context, name string) (KeyInfo, error) {
	var info KeyInfo
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		row, err := q.GetTransitKeyForUpdate(ctx, name)
		if err != nil {
			return mapNotFound(err)
		}

		material, err := generateMaterial(Algorithm(row.Algorithm))
		if err != nil {
			return fmt.Errorf("generating key material: %w", err)
		}

		newVersion := row.CurrentVersion + 1
		subkey, err := e.subkey(name)
		if err != nil {
			return err
		}
		enc, err := crypto.Seal(subkey, material, materialAAD(name, newVersion))
		if err != nil {
			return fmt.Errorf("encrypting key material: %w", err)
		}
		if err := q.CreateTransitKeyVersion(ctx, name, newVersion, enc); err != nil {
			return fmt.Errorf("storing key version: %w", err)
		}
		if err := q.BumpTransitKeyVersion(ctx, name, newVersion); err != nil {
			return fmt.Errorf("bumping key version: %w", err)
		}

		row.CurrentVersion = newVersion
		info = toKeyInfo(row)
		return nil
	})
	if err != nil {
		return info, err
	}
	details, _ := json.Marshal(map[string]any{"new_version": info.CurrentVersion})
	if err := e.recordAudit(ctx, "rotate", "transit.rotate-key", name, details); err != nil {
		return info, err
	}
	return info, nil
}

// UpdateKeyConfig updates min_decryption_version and deletion_allowed.
func (e *Engine) UpdateKeyConfig(ctx context.Context, name string, minDecryptionVersion int, deletionAllowed bool) error {
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		row, err := q.GetTransitKeyForUpdate(ctx, name)
		if err != nil {
			return mapNotFound(err)
		}
		if minDecryptionVersion > row.CurrentVersion {
			return usperr.New(usperr.ValidationFailed, "min_decryption_version cannot exceed current_version")
		}
		return q.UpdateTransitKeyConfig(ctx, name, minDecryptionVersion, deletionAllowed)
	})
	if err != nil {
		return err
	}
	details, _ := json.Marshal(map[string]any{"min_decryption_version": minDecryptionVersion, "deletion_allowed": deletionAllowed})
	return e.recordAudit(ctx, "write", "transit.update-key-config", name, details)
}

// DeleteKey removes a key, refusing unless deletion_allowed is set.
func (e *Engine) DeleteKey(ctx context.Context, name string) error {
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		row, err := q.GetTransitKeyForUpdate(ctx, name)
		if err != nil {
			return mapNotFound(err)
		}
		if !row.DeletionAllowed {
			return usperr.New(usperr.PolicyDenied, "deletion_allowed is false for this key")
		}
		return q.DeleteTransitKey(ctx, name)
	})
	if err != nil {
		return err
	}
	return e.recordAudit(ctx, "delete", "transit.delete-key", name, nil)
}

// GetKey returns the key's metadata.
func (e *Engine) GetKey(ctx context.Context, name string) (KeyInfo, error) {
	row, err := e.store.Queries().GetTransitKey(ctx, name)
	if err != nil {
		return KeyInfo{}, mapNotFound(err)
	}
	return toKeyInfo(row), nil
}

// Encrypt encrypts plaintext under the key's current_version.
func (e *Engine) Encrypt(ctx context.Context, name string, plaintext []byte, context string) (string, error) {
	row, err := e.store.Queries().GetTransitKey(ctx, name)
	if err != nil {
		return "", mapNotFound(err)
	}
	if isAsymmetric(Algorithm(row.Algorithm)) {
		return "", usperr.New(usperr.ValidationFailed, "key algorithm does not support encrypt/decrypt")
	}

	material, err := e.loadMaterial(ctx, name, row.CurrentVersion)
	if err != nil {
		return "", err
	}

	blob, err := crypto.Seal(material, plaintext, cipherAAD(name, row.CurrentVersion, context))
	if err != nil {
		return "", fmt.Errorf("sealing: %w", err)
	}
	wire := wireEncode(row.CurrentVersion, blob)
	if err := e.recordAudit(ctx, "crypto-operation", "transit.encrypt", name, nil); err != nil {
		return "", err
	}
	return wire, nil
}

// Decrypt decrypts a vault:v<n>:... ciphertext, refusing versions below
// min_decryption_version.
func (e *Engine) Decrypt(ctx context.Context, name string, ciphertext string, context string) ([]byte, error) {
	version, blob, err := wireDecode(ciphertext)
	if err != nil {
		return nil, usperr.Wrap(usperr.ValidationFailed, "parsing ciphertext", err)
	}

	row, err := e.store.Queries().GetTransitKey(ctx, name)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if version < row.MinDecryptionVersion {
		return nil, usperr.New(usperr.KeyVersionTooOld, "ciphertext version is below min_decryption_version")
	}

	material, err := e.loadMaterial(ctx, name, version)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Open(material, blob, cipherAAD(name, version, context))
	if err != nil {
		return nil, usperr.Wrap(usperr.ValidationFailed, "decrypting ciphertext", err)
	}
	if err := e.recordAudit(ctx, "crypto-operation", "transit.decrypt", name, nil); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Sign produces a signature over input using current_version's private
// key material.
func (e *Engine) Sign(ctx context.Context, name string, input []byte) (string, error) {
	row, err := e.store.Queries().GetTransitKey(ctx, name)
	if err != nil {
		return "", mapNotFound(err)
	}
	if !isAsymmetric(Algorithm(row.Algorithm)) {
		return "", usperr.New(usperr.ValidationFailed, "key algorithm does not support sign/verify")
	}

	material, err := e.loadMaterial(ctx, name, row.CurrentVersion)
	if err != nil {
		return "", err
	}

	sig, err := signWith(Algorithm(row.Algorithm), material, input)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	wire := wireEncode(row.CurrentVersion, sig)
	if err := e.recordAudit(ctx, "crypto-operation", "transit.sign", name, nil); err != nil {
		return "", err
	}
	return wire, nil
}

// Verify checks a vault:v<n>:... signature against input.
func (e *Engine) Verify(ctx context.Context, name string, input []byte, signature string) (bool, error) {
	version, sig, err := wireDecode(signature)
	if err != nil {
		return false, usperr.Wrap(usperr.ValidationFailed, "parsing signature", err)
	}

	row, err := e.store.Queries().GetTransitKey(ctx, name)
	if err != nil {
		return false, mapNotFound(err)
	}
	if version < row.MinDecryptionVersion {
		return false, usperr.New(usperr.KeyVersionTooOld, "signature version is below min_decryption_version")
	}

	material, err := e.loadMaterial(ctx, name, version)
	if err != nil {
		return false, err
	}
	ok, err := verifyWith(Algorithm(row.Algorithm), material, input, sig)
	if err != nil {
		return false, err
	}
	if err := e.recordAudit(ctx, "crypto-operation", "transit.verify", name, nil); err != nil {
		return false, err
	}
	return ok, nil
}

func (e *Engine) loadMaterial(ctx context.Context, name string, version int) ([]byte, error) {
	row, err := e.store.Queries().GetTransitKeyVersion(ctx, name, version)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, usperr.New(usperr.NotFound, "key version not found")
		}
		return nil, err
	}

	subkey, err := e.subkey(name)
	if err != nil {
		return nil, err
	}
	material, err := crypto.Open(subkey, row.Material, materialAAD(name, version))
	if err != nil {
		return nil, usperr.Wrap(usperr.Internal, "decrypting key material", err)
	}
	return material, nil
}

func toKeyInfo(row store.TransitKeyRow) KeyInfo {
	return KeyInfo{
		Name:                 row.Name,
		Algorithm:            Algorithm(row.Algorithm),
		CurrentVersion:       row.CurrentVersion,
		MinDecryptionVersion: row.MinDecryptionVersion,
		Exportable:           row.Exportable,
		DeletionAllowed:      row.DeletionAllowed,
	}
}

func mapNotFound(err error) error {
	if err == store.ErrNotFound {
		return usperr.New(usperr.NotFound, "no transit key with that name")
	}
	return err
}

func wireEncode(version int, blob []byte) string {
	return "vault:v" + strconv.Itoa(version) + ":" + base64.URLEncoding.EncodeToString(blob)
}

func wireDecode(s string) (int, []byte, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" || !strings.HasPrefix(parts[1], "v") {
		return 0, nil, fmt.Errorf("malformed wire ciphertext")
	}
	version, err := strconv.Atoi(parts[1][1:])
	if err != nil {
		return 0, nil, fmt.Errorf("malformed version segment: %w", err)
	}
	blob, err := base64.URLEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, nil, fmt.Errorf("malformed payload encoding: %w", err)
	}
	return version, blob, nil
}

// generateMaterial produces raw key material for algorithm: a random
// 32-byte AEAD key, a PKCS8-marshaled Ed25519/ECDSA private key, or a
// PKCS8-marshaled RSA private key.
func generateMaterial(algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmAESGCM:
		return crypto.RandomBytes(crypto.KeySize)
	case AlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	case AlgorithmECDSAP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	case AlgorithmRSA2048:
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	case AlgorithmRSA4096:
		priv, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			return nil, err
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func signWith(algorithm Algorithm, material, input []byte) ([]byte, error) {
	key, err := x509.ParsePKCS8PrivateKey(material)
	if err != nil {
		return nil, fmt.Errorf("parsing key material: %w", err)
	}

	switch algorithm {
	case AlgorithmEd25519:
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key material is not an Ed25519 key")
		}
		return ed25519.Sign(priv, input), nil
	case AlgorithmECDSAP256:
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key material is not an ECDSA key")
		}
		digest := sha256.Sum256(input)
		return ecdsa.SignASN1(rand.Reader, priv, digest[:])
	case AlgorithmRSA2048, AlgorithmRSA4096:
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key material is not an RSA key")
		}
		digest := sha256.Sum256(input)
		return rsa.SignPSS(rand.Reader, priv, stdcrypto.SHA256, digest[:], nil)
	default:
		return nil, fmt.Errorf("algorithm %q does not support signing", algorithm)
	}
}

func verifyWith(algorithm Algorithm, material, input, signature []byte) (bool, error) {
	key, err := x509.ParsePKCS8PrivateKey(material)
	if err != nil {
		return false, fmt.Errorf("parsing key material: %w", err)
	}

	switch algorithm {
	case AlgorithmEd25519:
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return false, fmt.Errorf("key material is not an Ed25519 key")
		}
		return ed25519.Verify(priv.Public().(ed25519.PublicKey), input, signature), nil
	case AlgorithmECDSAP256:
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return false, fmt.Errorf("key material is not an ECDSA key")
		}
		digest := sha256.Sum256(input)
		return ecdsa.VerifyASN1(&priv.PublicKey, digest[:], signature), nil
	case AlgorithmRSA2048, AlgorithmRSA4096:
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return false, fmt.Errorf("key material is not an RSA key")
		}
		digest := sha256.Sum256(input)
		err := rsa.VerifyPSS(&priv.PublicKey, stdcrypto.SHA256, digest[:], signature, nil)
		return err == nil, nil
	default:
		return false, fmt.Errorf("algorithm %q does not support verification", algorithm)
	}
}
