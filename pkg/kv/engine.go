// Package kv implements the KV v2 secrets engine (C6): path-addressed,
// versioned secret storage with check-and-set writes, soft-delete,
// destroy, and version retention.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/usp-platform/usp/internal/audit"
	"github.com/usp-platform/usp/internal/crypto"
	"github.com/usp-platform/usp/internal/keyhierarchy"
	"github.com/usp-platform/usp/internal/store"
	"github.com/usp-platform/usp/internal/usperr"
)

// sealProvider supplies the kv subkey, gating every operation behind the
// seal controller.
type sealProvider interface {
	Hierarchy() (*keyhierarchy.Hierarchy, error)
}

// txStore is the transactional seam the engine needs from the Store.
type txStore interface {
	Transaction(ctx context.Context, fn func(ctx context.Context, q *store.Queries) error) error
	Queries() *store.Queries
}

// auditSink is the narrow audit seam the engine needs for recording
// write/delete events.
type auditSink interface {
	Append(ctx context.Context, entry audit.Entry) error
}

// Engine implements the KV v2 operations.
type Engine struct {
	store   txStore
	sealCtl sealProvider
	audit   auditSink

	defaultMaxVersions int
}

// NewEngine constructs a KV Engine.
func NewEngine(st txStore, sealCtl sealProvider, auditSink auditSink, defaultMaxVersions int) *Engine {
	return &Engine{store: st, sealCtl: sealCtl, audit: auditSink, defaultMaxVersions: defaultMaxVersions}
}

// recordAudit appends an audit entry for a completed mutation. A failure
// to record a successful mutation's audit entry is surfaced to the
// caller as an Internal error, since an unaudited write violates the
// durable-before-response invariant for synchronous event types.
func (e *Engine) recordAudit(ctx context.Context, eventType, action, path string, opErr error, details json.RawMessage) error {
	if e.audit == nil || opErr != nil {
		return opErr
	}
	entry := audit.EntryFromContext(ctx, eventType, action, path, true, details)
	if err := e.audit.Append(ctx, entry); err != nil {
		return usperr.Wrap(usperr.Internal, "recording audit entry", err)
	}
	return nil
}

// Metadata is the caller-facing view of a secret entity plus its version
// list, without any ciphertext.
type Metadata struct {
	Path           string
	CurrentVersion int
	MaxVersions    int
	CASRequired    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Versions       []VersionMetadata
}

// VersionMetadata describes one version without its plaintext.
type VersionMetadata struct {
	Version       int
	CreatedAt     time.Time
	SoftDeletedAt *time.Time
	Destroyed     bool
}

func (e *Engine) subkey() ([]byte, error) {
	h, err := e.sealCtl.Hierarchy()
	if err != nil {
		return nil, err
	}
	return h.Derive(keyhierarchy.PurposeKV)
}

func versionAAD(path string, version int) []byte {
	return []byte(fmt.Sprintf("kv|v2|%s|%d", path, version))
}

// Write creates a new version at path. If the secret's cas_required flag
// is set (or the secret does not yet exist and the caller passed cas=0),
// cas must equal the current version or CASMismatch is returned. After a
// successful write, retention prunes the oldest non-destroyed versions
// beyond max_versions.
func (e *Engine) Write(ctx context.Context, path string, data []byte, cas *int, casRequired bool) (VersionMetadata, error) {
	subkey, err := e.subkey()
	if err != nil {
		return VersionMetadata{}, err
	}

	var result VersionMetadata
	err = e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		secret, err := q.GetSecretForUpdate(ctx, path)
		switch {
		case err == store.ErrNotFound:
			if cas != nil && *cas != 0 {
				return usperr.New(usperr.CASMismatch, "secret does not exist")
			}
			secret, err = q.CreateSecret(ctx, path, e.defaultMaxVersions, casRequired)
			if err != nil {
				return fmt.Errorf("creating secret: %w", err)
			}
		case err != nil:
			return fmt.Errorf("loading secret: %w", err)
		}

		if (secret.CASRequired || casRequired) && (cas == nil || *cas != secret.CurrentVersion) {
			return usperr.New(usperr.CASMismatch, "cas value does not match current version")
		}

		newVersion := secret.CurrentVersion + 1
		ciphertext, err := crypto.Seal(subkey, data, versionAAD(path, newVersion))
		if err != nil {
			return fmt.Errorf("encrypting secret: %w", err)
		}

		if err := q.PutSecretVersion(ctx, secret.ID, newVersion, ciphertext); err != nil {
			return fmt.Errorf("writing version: %w", err)
		}
		if err := q.BumpSecretVersion(ctx, secret.ID, newVersion); err != nil {
			return fmt.Errorf("bumping current version: %w", err)
		}

		if err := e.pruneLocked(ctx, q, secret.ID, secret.MaxVersions); err != nil {
			return fmt.Errorf("pruning old versions: %w", err)
		}

		result = VersionMetadata{Version: newVersion, CreatedAt: time.Now().UTC()}
		return nil
	})
	if err != nil {
		return result, err
	}
	details, _ := json.Marshal(map[string]any{"version": result.Version, "cas_required": casRequired})
	if err := e.recordAudit(ctx, "write", "kv.write", path, nil, details); err != nil {
		return result, err
	}
	return result, nil
}

// pruneLocked destroys versions beyond max_versions, oldest first. Called
// inside the same transaction as the write that may have crossed the
// threshold.
func (e *Engine) pruneLocked(ctx context.Context, q *store.Queries, secretID uuid.UUID, maxVersions int) error {
	if maxVersions <= 0 {
		return nil
	}
	stale, err := q.OldestNonDestroyedVersions(ctx, secretID, maxVersions)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	return q.DestroyVersions(ctx, secretID, stale)
}

// Read returns the plaintext of the latest non-destroyed version, or a
// specific version if version > 0.
func (e *Engine) Read(ctx context.Context, path string, version int, allowDeleted bool) ([]byte, VersionMetadata, error) {
	subkey, err := e.subkey()
	if err != nil {
		return nil, VersionMetadata{}, err
	}

	secret, err := e.store.Queries().GetSecret(ctx, path)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, VersionMetadata{}, usperr.New(usperr.NotFound, "no secret at path")
		}
		return nil, VersionMetadata{}, err
	}

	row, err := e.store.Queries().GetSecretVersion(ctx, secret.ID, version)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, VersionMetadata{}, usperr.New(usperr.NotFound, "version not found")
		}
		return nil, VersionMetadata{}, err
	}

	if row.Destroyed {
		return nil, VersionMetadata{}, usperr.New(usperr.Destroyed, "version has been destroyed")
	}
	if row.SoftDeletedAt != nil && !allowDeleted {
		return nil, VersionMetadata{}, usperr.New(usperr.Deleted, "version is soft-deleted")
	}

	plaintext, err := crypto.Open(subkey, row.Ciphertext, versionAAD(path, row.Version))
	if err != nil {
		return nil, VersionMetadata{}, usperr.Wrap(usperr.Internal, "decrypting version", err)
	}

	meta := VersionMetadata{Version: row.Version, CreatedAt: row.CreatedAt, SoftDeletedAt: row.SoftDeletedAt, Destroyed: row.Destroyed}
	return plaintext, meta, nil
}

// SoftDelete marks the listed versions soft-deleted. An empty versions
// slice targets the current version.
func (e *Engine) SoftDelete(ctx context.Context, path string, versions []int) error {
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		secret, err := q.GetSecretForUpdate(ctx, path)
		if err != nil {
			return mapNotFound(err)
		}
		versions = defaultToCurrent(versions, secret.CurrentVersion)
		return q.SoftDeleteVersions(ctx, secret.ID, versions)
	})
	if err != nil {
		return err
	}
	details, _ := json.Marshal(map[string]any{"versions": versions})
	return e.recordAudit(ctx, "delete", "kv.soft-delete", path, nil, details)
}

// Undelete clears soft_deleted_at on the listed versions.
func (e *Engine) Undelete(ctx context.Context, path string, versions []int) error {
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		secret, err := q.GetSecretForUpdate(ctx, path)
		if err != nil {
			return mapNotFound(err)
		}
		return q.UndeleteVersions(ctx, secret.ID, versions)
	})
	if err != nil {
		return err
	}
	details, _ := json.Marshal(map[string]any{"versions": versions})
	return e.recordAudit(ctx, "write", "kv.undelete", path, nil, details)
}

// Destroy irreversibly destroys the listed versions.
func (e *Engine) Destroy(ctx context.Context, path string, versions []int) error {
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		secret, err := q.GetSecretForUpdate(ctx, path)
		if err != nil {
			return mapNotFound(err)
		}
		return q.DestroyVersions(ctx, secret.ID, versions)
	})
	if err != nil {
		return err
	}
	details, _ := json.Marshal(map[string]any{"versions": versions})
	return e.recordAudit(ctx, "delete", "kv.destroy", path, nil, details)
}

// DestroyMetadata removes the secret entity and every version.
func (e *Engine) DestroyMetadata(ctx context.Context, path string) error {
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		secret, err := q.GetSecretForUpdate(ctx, path)
		if err != nil {
			return mapNotFound(err)
		}
		return q.DestroySecret(ctx, secret.ID)
	})
	if err != nil {
		return err
	}
	return e.recordAudit(ctx, "delete", "kv.destroy-metadata", path, nil, nil)
}

// Metadata returns the secret entity and its version list.
func (e *Engine) Metadata(ctx context.Context, path string) (Metadata, error) {
	secret, err := e.store.Queries().GetSecret(ctx, path)
	if err != nil {
		return Metadata{}, mapNotFound(err)
	}
	rows, err := e.store.Queries().ListSecretVersions(ctx, secret.ID)
	if err != nil {
		return Metadata{}, err
	}

	versions := make([]VersionMetadata, 0, len(rows))
	for _, r := range rows {
		versions = append(versions, VersionMetadata{Version: r.Version, CreatedAt: r.CreatedAt, SoftDeletedAt: r.SoftDeletedAt, Destroyed: r.Destroyed})
	}

	return Metadata{
		Path:           secret.Path,
		CurrentVersion: secret.CurrentVersion,
		MaxVersions:    secret.MaxVersions,
		CASRequired:    secret.CASRequired,
		CreatedAt:      secret.CreatedAt,
		UpdatedAt:      secret.UpdatedAt,
		Versions:       versions,
	}, nil
}

// List returns the immediate path children under prefix, dir-like: a
// secret directly under prefix is returned by name, a deeper one as its
// first segment with a trailing "/". limit bounds the secret paths
// scanned, so fewer than limit children may be returned.
func (e *Engine) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if !strings.HasSuffix(prefix, "/") && prefix != "" {
		prefix += "/"
	}
	paths, err := e.store.Queries().ListSecretsByPrefix(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(paths))
	var children []string
	for _, p := range paths {
		child := strings.TrimPrefix(p, prefix)
		if i := strings.Index(child, "/"); i >= 0 {
			child = child[:i+1]
		}
		if !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
	}
	return children, nil
}

// PruneRetention re-applies max_versions retention to a path outside of
// a write, for the lease manager's scheduled retention sweep covering
// secrets that haven't been written to recently.
func (e *Engine) PruneRetention(ctx context.Context, path string) error {
	return e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		secret, err := q.GetSecretForUpdate(ctx, path)
		if err != nil {
			return mapNotFound(err)
		}
		return e.pruneLocked(ctx, q, secret.ID, secret.MaxVersions)
	})
}

func defaultToCurrent(versions []int, current int) []int {
	if len(versions) == 0 {
		return []int{current}
	}
	return versions
}

func mapNotFound(err error) error {
	if err == store.ErrNotFound {
		return usperr.New(usperr.NotFound, "no secret at path")
	}
	return err
}
