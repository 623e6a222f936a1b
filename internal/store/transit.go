package store

import (
	"context"
	"time"
)

// TransitKeyRow is the persisted named key entity.
type TransitKeyRow struct {
	Name                 string
	Algorithm            string
	CurrentVersion       int
	MinDecryptionVersion int
	Exportable           bool
	DeletionAllowed      bool
	CreatedAt            time.Time
}

// TransitKeyVersionRow is one generation of key material.
type TransitKeyVersionRow struct {
	KeyName    string
	Version    int
	Material   []byte
	CreatedAt  time.Time
	ArchivedAt *time.Time
}

const transitKeyColumns = `name, algorithm, current_version, min_decryption_version, exportable, deletion_allowed, created_at`

func scanTransitKeyRow(row scanner) (TransitKeyRow, error) {
	var r TransitKeyRow
	err := row.Scan(&r.Name, &r.Algorithm, &r.CurrentVersion, &r.MinDecryptionVersion, &r.Exportable, &r.DeletionAllowed, &r.CreatedAt)
	return r, err
}

// CreateTransitKey inserts a new named key at version 1.
func (q *Queries) CreateTransitKey(ctx context.Context, name, algorithm string, exportable, deletionAllowed bool) (TransitKeyRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO transit_keys (name, algorithm, current_version, min_decryption_version, exportable, deletion_allowed, created_at)
		VALUES ($1, $2, 1, 1, $3, $4, now())
		RETURNING `+transitKeyColumns,
		name, algorithm, exportable, deletionAllowed)
	return scanTransitKeyRow(row)
}

// GetTransitKey returns the named key, or ErrNotFound.
func (q *Queries) GetTransitKey(ctx context.Context, name string) (TransitKeyRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+transitKeyColumns+` FROM transit_keys WHERE name = $1`, name)
	r, err := scanTransitKeyRow(row)
	if isNoRows(err) {
		return TransitKeyRow{}, ErrNotFound
	}
	return r, err
}

// GetTransitKeyForUpdate locks the key row, giving linearizable
// create/rotate/config-update semantics per key name.
func (q *Queries) GetTransitKeyForUpdate(ctx context.Context, name string) (TransitKeyRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+transitKeyColumns+` FROM transit_keys WHERE name = $1 FOR UPDATE`, name)
	r, err := scanTransitKeyRow(row)
	if isNoRows(err) {
		return TransitKeyRow{}, ErrNotFound
	}
	return r, err
}

// BumpTransitKeyVersion advances current_version after a rotation.
func (q *Queries) BumpTransitKeyVersion(ctx context.Context, name string, newVersion int) error {
	_, err := q.db.Exec(ctx, `UPDATE transit_keys SET current_version = $2 WHERE name = $1`, name, newVersion)
	return err
}

// UpdateTransitKeyConfig sets min_decryption_version and deletion_allowed.
func (q *Queries) UpdateTransitKeyConfig(ctx context.Context, name string, minDecryptionVersion int, deletionAllowed bool) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transit_keys SET min_decryption_version = $2, deletion_allowed = $3
		WHERE name = $1`, name, minDecryptionVersion, deletionAllowed)
	return err
}

// DeleteTransitKey removes the key entity, cascading to its versions.
func (q *Queries) DeleteTransitKey(ctx context.Context, name string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM transit_keys WHERE name = $1`, name)
	return err
}

// CreateTransitKeyVersion inserts key material for a new version.
func (q *Queries) CreateTransitKeyVersion(ctx context.Context, name string, version int, material []byte) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO transit_key_versions (key_name, version, material, created_at)
		VALUES ($1, $2, $3, now())`, name, version, material)
	return err
}

// GetTransitKeyVersion returns the material for one key version.
func (q *Queries) GetTransitKeyVersion(ctx context.Context, name string, version int) (TransitKeyVersionRow, error) {
	row := q.db.QueryRow(ctx, `
		SELECT key_name, version, material, created_at, archived_at
		FROM transit_key_versions WHERE key_name = $1 AND version = $2`, name, version)
	var r TransitKeyVersionRow
	err := row.Scan(&r.KeyName, &r.Version, &r.Material, &r.CreatedAt, &r.ArchivedAt)
	if isNoRows(err) {
		return TransitKeyVersionRow{}, ErrNotFound
	}
	return r, err
}
