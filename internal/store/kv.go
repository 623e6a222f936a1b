package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SecretRow is the persisted KV v2 secret entity: one row per path.
type SecretRow struct {
	ID             uuid.UUID
	Path           string
	CurrentVersion int
	MaxVersions    int
	CASRequired    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Deleted        bool
}

// SecretVersionRow is one immutable version of a secret's ciphertext.
type SecretVersionRow struct {
	SecretID      uuid.UUID
	Version       int
	Ciphertext    []byte
	CreatedAt     time.Time
	SoftDeletedAt *time.Time
	Destroyed     bool
}

const secretColumns = `id, path, current_version, max_versions, cas_required, created_at, updated_at, deleted`

func scanSecretRow(row scanner) (SecretRow, error) {
	var r SecretRow
	err := row.Scan(&r.ID, &r.Path, &r.CurrentVersion, &r.MaxVersions, &r.CASRequired, &r.CreatedAt, &r.UpdatedAt, &r.Deleted)
	return r, err
}

// scanner is satisfied by pgx.Row (and pgx.Rows via its embedded Scan).
type scanner interface {
	Scan(dest ...any) error
}

// GetSecret returns the secret entity for path, or ErrNotFound.
func (q *Queries) GetSecret(ctx context.Context, path string) (SecretRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+secretColumns+` FROM secrets WHERE path = $1`, path)
	r, err := scanSecretRow(row)
	if isNoRows(err) {
		return SecretRow{}, ErrNotFound
	}
	return r, err
}

// GetSecretForUpdate locks the secret row for the duration of the
// enclosing transaction, giving linearizable CAS semantics per path.
func (q *Queries) GetSecretForUpdate(ctx context.Context, path string) (SecretRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+secretColumns+` FROM secrets WHERE path = $1 FOR UPDATE`, path)
	r, err := scanSecretRow(row)
	if isNoRows(err) {
		return SecretRow{}, ErrNotFound
	}
	return r, err
}

// CreateSecret inserts a new secret entity with current_version = 0.
func (q *Queries) CreateSecret(ctx context.Context, path string, maxVersions int, casRequired bool) (SecretRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO secrets (id, path, current_version, max_versions, cas_required, created_at, updated_at, deleted)
		VALUES (gen_random_uuid(), $1, 0, $2, $3, now(), now(), false)
		RETURNING `+secretColumns,
		path, maxVersions, casRequired)
	return scanSecretRow(row)
}

// BumpSecretVersion advances current_version and updated_at after a
// successful write.
func (q *Queries) BumpSecretVersion(ctx context.Context, id uuid.UUID, newVersion int) error {
	_, err := q.db.Exec(ctx, `UPDATE secrets SET current_version = $2, updated_at = now() WHERE id = $1`, id, newVersion)
	return err
}

// SoftDeleteSecret flips the secret-level deleted flag (metadata destroy
// leaves this to DestroySecret instead; this is the parent-level flag
// used by List to hide fully-removed entities).
func (q *Queries) SoftDeleteSecret(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE secrets SET deleted = true, updated_at = now() WHERE id = $1`, id)
	return err
}

// DestroySecret removes the secret entity and cascades to its versions
// via the foreign key's ON DELETE CASCADE.
func (q *Queries) DestroySecret(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM secrets WHERE id = $1`, id)
	return err
}

// ListSecretsByPrefix returns the full paths of non-deleted secrets that
// start with prefix, at any depth, in path order and at most limit of
// them. The KV List operation reduces them to immediate children.
func (q *Queries) ListSecretsByPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT DISTINCT path FROM secrets
		WHERE path LIKE $1 AND deleted = false
		ORDER BY path
		LIMIT $2`, prefix+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

const versionColumns = `secret_id, version, ciphertext, created_at, soft_deleted_at, destroyed`

func scanVersionRow(row scanner) (SecretVersionRow, error) {
	var r SecretVersionRow
	err := row.Scan(&r.SecretID, &r.Version, &r.Ciphertext, &r.CreatedAt, &r.SoftDeletedAt, &r.Destroyed)
	return r, err
}

// PutSecretVersion inserts a new immutable version row.
func (q *Queries) PutSecretVersion(ctx context.Context, secretID uuid.UUID, version int, ciphertext []byte) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO secret_versions (secret_id, version, ciphertext, created_at, destroyed)
		VALUES ($1, $2, $3, now(), false)`,
		secretID, version, ciphertext)
	return err
}

// GetSecretVersion returns a specific version, or the latest if version
// is 0.
func (q *Queries) GetSecretVersion(ctx context.Context, secretID uuid.UUID, version int) (SecretVersionRow, error) {
	var row scanner
	if version == 0 {
		row = q.db.QueryRow(ctx, `
			SELECT `+versionColumns+` FROM secret_versions
			WHERE secret_id = $1
			ORDER BY version DESC LIMIT 1`, secretID)
	} else {
		row = q.db.QueryRow(ctx, `
			SELECT `+versionColumns+` FROM secret_versions
			WHERE secret_id = $1 AND version = $2`, secretID, version)
	}
	r, err := scanVersionRow(row)
	if isNoRows(err) {
		return SecretVersionRow{}, ErrNotFound
	}
	return r, err
}

// ListSecretVersions returns every version row for a secret, newest first.
func (q *Queries) ListSecretVersions(ctx context.Context, secretID uuid.UUID) ([]SecretVersionRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+versionColumns+` FROM secret_versions
		WHERE secret_id = $1 ORDER BY version DESC`, secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SecretVersionRow
	for rows.Next() {
		r, err := scanVersionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SoftDeleteVersions marks the listed versions soft-deleted at now().
func (q *Queries) SoftDeleteVersions(ctx context.Context, secretID uuid.UUID, versions []int) error {
	_, err := q.db.Exec(ctx, `
		UPDATE secret_versions SET soft_deleted_at = now()
		WHERE secret_id = $1 AND version = ANY($2) AND destroyed = false`,
		secretID, versions)
	return err
}

// UndeleteVersions clears soft_deleted_at on the listed versions.
func (q *Queries) UndeleteVersions(ctx context.Context, secretID uuid.UUID, versions []int) error {
	_, err := q.db.Exec(ctx, `
		UPDATE secret_versions SET soft_deleted_at = NULL
		WHERE secret_id = $1 AND version = ANY($2) AND destroyed = false`,
		secretID, versions)
	return err
}

// DestroyVersions marks the listed versions destroyed, irreversibly.
func (q *Queries) DestroyVersions(ctx context.Context, secretID uuid.UUID, versions []int) error {
	_, err := q.db.Exec(ctx, `
		UPDATE secret_versions SET destroyed = true, ciphertext = ''
		WHERE secret_id = $1 AND version = ANY($2)`,
		secretID, versions)
	return err
}

// OldestNonDestroyedVersions returns version numbers beyond the most
// recent keep count, newest first, for retention pruning.
func (q *Queries) OldestNonDestroyedVersions(ctx context.Context, secretID uuid.UUID, keep int) ([]int, error) {
	rows, err := q.db.Query(ctx, `
		SELECT version FROM secret_versions
		WHERE secret_id = $1 AND destroyed = false
		ORDER BY version DESC
		OFFSET $2`, secretID, keep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
