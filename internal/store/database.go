package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DatabaseConfigRow is the persisted connection configuration for one
// plugin instance.
type DatabaseConfigRow struct {
	ID                     uuid.UUID
	Name                   string
	Plugin                 string
	EncryptedConnURL       []byte
	EncryptedAdminUser     []byte
	EncryptedAdminPassword []byte
	PoolMaxOpen            int
	PoolMaxIdle            int
	Deleted                bool
}

// DatabaseRoleRow is a named credential-generation template scoped to a
// config.
type DatabaseRoleRow struct {
	ID               uuid.UUID
	ConfigID         uuid.UUID
	RoleName         string
	CreationStmts    string
	RevocationStmts  string
	RenewStmts       string
	DefaultTTLSecond int
	MaxTTLSecond     int
}

// DatabaseLeaseRow is one issued dynamic credential.
type DatabaseLeaseRow struct {
	LeaseID          string
	ConfigID         uuid.UUID
	RoleID           uuid.UUID
	GeneratedUser    string
	EncryptedPass    []byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RenewalCount     int
	Revoked          bool
	RevokedAt        *time.Time
	LockedBy         string
	LockedUntil      *time.Time
}

const dbConfigColumns = `id, name, plugin, encrypted_conn_url, encrypted_admin_user, encrypted_admin_password, pool_max_open, pool_max_idle, deleted`

func scanDBConfigRow(row scanner) (DatabaseConfigRow, error) {
	var r DatabaseConfigRow
	err := row.Scan(&r.ID, &r.Name, &r.Plugin, &r.EncryptedConnURL, &r.EncryptedAdminUser, &r.EncryptedAdminPassword, &r.PoolMaxOpen, &r.PoolMaxIdle, &r.Deleted)
	return r, err
}

// UpsertDatabaseConfig inserts or replaces the config for name.
func (q *Queries) UpsertDatabaseConfig(ctx context.Context, name, plugin string, connURL, adminUser, adminPassword []byte, poolMaxOpen, poolMaxIdle int) (DatabaseConfigRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO database_configs (id, name, plugin, encrypted_conn_url, encrypted_admin_user, encrypted_admin_password, pool_max_open, pool_max_idle, deleted)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, false)
		ON CONFLICT (name) DO UPDATE SET
			plugin = EXCLUDED.plugin,
			encrypted_conn_url = EXCLUDED.encrypted_conn_url,
			encrypted_admin_user = EXCLUDED.encrypted_admin_user,
			encrypted_admin_password = EXCLUDED.encrypted_admin_password,
			pool_max_open = EXCLUDED.pool_max_open,
			pool_max_idle = EXCLUDED.pool_max_idle,
			deleted = false
		RETURNING `+dbConfigColumns,
		name, plugin, connURL, adminUser, adminPassword, poolMaxOpen, poolMaxIdle)
	return scanDBConfigRow(row)
}

// GetDatabaseConfig returns the config by name, or ErrNotFound.
func (q *Queries) GetDatabaseConfig(ctx context.Context, name string) (DatabaseConfigRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dbConfigColumns+` FROM database_configs WHERE name = $1 AND deleted = false`, name)
	r, err := scanDBConfigRow(row)
	if isNoRows(err) {
		return DatabaseConfigRow{}, ErrNotFound
	}
	return r, err
}

// GetDatabaseConfigByID returns the config by id, or ErrNotFound. Used
// to resolve a lease's config_id back to its connection details.
func (q *Queries) GetDatabaseConfigByID(ctx context.Context, id uuid.UUID) (DatabaseConfigRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dbConfigColumns+` FROM database_configs WHERE id = $1`, id)
	r, err := scanDBConfigRow(row)
	if isNoRows(err) {
		return DatabaseConfigRow{}, ErrNotFound
	}
	return r, err
}

// GetDatabaseConfigForUpdate locks the config row, giving linearizable
// root-rotation and delete semantics per config name.
func (q *Queries) GetDatabaseConfigForUpdate(ctx context.Context, name string) (DatabaseConfigRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dbConfigColumns+` FROM database_configs WHERE name = $1 AND deleted = false FOR UPDATE`, name)
	r, err := scanDBConfigRow(row)
	if isNoRows(err) {
		return DatabaseConfigRow{}, ErrNotFound
	}
	return r, err
}

// UpdateDatabaseConfigCredentials promotes a rotated admin credential.
func (q *Queries) UpdateDatabaseConfigCredentials(ctx context.Context, id uuid.UUID, adminUser, adminPassword []byte) error {
	_, err := q.db.Exec(ctx, `
		UPDATE database_configs SET encrypted_admin_user = $2, encrypted_admin_password = $3
		WHERE id = $1`, id, adminUser, adminPassword)
	return err
}

// StashPendingRootCredential records a candidate new admin credential in
// a scratch column before executing the rotation statement, so a crash
// between statement execution and promotion does not lose it.
func (q *Queries) StashPendingRootCredential(ctx context.Context, id uuid.UUID, pendingUser, pendingPassword []byte) error {
	_, err := q.db.Exec(ctx, `
		UPDATE database_configs SET pending_admin_user = $2, pending_admin_password = $3
		WHERE id = $1`, id, pendingUser, pendingPassword)
	return err
}

// PromotePendingRootCredential moves the scratch credential into the
// live columns and clears the scratch columns.
func (q *Queries) PromotePendingRootCredential(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE database_configs SET
			encrypted_admin_user = pending_admin_user,
			encrypted_admin_password = pending_admin_password,
			pending_admin_user = NULL,
			pending_admin_password = NULL
		WHERE id = $1`, id)
	return err
}

// SoftDeleteDatabaseConfig marks a config deleted.
func (q *Queries) SoftDeleteDatabaseConfig(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE database_configs SET deleted = true WHERE id = $1`, id)
	return err
}

const dbRoleColumns = `id, config_id, role_name, creation_stmts, revocation_stmts, renew_stmts, default_ttl_s, max_ttl_s`

func scanDBRoleRow(row scanner) (DatabaseRoleRow, error) {
	var r DatabaseRoleRow
	err := row.Scan(&r.ID, &r.ConfigID, &r.RoleName, &r.CreationStmts, &r.RevocationStmts, &r.RenewStmts, &r.DefaultTTLSecond, &r.MaxTTLSecond)
	return r, err
}

// CreateDatabaseRole inserts a role definition scoped to a config.
func (q *Queries) CreateDatabaseRole(ctx context.Context, configID uuid.UUID, roleName, creationStmts, revocationStmts, renewStmts string, defaultTTL, maxTTL int) (DatabaseRoleRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO database_roles (id, config_id, role_name, creation_stmts, revocation_stmts, renew_stmts, default_ttl_s, max_ttl_s)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (config_id, role_name) DO UPDATE SET
			creation_stmts = EXCLUDED.creation_stmts,
			revocation_stmts = EXCLUDED.revocation_stmts,
			renew_stmts = EXCLUDED.renew_stmts,
			default_ttl_s = EXCLUDED.default_ttl_s,
			max_ttl_s = EXCLUDED.max_ttl_s
		RETURNING `+dbRoleColumns,
		configID, roleName, creationStmts, revocationStmts, renewStmts, defaultTTL, maxTTL)
	return scanDBRoleRow(row)
}

// GetDatabaseRole returns a role by config + name.
func (q *Queries) GetDatabaseRole(ctx context.Context, configID uuid.UUID, roleName string) (DatabaseRoleRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dbRoleColumns+` FROM database_roles WHERE config_id = $1 AND role_name = $2`, configID, roleName)
	r, err := scanDBRoleRow(row)
	if isNoRows(err) {
		return DatabaseRoleRow{}, ErrNotFound
	}
	return r, err
}

// GetDatabaseRoleByID returns a role by its id, or ErrNotFound. Used to
// resolve a lease's role_id back to its statements.
func (q *Queries) GetDatabaseRoleByID(ctx context.Context, id uuid.UUID) (DatabaseRoleRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dbRoleColumns+` FROM database_roles WHERE id = $1`, id)
	r, err := scanDBRoleRow(row)
	if isNoRows(err) {
		return DatabaseRoleRow{}, ErrNotFound
	}
	return r, err
}

// DeleteDatabaseRolesForConfig removes every role under a config, as
// part of cascading config deletion.
func (q *Queries) DeleteDatabaseRolesForConfig(ctx context.Context, configID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM database_roles WHERE config_id = $1`, configID)
	return err
}

const dbLeaseColumns = `lease_id, config_id, role_id, generated_username, encrypted_password, created_at, expires_at, renewal_count, revoked, revoked_at, locked_by, locked_until`

func scanDBLeaseRow(row scanner) (DatabaseLeaseRow, error) {
	var r DatabaseLeaseRow
	err := row.Scan(&r.LeaseID, &r.ConfigID, &r.RoleID, &r.GeneratedUser, &r.EncryptedPass, &r.CreatedAt, &r.ExpiresAt, &r.RenewalCount, &r.Revoked, &r.RevokedAt, &r.LockedBy, &r.LockedUntil)
	return r, err
}

// CreateLease inserts a newly issued dynamic credential lease.
func (q *Queries) CreateLease(ctx context.Context, leaseID string, configID, roleID uuid.UUID, username string, encryptedPassword []byte, expiresAt time.Time) (DatabaseLeaseRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO database_leases (lease_id, config_id, role_id, generated_username, encrypted_password, created_at, expires_at, renewal_count, revoked, locked_by)
		VALUES ($1, $2, $3, $4, $5, now(), $6, 0, false, '')
		RETURNING `+dbLeaseColumns,
		leaseID, configID, roleID, username, encryptedPassword, expiresAt)
	return scanDBLeaseRow(row)
}

// GetLease returns a lease by id, or ErrNotFound.
func (q *Queries) GetLease(ctx context.Context, leaseID string) (DatabaseLeaseRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dbLeaseColumns+` FROM database_leases WHERE lease_id = $1`, leaseID)
	r, err := scanDBLeaseRow(row)
	if isNoRows(err) {
		return DatabaseLeaseRow{}, ErrNotFound
	}
	return r, err
}

// GetLeaseForUpdate locks the lease row for renew/revoke linearizability.
func (q *Queries) GetLeaseForUpdate(ctx context.Context, leaseID string) (DatabaseLeaseRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dbLeaseColumns+` FROM database_leases WHERE lease_id = $1 FOR UPDATE`, leaseID)
	r, err := scanDBLeaseRow(row)
	if isNoRows(err) {
		return DatabaseLeaseRow{}, ErrNotFound
	}
	return r, err
}

// RenewLease updates expires_at and increments renewal_count.
func (q *Queries) RenewLease(ctx context.Context, leaseID string, newExpiresAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE database_leases SET expires_at = $2, renewal_count = renewal_count + 1
		WHERE lease_id = $1`, leaseID, newExpiresAt)
	return err
}

// RevokeLease marks a lease revoked; idempotent.
func (q *Queries) RevokeLease(ctx context.Context, leaseID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE database_leases SET revoked = true, revoked_at = now()
		WHERE lease_id = $1 AND revoked = false`, leaseID)
	return err
}

// ClaimLeaseForAction attempts to acquire the (locked_by, locked_until)
// compare-and-set used by the lease manager for at-most-once dispatch.
// It returns true if the caller now owns the claim.
func (q *Queries) ClaimLeaseForAction(ctx context.Context, leaseID, owner string, until time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE database_leases SET locked_by = $2, locked_until = $3
		WHERE lease_id = $1 AND revoked = false
		AND (locked_until IS NULL OR locked_until < now())`,
		leaseID, owner, until)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpiringLeases returns unrevoked leases whose expires_at has
// already passed, for the lease manager's revocation sweep.
func (q *Queries) ListExpiringLeases(ctx context.Context, before time.Time, limit int) ([]DatabaseLeaseRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+dbLeaseColumns+` FROM database_leases
		WHERE revoked = false AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DatabaseLeaseRow
	for rows.Next() {
		r, err := scanDBLeaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListActiveLeasesForConfig returns every unrevoked lease under a config,
// for cascading revocation when the config is deleted.
func (q *Queries) ListActiveLeasesForConfig(ctx context.Context, configID uuid.UUID) ([]DatabaseLeaseRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+dbLeaseColumns+` FROM database_leases
		WHERE config_id = $1 AND revoked = false`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DatabaseLeaseRow
	for rows.Next() {
		r, err := scanDBLeaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
