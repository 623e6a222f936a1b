// Package database implements the Database engine (C8): pluggable
// connectors issue short-lived dynamic credentials against external
// databases, tracked as leases with renewal and revocation.
package database

import (
	"context"
	"encoding/base64"
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

type sealProvider interface {
	Hierarchy() (*keyhierarchy.Hierarchy, error)
}

type txStore interface {
	Transaction(ctx context.Context, fn func(ctx context.Context, q *store.Queries) error) error
	Queries() *store.Queries
}

// auditSink is the narrow audit seam the engine needs for recording
// config/role/credential/lease lifecycle events.
type auditSink interface {
	Append(ctx context.Context, entry audit.Entry) error
}

// Engine implements the Database operations.
type Engine struct {
	store      txStore
	sealCtl    sealProvider
	audit      auditSink
	connectors registry
}

// NewEngine constructs a Database Engine with the default connector
// registry (postgresql, mysql, mongodb, redis, test).
func NewEngine(st txStore, sealCtl sealProvider, auditSink auditSink) *Engine {
	return &Engine{store: st, sealCtl: sealCtl, audit: auditSink, connectors: defaultRegistry()}
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

// WithConnector overrides or adds a named plugin connector, used by
// tests to install a MemoryConnector under a custom name.
func (e *Engine) WithConnector(plugin string, c Connector) {
	e.connectors[plugin] = c
}

func (e *Engine) subkey() ([]byte, error) {
	h, err := e.sealCtl.Hierarchy()
	if err != nil {
		return nil, err
	}
	return h.Derive(keyhierarchy.PurposeDatabase)
}

func credAAD(label, name string) []byte {
	return []byte(fmt.Sprintf("database|%s|%s", label, name))
}

// ConfigInfo is the caller-facing view of a database config, without any
// credential material.
type ConfigInfo struct {
	Name        string
	Plugin      string
	PoolMaxOpen int
	PoolMaxIdle int
}

// ConfigureDatabase stores (or replaces) the connection configuration for
// name, validating connectivity before committing.
func (e *Engine) ConfigureDatabase(ctx context.Context, name, plugin, connURL, adminUser, adminPassword string, poolMaxOpen, poolMaxIdle int) (ConfigInfo, error) {
	connector, ok := e.connectors[plugin]
	if !ok {
		return ConfigInfo{}, usperr.Newf(usperr.ValidationFailed, "unsupported database plugin %q", plugin)
	}
	if err := connector.Ping(ctx, connURL); err != nil {
		return ConfigInfo{}, usperr.Wrap(usperr.ConnectorError, "validating connection", err)
	}

	subkey, err := e.subkey()
	if err != nil {
		return ConfigInfo{}, err
	}
	encConn, err := crypto.Seal(subkey, []byte(connURL), credAAD("conn", name))
	if err != nil {
		return ConfigInfo{}, fmt.Errorf("encrypting connection url: %w", err)
	}
	encUser, err := crypto.Seal(subkey, []byte(adminUser), credAAD("admin-user", name))
	if err != nil {
		return ConfigInfo{}, fmt.Errorf("encrypting admin user: %w", err)
	}
	encPass, err := crypto.Seal(subkey, []byte(adminPassword), credAAD("admin-pass", name))
	if err != nil {
		return ConfigInfo{}, fmt.Errorf("encrypting admin password: %w", err)
	}

	row, err := e.store.Queries().UpsertDatabaseConfig(ctx, name, plugin, encConn, encUser, encPass, poolMaxOpen, poolMaxIdle)
	if err != nil {
		return ConfigInfo{}, fmt.Errorf("storing database config: %w", err)
	}
	details, _ := json.Marshal(map[string]any{"plugin": plugin, "pool_max_open": poolMaxOpen, "pool_max_idle": poolMaxIdle})
	if err := e.recordAudit(ctx, "write", "database.configure", name, details); err != nil {
		return ConfigInfo{}, err
	}
	return ConfigInfo{Name: row.Name, Plugin: row.Plugin, PoolMaxOpen: row.PoolMaxOpen, PoolMaxIdle: row.PoolMaxIdle}, nil
}

// GetDatabaseConfig returns the caller-facing view of a configured
// database, without any credential material.
func (e *Engine) GetDatabaseConfig(ctx context.Context, name string) (ConfigInfo, error) {
	row, err := e.store.Queries().GetDatabaseConfig(ctx, name)
	if err != nil {
		return ConfigInfo{}, mapNotFound(err)
	}
	return ConfigInfo{Name: row.Name, Plugin: row.Plugin, PoolMaxOpen: row.PoolMaxOpen, PoolMaxIdle: row.PoolMaxIdle}, nil
}

// DeleteDatabaseConfig revokes every active lease under the config, then
// soft-deletes it.
func (e *Engine) DeleteDatabaseConfig(ctx context.Context, name string) error {
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		row, err := q.GetDatabaseConfigForUpdate(ctx, name)
		if err != nil {
			return mapNotFound(err)
		}

		leases, err := q.ListActiveLeasesForConfig(ctx, row.ID)
		if err != nil {
			return fmt.Errorf("listing active leases: %w", err)
		}
		for _, lease := range leases {
			if err := q.RevokeLease(ctx, lease.LeaseID); err != nil {
				return fmt.Errorf("revoking lease %s: %w", lease.LeaseID, err)
			}
		}

		if err := q.DeleteDatabaseRolesForConfig(ctx, row.ID); err != nil {
			return fmt.Errorf("deleting roles: %w", err)
		}
		return q.SoftDeleteDatabaseConfig(ctx, row.ID)
	})
	if err != nil {
		return err
	}
	return e.recordAudit(ctx, "delete", "database.delete-config", name, nil)
}

// RoleInfo is the caller-facing view of a role definition.
type RoleInfo struct {
	ConfigName       string
	RoleName         string
	DefaultTTLSecond int
	MaxTTLSecond     int
}

// CreateRole defines (or replaces) a named credential-generation
// template scoped to configName.
func (e *Engine) CreateRole(ctx context.Context, configName, roleName, creationStmts, revocationStmts, renewStmts string, defaultTTL, maxTTL int) (RoleInfo, error) {
	var info RoleInfo
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		config, err := q.GetDatabaseConfig(ctx, configName)
		if err != nil {
			return mapNotFound(err)
		}
		role, err := q.CreateDatabaseRole(ctx, config.ID, roleName, creationStmts, revocationStmts, renewStmts, defaultTTL, maxTTL)
		if err != nil {
			return fmt.Errorf("creating role: %w", err)
		}
		info = RoleInfo{ConfigName: configName, RoleName: role.RoleName, DefaultTTLSecond: role.DefaultTTLSecond, MaxTTLSecond: role.MaxTTLSecond}
		return nil
	})
	if err != nil {
		return info, err
	}
	details, _ := json.Marshal(map[string]any{"config": configName, "default_ttl_s": defaultTTL, "max_ttl_s": maxTTL})
	if err := e.recordAudit(ctx, "write", "database.create-role", configName+"/"+roleName, details); err != nil {
		return info, err
	}
	return info, nil
}

// Credential is the plaintext dynamic credential returned to a caller.
// The password never touches the store unencrypted.
type Credential struct {
	LeaseID  string
	Username string
	Password string
	TTL      time.Duration
}

// GenerateCredentials provisions a new username/password pair against
// roleName's creation_stmts and records the lease.
func (e *Engine) GenerateCredentials(ctx context.Context, configName, roleName string) (Credential, error) {
	subkey, err := e.subkey()
	if err != nil {
		return Credential{}, err
	}

	var cred Credential
	err = e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		config, err := q.GetDatabaseConfig(ctx, configName)
		if err != nil {
			return mapNotFound(err)
		}
		role, err := q.GetDatabaseRole(ctx, config.ID, roleName)
		if err != nil {
			return mapNotFound(err)
		}

		connector, ok := e.connectors[config.Plugin]
		if !ok {
			return usperr.Newf(usperr.ValidationFailed, "unsupported database plugin %q", config.Plugin)
		}

		connURL, err := crypto.Open(subkey, config.EncryptedConnURL, credAAD("conn", configName))
		if err != nil {
			return usperr.Wrap(usperr.Internal, "decrypting connection url", err)
		}

		username := generateUsername(roleName)
		password, err := generatePassword()
		if err != nil {
			return fmt.Errorf("generating credential password: %w", err)
		}

		ttl := time.Duration(role.DefaultTTLSecond) * time.Second
		expiresAt := time.Now().Add(ttl)
		vars := map[string]string{
			"name":       username,
			"password":   password,
			"expiration": expirationVar(expiresAt),
		}
		if err := connector.Exec(ctx, string(connURL), splitStatements(role.CreationStmts), vars); err != nil {
			return usperr.Wrap(usperr.ConnectorError, "creating database credential", err)
		}

		encPass, err := crypto.Seal(subkey, []byte(password), credAAD("lease", username))
		if err != nil {
			return fmt.Errorf("encrypting lease password: %w", err)
		}

		leaseID := fmt.Sprintf("database/%s/%s/%s", configName, roleName, uuid.NewString())
		if _, err := q.CreateLease(ctx, leaseID, config.ID, role.ID, username, encPass, expiresAt); err != nil {
			return fmt.Errorf("recording lease: %w", err)
		}

		cred = Credential{LeaseID: leaseID, Username: username, Password: password, TTL: ttl}
		return nil
	})
	if err != nil {
		return cred, err
	}
	details, _ := json.Marshal(map[string]any{"lease_id": cred.LeaseID, "username": cred.Username, "ttl_s": int(cred.TTL.Seconds())})
	if err := e.recordAudit(ctx, "write", "database.generate-credentials", cred.LeaseID, details); err != nil {
		return cred, err
	}
	return cred, nil
}

// RenewLease extends a lease's expiry by its role's default TTL,
// refusing to extend past the role's max TTL measured from creation.
func (e *Engine) RenewLease(ctx context.Context, leaseID string) (time.Time, error) {
	var newExpiry time.Time
	err := e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		lease, err := q.GetLeaseForUpdate(ctx, leaseID)
		if err != nil {
			return mapNotFound(err)
		}
		if lease.Revoked {
			return usperr.New(usperr.ValidationFailed, "lease has already been revoked")
		}

		role, err := q.GetDatabaseRoleByID(ctx, lease.RoleID)
		if err != nil {
			return mapNotFound(err)
		}

		maxExpiry := lease.CreatedAt.Add(time.Duration(role.MaxTTLSecond) * time.Second)
		candidate := time.Now().Add(time.Duration(role.DefaultTTLSecond) * time.Second)
		if candidate.After(maxExpiry) {
			candidate = maxExpiry
		}

		if err := q.RenewLease(ctx, leaseID, candidate); err != nil {
			return fmt.Errorf("renewing lease: %w", err)
		}
		newExpiry = candidate
		return nil
	})
	if err != nil {
		return newExpiry, err
	}
	details, _ := json.Marshal(map[string]any{"new_expiry": newExpiry})
	if err := e.recordAudit(ctx, "renew", "lease.renew", leaseID, details); err != nil {
		return newExpiry, err
	}
	return newExpiry, nil
}

// RevokeLease runs the role's revocation_stmts against the target
// database and marks the lease revoked. Idempotent: revoking an
// already-revoked lease is a no-op.
func (e *Engine) RevokeLease(ctx context.Context, leaseID string) error {
	subkey, err := e.subkey()
	if err != nil {
		return err
	}

	alreadyRevoked := false
	err = e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		lease, err := q.GetLeaseForUpdate(ctx, leaseID)
		if err != nil {
			return mapNotFound(err)
		}
		if lease.Revoked {
			alreadyRevoked = true
			return nil
		}

		role, err := q.GetDatabaseRoleByID(ctx, lease.RoleID)
		if err != nil {
			return mapNotFound(err)
		}
		config, err := q.GetDatabaseConfigByID(ctx, lease.ConfigID)
		if err != nil {
			return mapNotFound(err)
		}
		connector, ok := e.connectors[config.Plugin]
		if !ok {
			return usperr.Newf(usperr.ValidationFailed, "unsupported database plugin %q", config.Plugin)
		}

		connURL, err := crypto.Open(subkey, config.EncryptedConnURL, credAAD("conn", config.Name))
		if err != nil {
			return usperr.Wrap(usperr.Internal, "decrypting connection url", err)
		}

		vars := map[string]string{"name": lease.GeneratedUser}
		if err := connector.Exec(ctx, string(connURL), splitStatements(role.RevocationStmts), vars); err != nil {
			return usperr.Wrap(usperr.ConnectorError, "revoking database credential", err)
		}

		return q.RevokeLease(ctx, leaseID)
	})
	if err != nil || alreadyRevoked {
		return err
	}
	details, _ := json.Marshal(map[string]any{"lease_id": leaseID})
	return e.recordAudit(ctx, "revoke", "lease.revoke", leaseID, details)
}

// RotateRootCredentials generates a new admin password, applies it on
// the target database, and only then promotes it into the live config
// row. A crash between applying and promoting leaves the new password
// recoverable from the scratch columns, never silently lost.
func (e *Engine) RotateRootCredentials(ctx context.Context, configName string) error {
	subkey, err := e.subkey()
	if err != nil {
		return err
	}

	err = e.store.Transaction(ctx, func(ctx context.Context, q *store.Queries) error {
		config, err := q.GetDatabaseConfigForUpdate(ctx, configName)
		if err != nil {
			return mapNotFound(err)
		}
		connector, ok := e.connectors[config.Plugin]
		if !ok {
			return usperr.Newf(usperr.ValidationFailed, "unsupported database plugin %q", config.Plugin)
		}

		connURL, err := crypto.Open(subkey, config.EncryptedConnURL, credAAD("conn", configName))
		if err != nil {
			return usperr.Wrap(usperr.Internal, "decrypting connection url", err)
		}
		adminUser, err := crypto.Open(subkey, config.EncryptedAdminUser, credAAD("admin-user", configName))
		if err != nil {
			return usperr.Wrap(usperr.Internal, "decrypting admin user", err)
		}

		newPassword, err := generatePassword()
		if err != nil {
			return fmt.Errorf("generating root password: %w", err)
		}
		encPending, err := crypto.Seal(subkey, []byte(newPassword), credAAD("pending-admin-pass", configName))
		if err != nil {
			return fmt.Errorf("encrypting pending root password: %w", err)
		}
		encUser, err := crypto.Seal(subkey, adminUser, credAAD("pending-admin-user", configName))
		if err != nil {
			return fmt.Errorf("encrypting pending root user: %w", err)
		}
		if err := q.StashPendingRootCredential(ctx, config.ID, encUser, encPending); err != nil {
			return fmt.Errorf("stashing pending root credential: %w", err)
		}

		vars := map[string]string{"name": string(adminUser), "password": newPassword}
		if err := connector.Exec(ctx, string(connURL), rootRotationStatements(config.Plugin), vars); err != nil {
			return usperr.Wrap(usperr.ConnectorError, "rotating root credential", err)
		}

		return q.PromotePendingRootCredential(ctx, config.ID)
	})
	if err != nil {
		return err
	}
	return e.recordAudit(ctx, "rotate", "database.rotate-root", configName, nil)
}

// StaticRotation is explicitly unsupported: USP's database engine only
// issues dynamic credentials, never manages a fixed, shared account.
func (e *Engine) StaticRotation(ctx context.Context, configName, roleName string) error {
	return usperr.New(usperr.Unsupported, "static credential rotation is not supported")
}

// rootRotationStatements returns the built-in admin password rotation
// statement for each known plugin. Operators who need a different
// statement should rotate through a role instead of the admin account.
func rootRotationStatements(plugin string) []string {
	switch plugin {
	case "postgresql":
		return []string{`ALTER ROLE "{{name}}" WITH PASSWORD '{{password}}'`}
	case "mysql":
		return []string{`ALTER USER '{{name}}'@'%' IDENTIFIED BY '{{password}}'`}
	default:
		return nil
	}
}

func splitStatements(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func generateUsername(roleName string) string {
	return fmt.Sprintf("usp-%s-%s", roleName, uuid.NewString()[:8])
}

func generatePassword() (string, error) {
	raw, err := crypto.RandomBytes(24)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func mapNotFound(err error) error {
	if err == store.ErrNotFound {
		return usperr.New(usperr.NotFound, "database resource not found")
	}
	return err
}
