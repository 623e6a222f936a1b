package database

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/usp-platform/usp/internal/audit"
	"github.com/usp-platform/usp/internal/crypto"
	"github.com/usp-platform/usp/internal/keyhierarchy"
	"github.com/usp-platform/usp/internal/store"
	"github.com/usp-platform/usp/internal/usperr"
)

func TestRenderStatement(t *testing.T) {
	stmt := `CREATE USER '{{name}}' WITH PASSWORD '{{password}}'`
	out := renderStatement(stmt, map[string]string{"name": "usp-readonly-abc123", "password": "s3cr3t"})
	if strings.Contains(out, "{{") {
		t.Errorf("renderStatement left a placeholder unsubstituted: %s", out)
	}
	if !strings.Contains(out, "usp-readonly-abc123") || !strings.Contains(out, "s3cr3t") {
		t.Errorf("renderStatement = %q, missing substituted values", out)
	}
}

func TestSplitStatements(t *testing.T) {
	raw := `CREATE ROLE "{{name}}"; GRANT SELECT ON ALL TABLES IN SCHEMA public TO "{{name}}"; `
	stmts := splitStatements(raw)
	if len(stmts) != 2 {
		t.Fatalf("splitStatements returned %d statements, want 2: %v", len(stmts), stmts)
	}
}

func TestGenerateUsername_IsUnique(t *testing.T) {
	a := generateUsername("readonly")
	b := generateUsername("readonly")
	if a == b {
		t.Error("generateUsername should produce distinct names across calls")
	}
	if !strings.HasPrefix(a, "usp-readonly-") {
		t.Errorf("generateUsername = %q, want usp-readonly- prefix", a)
	}
}

func TestGeneratePassword_IsRandomAndURLSafe(t *testing.T) {
	a, err := generatePassword()
	if err != nil {
		t.Fatalf("generatePassword: %v", err)
	}
	b, err := generatePassword()
	if err != nil {
		t.Fatalf("generatePassword: %v", err)
	}
	if a == b {
		t.Error("generatePassword should not repeat")
	}
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("generatePassword = %q, want URL-safe base64", a)
	}
}

func TestRootRotationStatements_KnownPlugins(t *testing.T) {
	if s := rootRotationStatements("postgresql"); len(s) == 0 {
		t.Error("expected a postgresql root rotation statement")
	}
	if s := rootRotationStatements("mysql"); len(s) == 0 {
		t.Error("expected a mysql root rotation statement")
	}
	if s := rootRotationStatements("mongodb"); s != nil {
		t.Error("mongodb has no built-in root rotation statement")
	}
}

func TestMemoryConnector_RecordsExecutions(t *testing.T) {
	c := &MemoryConnector{}
	err := c.Exec(context.Background(), "test://", []string{"CREATE USER {{name}}"}, map[string]string{"name": "alice"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(c.Executions) != 1 {
		t.Fatalf("Executions = %d, want 1", len(c.Executions))
	}
	if c.Executions[0].Vars["name"] != "alice" {
		t.Errorf("recorded vars = %v", c.Executions[0].Vars)
	}
}

func TestMemoryConnector_FailNext(t *testing.T) {
	c := &MemoryConnector{FailNext: true}
	if err := c.Exec(context.Background(), "test://", nil, nil); err == nil {
		t.Error("expected FailNext to force an error")
	}
	if err := c.Exec(context.Background(), "test://", nil, nil); err != nil {
		t.Errorf("FailNext should only trigger once, got error: %v", err)
	}
}

func TestStaticRotation_Unsupported(t *testing.T) {
	e := &Engine{}
	err := e.StaticRotation(context.Background(), "pg1", "readonly")
	if err == nil {
		t.Fatal("expected StaticRotation to return an error")
	}
}

// fixedRow is a pgx.Row fake that scans a fixed slice of values into
// whatever destinations the caller passes, positionally.
type fixedRow struct {
	vals []any
	err  error
}

func (r *fixedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("fake row: %d scan targets, want %d", len(dest), len(r.vals))
	}
	for i, d := range dest {
		assignScan(d, r.vals[i])
	}
	return nil
}

func assignScan(dest, val any) {
	dv := reflect.ValueOf(dest).Elem()
	if val == nil {
		dv.Set(reflect.Zero(dv.Type()))
		return
	}
	dv.Set(reflect.ValueOf(val))
}

type fakeConfigRow struct {
	id                     uuid.UUID
	name                   string
	plugin                 string
	encryptedConnURL       []byte
	encryptedAdminUser     []byte
	encryptedAdminPassword []byte
	poolMaxOpen            int
	poolMaxIdle            int
	deleted                bool
}

type fakeRoleRow struct {
	id               uuid.UUID
	configID         uuid.UUID
	roleName         string
	creationStmts    string
	revocationStmts  string
	renewStmts       string
	defaultTTLSecond int
	maxTTLSecond     int
}

type fakeLeaseRow struct {
	leaseID       string
	configID      uuid.UUID
	roleID        uuid.UUID
	generatedUser string
	encryptedPass []byte
	createdAt     time.Time
	expiresAt     time.Time
	renewalCount  int
	revoked       bool
	revokedAt     *time.Time
	lockedBy      string
	lockedUntil   *time.Time
}

// fakeDatabaseStore is an in-memory stand-in for the database_configs/
// database_roles/database_leases tables, satisfying store.DBTX for
// exactly the statements database.Engine issues.
type fakeDatabaseStore struct {
	mu      sync.Mutex
	configs map[string]*fakeConfigRow
	roles   map[uuid.UUID]map[string]*fakeRoleRow
	leases  map[string]*fakeLeaseRow
}

func newFakeDatabaseStore() *fakeDatabaseStore {
	return &fakeDatabaseStore{
		configs: map[string]*fakeConfigRow{},
		roles:   map[uuid.UUID]map[string]*fakeRoleRow{},
		leases:  map[string]*fakeLeaseRow{},
	}
}

func (f *fakeDatabaseStore) Transaction(ctx context.Context, fn func(ctx context.Context, q *store.Queries) error) error {
	return fn(ctx, store.NewQueries(f))
}

func (f *fakeDatabaseStore) Queries() *store.Queries {
	return store.NewQueries(f)
}

func configVals(c *fakeConfigRow) []any {
	return []any{c.id, c.name, c.plugin, c.encryptedConnURL, c.encryptedAdminUser, c.encryptedAdminPassword, c.poolMaxOpen, c.poolMaxIdle, c.deleted}
}

func roleVals(r *fakeRoleRow) []any {
	return []any{r.id, r.configID, r.roleName, r.creationStmts, r.revocationStmts, r.renewStmts, r.defaultTTLSecond, r.maxTTLSecond}
}

func leaseVals(l *fakeLeaseRow) []any {
	return []any{l.leaseID, l.configID, l.roleID, l.generatedUser, l.encryptedPass, l.createdAt, l.expiresAt, l.renewalCount, l.revoked, l.revokedAt, l.lockedBy, l.lockedUntil}
}

func (f *fakeDatabaseStore) findConfigByID(id uuid.UUID) *fakeConfigRow {
	for _, c := range f.configs {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (f *fakeDatabaseStore) findRoleByID(id uuid.UUID) *fakeRoleRow {
	for _, byName := range f.roles {
		for _, r := range byName {
			if r.id == id {
				return r
			}
		}
	}
	return nil
}

func (f *fakeDatabaseStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO database_configs"):
		name := args[0].(string)
		c := &fakeConfigRow{
			id: uuid.New(), name: name, plugin: args[1].(string),
			encryptedConnURL: args[2].([]byte), encryptedAdminUser: args[3].([]byte), encryptedAdminPassword: args[4].([]byte),
			poolMaxOpen: args[5].(int), poolMaxIdle: args[6].(int),
		}
		f.configs[name] = c
		return &fixedRow{vals: configVals(c)}

	case strings.Contains(sql, "FROM database_configs") && strings.Contains(sql, "WHERE id = $1"):
		c := f.findConfigByID(args[0].(uuid.UUID))
		if c == nil {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: configVals(c)}

	case strings.Contains(sql, "FROM database_configs"):
		c, ok := f.configs[args[0].(string)]
		if !ok || c.deleted {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: configVals(c)}

	case strings.Contains(sql, "INSERT INTO database_roles"):
		configID := args[0].(uuid.UUID)
		r := &fakeRoleRow{
			id: uuid.New(), configID: configID, roleName: args[1].(string),
			creationStmts: args[2].(string), revocationStmts: args[3].(string), renewStmts: args[4].(string),
			defaultTTLSecond: args[5].(int), maxTTLSecond: args[6].(int),
		}
		if f.roles[configID] == nil {
			f.roles[configID] = map[string]*fakeRoleRow{}
		}
		f.roles[configID][r.roleName] = r
		return &fixedRow{vals: roleVals(r)}

	case strings.Contains(sql, "FROM database_roles") && strings.Contains(sql, "WHERE id = $1"):
		r := f.findRoleByID(args[0].(uuid.UUID))
		if r == nil {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: roleVals(r)}

	case strings.Contains(sql, "FROM database_roles"):
		configID, roleName := args[0].(uuid.UUID), args[1].(string)
		r, ok := f.roles[configID][roleName]
		if !ok {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: roleVals(r)}

	case strings.Contains(sql, "INSERT INTO database_leases"):
		l := &fakeLeaseRow{
			leaseID: args[0].(string), configID: args[1].(uuid.UUID), roleID: args[2].(uuid.UUID),
			generatedUser: args[3].(string), encryptedPass: args[4].([]byte),
			createdAt: time.Now().UTC(), expiresAt: args[5].(time.Time),
		}
		f.leases[l.leaseID] = l
		return &fixedRow{vals: leaseVals(l)}

	case strings.Contains(sql, "FROM database_leases"):
		l, ok := f.leases[args[0].(string)]
		if !ok {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: leaseVals(l)}
	}
	return &fixedRow{err: fmt.Errorf("fake: unhandled query row: %s", sql)}
}

func (f *fakeDatabaseStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "UPDATE database_leases SET expires_at"):
		l, ok := f.leases[args[0].(string)]
		if !ok {
			return pgconn.CommandTag{}, nil
		}
		l.expiresAt = args[1].(time.Time)
		l.renewalCount++

	case strings.Contains(sql, "UPDATE database_leases SET revoked = true"):
		l, ok := f.leases[args[0].(string)]
		if ok && !l.revoked {
			l.revoked = true
			now := time.Now().UTC()
			l.revokedAt = &now
		}

	default:
		return pgconn.CommandTag{}, fmt.Errorf("fake: unhandled exec: %s", sql)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDatabaseStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("fake: Query is not supported by fakeDatabaseStore")
}

type fakeAuditSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditSink) Append(ctx context.Context, entry audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type fakeSeal struct {
	h *keyhierarchy.Hierarchy
}

func (f *fakeSeal) Hierarchy() (*keyhierarchy.Hierarchy, error) {
	return f.h, nil
}

func newFakeSeal(t *testing.T) *fakeSeal {
	t.Helper()
	dmk, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	h, err := keyhierarchy.New(dmk)
	if err != nil {
		t.Fatalf("keyhierarchy.New: %v", err)
	}
	return &fakeSeal{h: h}
}

func newTestEngine(t *testing.T) (*Engine, *fakeAuditSink) {
	t.Helper()
	auditSink := &fakeAuditSink{}
	return NewEngine(newFakeDatabaseStore(), newFakeSeal(t), auditSink), auditSink
}

func TestEngine_ConfigureDatabaseAndCreateRole(t *testing.T) {
	e, auditSink := newTestEngine(t)
	ctx := context.Background()

	info, err := e.ConfigureDatabase(ctx, "pg1", "test", "postgres://localhost/app", "admin", "s3cr3t", 5, 2)
	if err != nil {
		t.Fatalf("ConfigureDatabase: %v", err)
	}
	if info.Plugin != "test" {
		t.Errorf("Plugin = %q, want test", info.Plugin)
	}

	if _, err := e.CreateRole(ctx, "pg1", "readonly", "CREATE USER {{name}}", "DROP USER {{name}}", "", 3600, 86400); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	auditSink.mu.Lock()
	defer auditSink.mu.Unlock()
	if len(auditSink.entries) != 2 {
		t.Fatalf("audit entries = %d, want 2 (configure, create-role)", len(auditSink.entries))
	}
}

func TestEngine_GenerateCredentials_LeaseIDFormat(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ConfigureDatabase(ctx, "pg1", "test", "postgres://localhost/app", "admin", "s3cr3t", 5, 2); err != nil {
		t.Fatalf("ConfigureDatabase: %v", err)
	}
	if _, err := e.CreateRole(ctx, "pg1", "readonly", "CREATE USER {{name}}", "DROP USER {{name}}", "", 3600, 86400); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	cred, err := e.GenerateCredentials(ctx, "pg1", "readonly")
	if err != nil {
		t.Fatalf("GenerateCredentials: %v", err)
	}

	wantPrefix := "database/pg1/readonly/"
	if !strings.HasPrefix(cred.LeaseID, wantPrefix) {
		t.Fatalf("LeaseID = %q, want prefix %q", cred.LeaseID, wantPrefix)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(cred.LeaseID, wantPrefix)); err != nil {
		t.Errorf("LeaseID suffix is not a valid uuid: %v", err)
	}

	mc := e.connectors["test"].(*MemoryConnector)
	if len(mc.Executions) != 1 {
		t.Fatalf("connector executions = %d, want 1", len(mc.Executions))
	}
}

func TestEngine_RenewAndRevokeLease(t *testing.T) {
	e, auditSink := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ConfigureDatabase(ctx, "pg1", "test", "postgres://localhost/app", "admin", "s3cr3t", 5, 2); err != nil {
		t.Fatalf("ConfigureDatabase: %v", err)
	}
	if _, err := e.CreateRole(ctx, "pg1", "readonly", "CREATE USER {{name}}", "DROP USER {{name}}", "", 3600, 86400); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	cred, err := e.GenerateCredentials(ctx, "pg1", "readonly")
	if err != nil {
		t.Fatalf("GenerateCredentials: %v", err)
	}

	newExpiry, err := e.RenewLease(ctx, cred.LeaseID)
	if err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if !newExpiry.After(time.Now()) {
		t.Errorf("RenewLease expiry %v should be in the future", newExpiry)
	}

	if err := e.RevokeLease(ctx, cred.LeaseID); err != nil {
		t.Fatalf("RevokeLease: %v", err)
	}
	// Revoking an already-revoked lease is idempotent and must not
	// append a second audit entry.
	if err := e.RevokeLease(ctx, cred.LeaseID); err != nil {
		t.Fatalf("RevokeLease (idempotent): %v", err)
	}

	if _, err := e.RenewLease(ctx, cred.LeaseID); usperr.KindOf(err) != usperr.ValidationFailed {
		t.Fatalf("RenewLease on a revoked lease kind = %v, want ValidationFailed", usperr.KindOf(err))
	}

	auditSink.mu.Lock()
	defer auditSink.mu.Unlock()
	revokeCount := 0
	for _, e := range auditSink.entries {
		if e.EventType == "revoke" {
			revokeCount++
		}
	}
	if revokeCount != 1 {
		t.Errorf("revoke audit entries = %d, want 1 (idempotent second call must not re-audit)", revokeCount)
	}
}
