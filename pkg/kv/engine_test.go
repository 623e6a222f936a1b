package kv

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

func TestVersionAAD(t *testing.T) {
	a := versionAAD("secret/foo", 3)
	b := versionAAD("secret/foo", 3)
	if string(a) != string(b) {
		t.Fatal("versionAAD must be deterministic")
	}

	c := versionAAD("secret/foo", 4)
	if string(a) == string(c) {
		t.Fatal("different version must change the AAD")
	}

	d := versionAAD("secret/bar", 3)
	if string(a) == string(d) {
		t.Fatal("different path must change the AAD")
	}
}

func TestDefaultToCurrent(t *testing.T) {
	if got := defaultToCurrent(nil, 5); len(got) != 1 || got[0] != 5 {
		t.Errorf("defaultToCurrent(nil, 5) = %v, want [5]", got)
	}
	if got := defaultToCurrent([]int{1, 2}, 5); len(got) != 2 {
		t.Errorf("defaultToCurrent should pass through an explicit list, got %v", got)
	}
}

func TestMapNotFound(t *testing.T) {
	err := mapNotFound(store.ErrNotFound)
	if usperr.KindOf(err) != usperr.NotFound {
		t.Errorf("mapNotFound(store.ErrNotFound) kind = %v, want NotFound", usperr.KindOf(err))
	}

	other := mapNotFound(nil)
	if other != nil {
		t.Errorf("mapNotFound(nil) = %v, want nil", other)
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

// fakeSecretStore is an in-memory stand-in for the secrets/secret_versions
// tables, satisfying store.DBTX for exactly the statements kv.Engine
// issues. It doubles as the txStore seam: Transaction just runs fn
// against the same in-memory state, with no real isolation.
type fakeSecretStore struct {
	mu       sync.Mutex
	secrets  map[string]*fakeSecretRow
	versions map[uuid.UUID]map[int]*fakeVersionRow
}

type fakeSecretRow struct {
	id             uuid.UUID
	path           string
	currentVersion int
	maxVersions    int
	casRequired    bool
	createdAt      time.Time
	updatedAt      time.Time
	deleted        bool
}

type fakeVersionRow struct {
	ciphertext    []byte
	createdAt     time.Time
	softDeletedAt *time.Time
	destroyed     bool
}

func newFakeSecretStore() *fakeSecretStore {
	return &fakeSecretStore{
		secrets:  map[string]*fakeSecretRow{},
		versions: map[uuid.UUID]map[int]*fakeVersionRow{},
	}
}

func (f *fakeSecretStore) Transaction(ctx context.Context, fn func(ctx context.Context, q *store.Queries) error) error {
	return fn(ctx, store.NewQueries(f))
}

func (f *fakeSecretStore) Queries() *store.Queries {
	return store.NewQueries(f)
}

func secretVals(s *fakeSecretRow) []any {
	return []any{s.id, s.path, s.currentVersion, s.maxVersions, s.casRequired, s.createdAt, s.updatedAt, s.deleted}
}

func versionVals(secretID uuid.UUID, version int, v *fakeVersionRow) []any {
	return []any{secretID, version, v.ciphertext, v.createdAt, v.softDeletedAt, v.destroyed}
}

func (f *fakeSecretStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO secrets"):
		path := args[0].(string)
		now := time.Now().UTC()
		s := &fakeSecretRow{
			id: uuid.New(), path: path, maxVersions: args[1].(int), casRequired: args[2].(bool),
			createdAt: now, updatedAt: now,
		}
		f.secrets[path] = s
		return &fixedRow{vals: secretVals(s)}

	case strings.Contains(sql, "FROM secrets WHERE path"):
		path := args[0].(string)
		s, ok := f.secrets[path]
		if !ok {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: secretVals(s)}

	case strings.Contains(sql, "FROM secret_versions") && strings.Contains(sql, "LIMIT 1"):
		secretID := args[0].(uuid.UUID)
		latest, version, ok := f.latestVersion(secretID)
		if !ok {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: versionVals(secretID, version, latest)}

	case strings.Contains(sql, "FROM secret_versions"):
		secretID := args[0].(uuid.UUID)
		version := args[1].(int)
		v, ok := f.versions[secretID][version]
		if !ok {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: versionVals(secretID, version, v)}
	}
	return &fixedRow{err: fmt.Errorf("fake: unhandled query row: %s", sql)}
}

func (f *fakeSecretStore) latestVersion(secretID uuid.UUID) (*fakeVersionRow, int, bool) {
	var best int
	var row *fakeVersionRow
	for version, v := range f.versions[secretID] {
		if row == nil || version > best {
			best, row = version, v
		}
	}
	return row, best, row != nil
}

func (f *fakeSecretStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO secret_versions"):
		secretID := args[0].(uuid.UUID)
		version := args[1].(int)
		if f.versions[secretID] == nil {
			f.versions[secretID] = map[int]*fakeVersionRow{}
		}
		f.versions[secretID][version] = &fakeVersionRow{ciphertext: args[2].([]byte), createdAt: time.Now().UTC()}

	case strings.Contains(sql, "UPDATE secrets SET current_version"):
		id := args[0].(uuid.UUID)
		for _, s := range f.secrets {
			if s.id == id {
				s.currentVersion = args[1].(int)
			}
		}

	case strings.Contains(sql, "DELETE FROM secrets"):
		id := args[0].(uuid.UUID)
		for path, s := range f.secrets {
			if s.id == id {
				delete(f.secrets, path)
			}
		}

	case strings.Contains(sql, "soft_deleted_at = now()"):
		f.markVersions(args, func(v *fakeVersionRow) { now := time.Now().UTC(); v.softDeletedAt = &now })

	case strings.Contains(sql, "soft_deleted_at = NULL"):
		f.markVersions(args, func(v *fakeVersionRow) { v.softDeletedAt = nil })

	case strings.Contains(sql, "SET destroyed = true"):
		f.markVersions(args, func(v *fakeVersionRow) { v.destroyed = true })

	default:
		return pgconn.CommandTag{}, fmt.Errorf("fake: unhandled exec: %s", sql)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeSecretStore) markVersions(args []any, apply func(*fakeVersionRow)) {
	secretID := args[0].(uuid.UUID)
	for _, version := range args[1].([]int) {
		if v, ok := f.versions[secretID][version]; ok {
			apply(v)
		}
	}
}

func (f *fakeSecretStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("fake: Query is not supported by fakeSecretStore")
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

func (f *fakeAuditSink) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		out = append(out, e.EventType)
	}
	return out
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
	// defaultMaxVersions 0 disables retention pruning's Query call, which
	// fakeSecretStore does not implement.
	return NewEngine(newFakeSecretStore(), newFakeSeal(t), auditSink, 0), auditSink
}

func TestEngine_WriteAndRead(t *testing.T) {
	e, auditSink := newTestEngine(t)
	ctx := context.Background()

	meta, err := e.Write(ctx, "secret/foo", []byte("hunter2"), nil, false)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if meta.Version != 1 {
		t.Errorf("Write version = %d, want 1", meta.Version)
	}

	plaintext, readMeta, err := e.Read(ctx, "secret/foo", 0, false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(plaintext) != "hunter2" {
		t.Errorf("Read plaintext = %q, want hunter2", plaintext)
	}
	if readMeta.Version != 1 {
		t.Errorf("Read version = %d, want 1", readMeta.Version)
	}

	if types := auditSink.eventTypes(); len(types) != 1 || types[0] != "write" {
		t.Errorf("audit entries = %v, want [write]", types)
	}
}

func TestEngine_Write_CASMismatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	initialCAS := 0
	if _, err := e.Write(ctx, "secret/foo", []byte("v1"), &initialCAS, true); err != nil {
		t.Fatalf("initial Write: %v", err)
	}

	staleCAS := 0
	_, err := e.Write(ctx, "secret/foo", []byte("v2"), &staleCAS, true)
	if usperr.KindOf(err) != usperr.CASMismatch {
		t.Fatalf("Write with stale cas kind = %v, want CASMismatch", usperr.KindOf(err))
	}
}

func TestEngine_SoftDeleteAndUndelete(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Write(ctx, "secret/foo", []byte("v1"), nil, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.SoftDelete(ctx, "secret/foo", nil); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, _, err := e.Read(ctx, "secret/foo", 0, false); usperr.KindOf(err) != usperr.Deleted {
		t.Fatalf("Read after SoftDelete kind = %v, want Deleted", usperr.KindOf(err))
	}

	if err := e.Undelete(ctx, "secret/foo", []int{1}); err != nil {
		t.Fatalf("Undelete: %v", err)
	}
	if _, _, err := e.Read(ctx, "secret/foo", 0, false); err != nil {
		t.Fatalf("Read after Undelete: %v", err)
	}
}

func TestEngine_Destroy(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Write(ctx, "secret/foo", []byte("v1"), nil, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Destroy(ctx, "secret/foo", []int{1}); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, _, err := e.Read(ctx, "secret/foo", 0, false); usperr.KindOf(err) != usperr.Destroyed {
		t.Fatalf("Read after Destroy kind = %v, want Destroyed", usperr.KindOf(err))
	}
}

func TestEngine_DestroyMetadata(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Write(ctx, "secret/foo", []byte("v1"), nil, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.DestroyMetadata(ctx, "secret/foo"); err != nil {
		t.Fatalf("DestroyMetadata: %v", err)
	}
	if _, _, err := e.Read(ctx, "secret/foo", 0, false); usperr.KindOf(err) != usperr.NotFound {
		t.Fatalf("Read after DestroyMetadata kind = %v, want NotFound", usperr.KindOf(err))
	}
}
