package transit

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/usp-platform/usp/internal/audit"
	"github.com/usp-platform/usp/internal/crypto"
	"github.com/usp-platform/usp/internal/keyhierarchy"
	"github.com/usp-platform/usp/internal/store"
	"github.com/usp-platform/usp/internal/usperr"
)

func TestWireEncodeDecodeRoundTrip(t *testing.T) {
	blob := []byte("nonce-ciphertext-tag")
	wire := wireEncode(3, blob)

	version, decoded, err := wireDecode(wire)
	if err != nil {
		t.Fatalf("wireDecode: %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	if !bytes.Equal(decoded, blob) {
		t.Errorf("decoded = %q, want %q", decoded, blob)
	}
}

func TestWireDecode_Malformed(t *testing.T) {
	cases := []string{
		"",
		"not-vault-formatted",
		"vault:3:abcd",
		"vault:vX:abcd",
		"vault:v1:not-base64url!!",
	}
	for _, c := range cases {
		if _, _, err := wireDecode(c); err == nil {
			t.Errorf("wireDecode(%q) should fail", c)
		}
	}
}

func TestValidAlgorithm(t *testing.T) {
	good := []Algorithm{AlgorithmAESGCM, AlgorithmEd25519, AlgorithmRSA2048, AlgorithmRSA4096, AlgorithmECDSAP256}
	for _, a := range good {
		if !validAlgorithm(a) {
			t.Errorf("validAlgorithm(%q) = false, want true", a)
		}
	}
	if validAlgorithm("rot13") {
		t.Error("validAlgorithm(\"rot13\") should be false")
	}
}

func TestIsAsymmetric(t *testing.T) {
	if isAsymmetric(AlgorithmAESGCM) {
		t.Error("AES-GCM should not be asymmetric")
	}
	for _, a := range []Algorithm{AlgorithmEd25519, AlgorithmRSA2048, AlgorithmRSA4096, AlgorithmECDSAP256} {
		if !isAsymmetric(a) {
			t.Errorf("isAsymmetric(%q) = false, want true", a)
		}
	}
}

func TestGenerateAndSignVerify_Ed25519(t *testing.T) {
	material, err := generateMaterial(AlgorithmEd25519)
	if err != nil {
		t.Fatalf("generateMaterial: %v", err)
	}

	input := []byte("hello world")
	sig, err := signWith(AlgorithmEd25519, material, input)
	if err != nil {
		t.Fatalf("signWith: %v", err)
	}

	ok, err := verifyWith(AlgorithmEd25519, material, input, sig)
	if err != nil {
		t.Fatalf("verifyWith: %v", err)
	}
	if !ok {
		t.Error("verifyWith should accept a valid signature")
	}

	ok, err = verifyWith(AlgorithmEd25519, material, []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("verifyWith: %v", err)
	}
	if ok {
		t.Error("verifyWith should reject a signature over different input")
	}
}

func TestGenerateAndEncryptMaterial_AESGCM(t *testing.T) {
	material, err := generateMaterial(AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("generateMaterial: %v", err)
	}
	if len(material) != 32 {
		t.Errorf("AES-GCM material length = %d, want 32", len(material))
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

type fakeKeyRow struct {
	algorithm            string
	currentVersion       int
	minDecryptionVersion int
	exportable           bool
	deletionAllowed      bool
	createdAt            time.Time
}

type fakeKeyVersionRow struct {
	material   []byte
	createdAt  time.Time
	archivedAt *time.Time
}

// fakeTransitStore is an in-memory stand-in for the transit_keys/
// transit_key_versions tables, satisfying store.DBTX for exactly the
// statements transit.Engine issues.
type fakeTransitStore struct {
	mu       sync.Mutex
	keys     map[string]*fakeKeyRow
	versions map[string]map[int]*fakeKeyVersionRow
}

func newFakeTransitStore() *fakeTransitStore {
	return &fakeTransitStore{keys: map[string]*fakeKeyRow{}, versions: map[string]map[int]*fakeKeyVersionRow{}}
}

func (f *fakeTransitStore) Transaction(ctx context.Context, fn func(ctx context.Context, q *store.Queries) error) error {
	return fn(ctx, store.NewQueries(f))
}

func (f *fakeTransitStore) Queries() *store.Queries {
	return store.NewQueries(f)
}

func keyVals(name string, k *fakeKeyRow) []any {
	return []any{name, k.algorithm, k.currentVersion, k.minDecryptionVersion, k.exportable, k.deletionAllowed, k.createdAt}
}

func (f *fakeTransitStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO transit_keys"):
		name := args[0].(string)
		k := &fakeKeyRow{
			algorithm: args[1].(string), currentVersion: 1, minDecryptionVersion: 1,
			exportable: args[2].(bool), deletionAllowed: args[3].(bool), createdAt: time.Now().UTC(),
		}
		f.keys[name] = k
		return &fixedRow{vals: keyVals(name, k)}

	case strings.Contains(sql, "FROM transit_keys"):
		name := args[0].(string)
		k, ok := f.keys[name]
		if !ok {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: keyVals(name, k)}

	case strings.Contains(sql, "FROM transit_key_versions"):
		name, version := args[0].(string), args[1].(int)
		v, ok := f.versions[name][version]
		if !ok {
			return &fixedRow{err: pgx.ErrNoRows}
		}
		return &fixedRow{vals: []any{name, version, v.material, v.createdAt, v.archivedAt}}
	}
	return &fixedRow{err: fmt.Errorf("fake: unhandled query row: %s", sql)}
}

func (f *fakeTransitStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO transit_key_versions"):
		name, version := args[0].(string), args[1].(int)
		if f.versions[name] == nil {
			f.versions[name] = map[int]*fakeKeyVersionRow{}
		}
		f.versions[name][version] = &fakeKeyVersionRow{material: args[2].([]byte), createdAt: time.Now().UTC()}

	case strings.Contains(sql, "UPDATE transit_keys SET current_version"):
		name := args[0].(string)
		if k, ok := f.keys[name]; ok {
			k.currentVersion = args[1].(int)
		}

	case strings.Contains(sql, "UPDATE transit_keys SET min_decryption_version"):
		name := args[0].(string)
		if k, ok := f.keys[name]; ok {
			k.minDecryptionVersion = args[1].(int)
			k.deletionAllowed = args[2].(bool)
		}

	case strings.Contains(sql, "DELETE FROM transit_keys"):
		delete(f.keys, args[0].(string))

	default:
		return pgconn.CommandTag{}, fmt.Errorf("fake: unhandled exec: %s", sql)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeTransitStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("fake: Query is not supported by fakeTransitStore")
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
	return NewEngine(newFakeTransitStore(), newFakeSeal(t), auditSink), auditSink
}

func TestEngine_CreateKeyAndEncryptDecrypt(t *testing.T) {
	e, auditSink := newTestEngine(t)
	ctx := context.Background()

	info, err := e.CreateKey(ctx, "app-data", AlgorithmAESGCM, false)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if info.CurrentVersion != 1 {
		t.Fatalf("CurrentVersion = %d, want 1", info.CurrentVersion)
	}

	wire, err := e.Encrypt(ctx, "app-data", []byte("plaintext"), "ctx-a")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := e.Decrypt(ctx, "app-data", wire, "ctx-a")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "plaintext" {
		t.Errorf("Decrypt = %q, want plaintext", plaintext)
	}

	if _, _, err := wireDecode(wire); err != nil {
		t.Errorf("Encrypt produced a malformed wire ciphertext: %v", err)
	}

	auditSink.mu.Lock()
	defer auditSink.mu.Unlock()
	if len(auditSink.entries) != 3 {
		t.Fatalf("audit entries = %d, want 3 (create, encrypt, decrypt)", len(auditSink.entries))
	}
}

func TestEngine_CreateKeyAndSignVerify(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateKey(ctx, "signing-key", AlgorithmEd25519, false); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	sig, err := e.Sign(ctx, "signing-key", []byte("message"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := e.Verify(ctx, "signing-key", []byte("message"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("Verify should accept a valid signature")
	}

	ok, err = e.Verify(ctx, "signing-key", []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify should reject a signature over different input")
	}
}

func TestEngine_RotateKey(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateKey(ctx, "rotating", AlgorithmAESGCM, false); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	info, err := e.RotateKey(ctx, "rotating")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if info.CurrentVersion != 2 {
		t.Fatalf("CurrentVersion after RotateKey = %d, want 2", info.CurrentVersion)
	}

	wire, err := e.Encrypt(ctx, "rotating", []byte("after-rotation"), "")
	if err != nil {
		t.Fatalf("Encrypt after rotation: %v", err)
	}
	plaintext, err := e.Decrypt(ctx, "rotating", wire, "")
	if err != nil {
		t.Fatalf("Decrypt after rotation: %v", err)
	}
	if string(plaintext) != "after-rotation" {
		t.Errorf("Decrypt = %q, want after-rotation", plaintext)
	}
}

func TestEngine_DeleteKey_RequiresDeletionAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateKey(ctx, "locked", AlgorithmAESGCM, false); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := e.UpdateKeyConfig(ctx, "locked", 1, false); err != nil {
		t.Fatalf("UpdateKeyConfig: %v", err)
	}
	if err := e.DeleteKey(ctx, "locked"); usperr.KindOf(err) != usperr.PolicyDenied {
		t.Fatalf("DeleteKey kind = %v, want PolicyDenied", usperr.KindOf(err))
	}

	if err := e.UpdateKeyConfig(ctx, "locked", 1, true); err != nil {
		t.Fatalf("UpdateKeyConfig: %v", err)
	}
	if err := e.DeleteKey(ctx, "locked"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := e.GetKey(ctx, "locked"); usperr.KindOf(err) != usperr.NotFound {
		t.Fatalf("GetKey after DeleteKey kind = %v, want NotFound", usperr.KindOf(err))
	}
}
