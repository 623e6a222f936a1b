// Package audit implements the tamper-evident audit pipeline (C5): every
// security-relevant action is appended as an encrypted, hash-chained
// record. Durable-before-response writes (write/rotate/revoke/seal/
// unseal/init/policy-change, when success) go through a synchronous
// path; everything else is buffered and flushed asynchronously through
// a batched background writer.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usp-platform/usp/internal/crypto"
	"github.com/usp-platform/usp/internal/keyhierarchy"
	"github.com/usp-platform/usp/internal/requestctx"
	"github.com/usp-platform/usp/internal/store"
	"github.com/usp-platform/usp/internal/usperr"
)

// synchronousEventTypes must be durable before the triggering operation's
// response is sent.
var synchronousEventTypes = map[string]bool{
	"write": true, "rotate": true, "revoke": true,
	"seal": true, "unseal": true, "init": true, "policy-change": true,
}

// Entry is one audit event as produced by a caller, before chaining and
// encryption.
type Entry struct {
	EventType     string
	PrincipalID   string
	CorrelationID string
	Success       bool
	Resource      string
	Action        string
	Details       json.RawMessage
	IPAddress     *netip.Addr
	UserAgent     *string
}

// auditStore is the narrow persistence seam Sink needs.
type auditStore interface {
	Queries() *store.Queries
}

// hierarchyProvider supplies the audit subkey. It is satisfied by
// *seal.Controller; kept as an interface here to avoid a dependency
// cycle between audit and seal.
type hierarchyProvider interface {
	Hierarchy() (*keyhierarchy.Hierarchy, error)
}

// Sink appends encrypted, chained audit records. The chain tail (seq,
// prev_hash) is a single mutating resource; every writer serializes on
// sinkMu.
type Sink struct {
	store   auditStore
	sealCtl hierarchyProvider
	logger  *slog.Logger

	sinkMu   sync.Mutex
	seq      int64
	prevHash []byte
	broken   bool

	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewSink constructs a Sink. Call VerifyChain once at startup before
// accepting writes, then Start to begin the async flush loop for
// read-class events.
func NewSink(st auditStore, sealCtl hierarchyProvider, logger *slog.Logger) *Sink {
	return &Sink{
		store:   st,
		sealCtl: sealCtl,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// VerifyChain replays the full audit table and confirms each record's
// hmac matches its recomputation and that prev_hash links correctly. A
// broken chain is fatal: writes are refused until an operator clears it
// by restarting with a deliberate resync, which this package does not
// itself perform.
func (s *Sink) VerifyChain(ctx context.Context) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	subkey, err := s.auditSubkeyLocked()
	if err != nil {
		return err
	}

	var fromSeq int64
	prevHash := make([]byte, sha256.Size)

	for {
		records, err := s.store.Queries().ListAuditRecords(ctx, fromSeq, 500)
		if err != nil {
			return fmt.Errorf("audit: listing records: %w", err)
		}
		if len(records) == 0 {
			break
		}

		for _, r := range records {
			if r.Seq != fromSeq {
				s.broken = true
				return usperr.Newf(usperr.ChainBroken, "gap in audit sequence at %d", fromSeq)
			}
			if string(r.PrevHash) != string(prevHash) {
				s.broken = true
				return usperr.Newf(usperr.ChainBroken, "prev_hash mismatch at seq %d", r.Seq)
			}
			expected := computeHMAC(subkey, r.Seq, r.PrevHash, r.EventType, r.Ts, r.EncryptedDetails)
			if !hmac.Equal(expected, r.HMAC) {
				s.broken = true
				return usperr.Newf(usperr.ChainBroken, "hmac mismatch at seq %d", r.Seq)
			}
			prevHash = r.HMAC
			fromSeq = r.Seq + 1
		}
	}

	s.seq = fromSeq
	s.prevHash = prevHash
	return nil
}

// Start begins the background goroutine that flushes read-class (async)
// entries to the store.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Close waits for all pending async entries to flush.
func (s *Sink) Close() {
	close(s.entries)
	s.wg.Wait()
}

// Append writes entry synchronously if its event type requires
// durable-before-response semantics and it is a success record;
// otherwise it is queued for the async flush loop. Synchronous writes
// return once committed.
func (s *Sink) Append(ctx context.Context, entry Entry) error {
	if synchronousEventTypes[entry.EventType] && entry.Success {
		return s.writeOne(ctx, entry)
	}
	s.enqueue(entry)
	return nil
}

func (s *Sink) enqueue(entry Entry) {
	select {
	case s.entries <- entry:
	default:
		s.logger.Warn("audit buffer full, dropping entry", "event_type", entry.EventType, "resource", entry.Resource)
	}
}

func (s *Sink) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	flush := func() {
		for _, e := range batch {
			if err := s.writeOne(context.Background(), e); err != nil {
				s.logger.Error("flushing audit entry", "error", err, "event_type", e.EventType)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-s.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeOne appends a single record to the chain under sinkMu.
func (s *Sink) writeOne(ctx context.Context, entry Entry) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if s.broken {
		return usperr.New(usperr.ChainBroken, "audit chain is broken, refusing writes")
	}

	subkey, err := s.auditSubkeyLocked()
	if err != nil {
		return err
	}

	details := entry.Details
	if details == nil {
		details = json.RawMessage("{}")
	}
	aad := []byte("audit|" + entry.EventType)
	encDetails, err := crypto.Seal(subkey, details, aad)
	if err != nil {
		return fmt.Errorf("audit: encrypting details: %w", err)
	}

	ts := time.Now().UTC()
	seq := s.seq
	prevHash := s.prevHash
	if prevHash == nil {
		prevHash = make([]byte, sha256.Size)
	}

	mac := computeHMAC(subkey, seq, prevHash, entry.EventType, ts, encDetails)

	var principalID *string
	if entry.PrincipalID != "" {
		principalID = &entry.PrincipalID
	}

	row := store.AuditRecordRow{
		Seq:              seq,
		PrevHash:         prevHash,
		EventType:        entry.EventType,
		PrincipalID:      principalID,
		CorrelationID:    entry.CorrelationID,
		Success:          entry.Success,
		Resource:         entry.Resource,
		Action:           entry.Action,
		EncryptedDetails: encDetails,
		HMAC:             mac,
		Ts:               ts,
	}
	if err := s.store.Queries().AppendAuditRecord(ctx, row); err != nil {
		return fmt.Errorf("audit: appending record: %w", err)
	}

	s.seq = seq + 1
	s.prevHash = mac
	return nil
}

func (s *Sink) auditSubkeyLocked() ([]byte, error) {
	h, err := s.sealCtl.Hierarchy()
	if err != nil {
		return nil, err
	}
	return h.Derive(keyhierarchy.PurposeAudit)
}

func computeHMAC(subkey []byte, seq int64, prevHash []byte, eventType string, ts time.Time, encryptedDetails []byte) []byte {
	mac := hmac.New(sha256.New, subkey)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(seq))
	mac.Write(seqBuf[:])
	mac.Write(prevHash)
	mac.Write([]byte(eventType))
	tsBuf, _ := ts.MarshalBinary()
	mac.Write(tsBuf)
	mac.Write(encryptedDetails)
	return mac.Sum(nil)
}

// LogFromRequest is a request-scoped convenience wrapper around Append: it
// extracts correlation id, IP, and user agent from the HTTP request and
// appends the entry.
func (s *Sink) LogFromRequest(ctx context.Context, r *http.Request, principalID, correlationID, eventType, action, resource string, success bool, details json.RawMessage) error {
	entry := Entry{
		EventType:     eventType,
		PrincipalID:   principalID,
		CorrelationID: correlationID,
		Success:       success,
		Resource:      resource,
		Action:        action,
		Details:       details,
	}

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}
	ua := r.Header.Get("User-Agent")
	if ua != "" {
		entry.UserAgent = &ua
	}

	return s.Append(ctx, entry)
}

// EntryFromContext builds an Entry from the requestctx.Context carried on
// ctx (principal, correlation id, IP, user agent), so engine call sites
// below the HTTP handler layer don't need a *http.Request to audit
// against. If ctx carries no requestctx.Context, the identifying fields
// are left zero.
func EntryFromContext(ctx context.Context, eventType, action, resource string, success bool, details json.RawMessage) Entry {
	entry := Entry{EventType: eventType, Action: action, Resource: resource, Success: success, Details: details}

	rc := requestctx.FromContext(ctx)
	if rc == nil {
		return entry
	}

	entry.CorrelationID = rc.CorrelationID
	if rc.PrincipalID != uuid.Nil {
		entry.PrincipalID = rc.PrincipalID.String()
	}
	if addr, err := netip.ParseAddr(rc.IP); err == nil {
		entry.IPAddress = &addr
	}
	if rc.UserAgent != "" {
		ua := rc.UserAgent
		entry.UserAgent = &ua
	}
	return entry
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
