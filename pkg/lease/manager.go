// Package lease implements the LeaseManager (C10): a background worker
// that revokes expired database leases and runs recurring rotation jobs
// (transit key rotation, database root rotation, KV retention sweeps).
package lease

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/usp-platform/usp/internal/audit"
	"github.com/usp-platform/usp/internal/store"
)

// DatabaseRevoker is the seam into pkg/database's RevokeLease, kept as an
// interface so lease doesn't import database directly.
type DatabaseRevoker interface {
	RevokeLease(ctx context.Context, leaseID string) error
}

// Rotator runs one named rotation job type (transit key rotation,
// database root rotation, KV retention). target is the job's
// target_name (a transit key name, a database config name, or a KV
// secret path).
type Rotator interface {
	Rotate(ctx context.Context, target string) error
}

// managerStore is the seam the manager needs from the Store.
type managerStore interface {
	Queries() *store.Queries
}

// Manager is the single-threaded lease/rotation scheduler: a min-heap
// keyed by next action time, with at-most-once dispatch via a
// locked_by/locked_until compare-and-set.
type Manager struct {
	store    managerStore
	revoker  DatabaseRevoker
	rotators map[string]Rotator // job_type -> Rotator
	audit    auditSink
	logger   *slog.Logger

	ownerID string

	pollInterval    time.Duration
	claimDuration   time.Duration
	maxAttempts     int
	backoffBaseMS   int
	sweepBatchLimit int
}

// auditSink is the narrow audit seam the manager needs for recording
// revocation/rotation failure events.
type auditSink interface {
	Append(ctx context.Context, entry audit.Entry) error
}

// Config tunes a Manager's polling, locking, and retry behavior.
type Config struct {
	PollInterval    time.Duration
	ClaimDuration   time.Duration
	MaxAttempts     int
	BackoffBaseMS   int
	SweepBatchLimit int
}

// NewManager constructs a Manager. ownerID identifies this process in
// the locked_by column, so a crashed worker's claims expire and another
// worker may pick them back up.
func NewManager(st managerStore, revoker DatabaseRevoker, audit auditSink, logger *slog.Logger, ownerID string, cfg Config) *Manager {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ClaimDuration == 0 {
		cfg.ClaimDuration = time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBaseMS == 0 {
		cfg.BackoffBaseMS = 500
	}
	if cfg.SweepBatchLimit == 0 {
		cfg.SweepBatchLimit = 100
	}
	return &Manager{
		store:           st,
		revoker:         revoker,
		rotators:        make(map[string]Rotator),
		audit:           audit,
		logger:          logger,
		ownerID:         ownerID,
		pollInterval:    cfg.PollInterval,
		claimDuration:   cfg.ClaimDuration,
		maxAttempts:     cfg.MaxAttempts,
		backoffBaseMS:   cfg.BackoffBaseMS,
		sweepBatchLimit: cfg.SweepBatchLimit,
	}
}

// RegisterRotator binds a Rotator to a job_type ("transit_key",
// "database_root", "kv_retention").
func (m *Manager) RegisterRotator(jobType string, r Rotator) {
	m.rotators[jobType] = r
}

// Run starts the scheduler loop. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("lease manager started", "poll_interval", m.pollInterval)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	// Run once at start so expired leases don't wait a full interval.
	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lease manager stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick builds a min-heap of due work (expiring leases and rotation jobs,
// ordered by action time) from a single monotonic snapshot, then
// dispatches each item in order. Items are re-fetched rather than
// re-sorted across ticks; the heap only orders one sweep's batch.
func (m *Manager) tick(ctx context.Context) {
	now := time.Now()
	q := m.store.Queries()

	leases, err := q.ListExpiringLeases(ctx, now, m.sweepBatchLimit)
	if err != nil {
		m.logger.Error("listing expiring leases", "error", err)
		leases = nil
	}

	jobs, err := q.ListDueRotationJobs(ctx, now, m.sweepBatchLimit)
	if err != nil {
		m.logger.Error("listing due rotation jobs", "error", err)
		jobs = nil
	}

	items := &workHeap{}
	heap.Init(items)
	for _, l := range leases {
		heap.Push(items, workItem{kind: kindLeaseRevoke, actionAt: l.ExpiresAt, leaseID: l.LeaseID})
	}
	for _, j := range jobs {
		heap.Push(items, workItem{kind: kindRotation, actionAt: j.NextExecutionAt, job: j})
	}

	for items.Len() > 0 {
		item := heap.Pop(items).(workItem)
		switch item.kind {
		case kindLeaseRevoke:
			m.processLeaseRevocation(ctx, item.leaseID)
		case kindRotation:
			m.processRotationJob(ctx, item.job)
		}
	}
}

func (m *Manager) processLeaseRevocation(ctx context.Context, leaseID string) {
	q := m.store.Queries()
	until := time.Now().Add(m.claimDuration)
	claimed, err := q.ClaimLeaseForAction(ctx, leaseID, m.ownerID, until)
	if err != nil {
		m.logger.Error("claiming lease for revocation", "lease_id", leaseID, "error", err)
		return
	}
	if !claimed {
		return // another worker owns this lease's claim
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(m.backoffBaseMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = m.revoker.RevokeLease(ctx, leaseID)
		if lastErr == nil {
			m.logger.Info("lease revoked", "lease_id", leaseID, "attempt", attempt)
			return
		}
		m.logger.Warn("lease revocation attempt failed", "lease_id", leaseID, "attempt", attempt, "error", lastErr)
		if attempt == m.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(eb.NextBackOff()):
		}
	}

	m.logger.Error("lease revocation exhausted retries, marking revoked anyway", "lease_id", leaseID, "error", lastErr)
	if err := q.RevokeLease(ctx, leaseID); err != nil {
		m.logger.Error("force-marking lease revoked", "lease_id", leaseID, "error", err)
	}
	if m.audit != nil {
		details, _ := json.Marshal(map[string]any{"lease_id": leaseID, "error": fmt.Sprint(lastErr), "attempts": m.maxAttempts})
		entry := audit.Entry{EventType: "lease-revoke-failed", Resource: leaseID, Action: "revoke", Success: false, Details: details}
		if err := m.audit.Append(ctx, entry); err != nil {
			m.logger.Error("recording lease revocation failure audit event", "error", err)
		}
	}
}

func (m *Manager) processRotationJob(ctx context.Context, job store.RotationJobRow) {
	q := m.store.Queries()
	until := time.Now().Add(m.claimDuration)
	claimed, err := q.ClaimRotationJob(ctx, job.ID, m.ownerID, until)
	if err != nil {
		m.logger.Error("claiming rotation job", "job_id", job.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	rotator, ok := m.rotators[job.JobType]
	if !ok {
		m.logger.Warn("no rotator registered for job type", "job_type", job.JobType, "target", job.TargetName)
		return
	}

	if err := rotator.Rotate(ctx, job.TargetName); err != nil {
		m.logger.Error("rotation job failed", "job_id", job.ID, "job_type", job.JobType, "target", job.TargetName, "error", err)
		if recErr := q.RecordRotationFailure(ctx, job.ID, err.Error()); recErr != nil {
			m.logger.Error("recording rotation failure", "job_id", job.ID, "error", recErr)
		}
		if job.AttemptCount+1 >= m.maxAttempts && m.audit != nil {
			details, _ := json.Marshal(map[string]any{"job_id": job.ID.String(), "job_type": job.JobType, "target": job.TargetName, "error": err.Error()})
			entry := audit.Entry{EventType: "rotation-failed", Resource: job.TargetName, Action: "rotate", Success: false, Details: details}
			if auditErr := m.audit.Append(ctx, entry); auditErr != nil {
				m.logger.Error("recording rotation failure audit event", "error", auditErr)
			}
		}
		return
	}

	next := time.Now().Add(time.Duration(job.IntervalSeconds) * time.Second)
	if err := q.RescheduleRotationJob(ctx, job.ID, next); err != nil {
		m.logger.Error("rescheduling rotation job", "job_id", job.ID, "error", err)
		return
	}
	m.logger.Info("rotation job completed", "job_id", job.ID, "job_type", job.JobType, "target", job.TargetName, "next_execution_at", next)
}

// ScheduleRotation upserts a recurring rotation job; CancelRotation
// deactivates one. The engines call neither: creating or deleting a key,
// config, or secret does not schedule or cancel a job.
func (m *Manager) ScheduleRotation(ctx context.Context, jobType, targetName string, interval time.Duration) error {
	_, err := m.store.Queries().UpsertRotationJob(ctx, jobType, targetName, int(interval.Seconds()), time.Now().Add(interval))
	return err
}

// CancelRotation deactivates a job so it is no longer scheduled.
func (m *Manager) CancelRotation(ctx context.Context, jobType, targetName string) error {
	return m.store.Queries().DeactivateRotationJob(ctx, jobType, targetName)
}

type workKind int

const (
	kindLeaseRevoke workKind = iota
	kindRotation
)

type workItem struct {
	kind     workKind
	actionAt time.Time
	leaseID  string
	job      store.RotationJobRow
}

// workHeap orders workItems by actionAt, implementing container/heap so
// a single sweep processes due work oldest-action-time-first.
type workHeap []workItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].actionAt.Before(h[j].actionAt) }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x any)         { *h = append(*h, x.(workItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewOwnerID generates a stable-enough identifier for this process's
// lease claims.
func NewOwnerID() string {
	return "lease-manager-" + uuid.NewString()
}
