package store

import (
	"context"
	"time"
)

// AuditRecordRow is one append-only, hash-chained audit entry.
type AuditRecordRow struct {
	Seq              int64
	PrevHash         []byte
	EventType        string
	PrincipalID      *string
	CorrelationID    string
	Success          bool
	Resource         string
	Action           string
	EncryptedDetails []byte
	HMAC             []byte
	Ts               time.Time
}

const auditColumns = `seq, prev_hash, event_type, principal_id, correlation_id, success, resource, action, encrypted_details, hmac, ts`

func scanAuditRow(row scanner) (AuditRecordRow, error) {
	var r AuditRecordRow
	err := row.Scan(&r.Seq, &r.PrevHash, &r.EventType, &r.PrincipalID, &r.CorrelationID, &r.Success, &r.Resource, &r.Action, &r.EncryptedDetails, &r.HMAC, &r.Ts)
	return r, err
}

// AppendAuditRecord inserts the next record in the chain. Callers must
// hold whatever external serialization is needed to guarantee seq is
// contiguous; AuditSink (C5) does this with an internal mutex since the
// chain tail is a single mutating resource.
func (q *Queries) AppendAuditRecord(ctx context.Context, r AuditRecordRow) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_records (seq, prev_hash, event_type, principal_id, correlation_id, success, resource, action, encrypted_details, hmac, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.Seq, r.PrevHash, r.EventType, r.PrincipalID, r.CorrelationID, r.Success, r.Resource, r.Action, r.EncryptedDetails, r.HMAC, r.Ts)
	return err
}

// LastAuditRecord returns the highest-seq record, or (zero, nil) if the
// chain is empty (genesis state).
func (q *Queries) LastAuditRecord(ctx context.Context) (*AuditRecordRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_records ORDER BY seq DESC LIMIT 1`)
	r, err := scanAuditRow(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListAuditRecords returns records in seq order starting at fromSeq
// (inclusive), for startup chain-replay verification.
func (q *Queries) ListAuditRecords(ctx context.Context, fromSeq int64, limit int) ([]AuditRecordRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_records
		WHERE seq >= $1 ORDER BY seq ASC LIMIT $2`, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecordRow
	for rows.Next() {
		r, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
