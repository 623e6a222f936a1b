package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PolicyRow is a persisted authorization policy of any type.
type PolicyRow struct {
	ID            uuid.UUID
	Name          string
	Type          string
	Body          []byte
	Priority      int
	EffectDefault string
	Active        bool
}

const policyColumns = `id, name, type, body, priority, effect_default, active`

func scanPolicyRow(row scanner) (PolicyRow, error) {
	var r PolicyRow
	err := row.Scan(&r.ID, &r.Name, &r.Type, &r.Body, &r.Priority, &r.EffectDefault, &r.Active)
	return r, err
}

// CreatePolicy inserts a new policy.
func (q *Queries) CreatePolicy(ctx context.Context, name, typ string, body []byte, priority int, effectDefault string) (PolicyRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO policies (id, name, type, body, priority, effect_default, active)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, true)
		RETURNING `+policyColumns,
		name, typ, body, priority, effectDefault)
	return scanPolicyRow(row)
}

// GetPolicy returns a policy by id.
func (q *Queries) GetPolicy(ctx context.Context, id uuid.UUID) (PolicyRow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	r, err := scanPolicyRow(row)
	if isNoRows(err) {
		return PolicyRow{}, ErrNotFound
	}
	return r, err
}

// UpdatePolicy replaces a policy's mutable fields.
func (q *Queries) UpdatePolicy(ctx context.Context, id uuid.UUID, body []byte, priority int, effectDefault string, active bool) error {
	_, err := q.db.Exec(ctx, `
		UPDATE policies SET body = $2, priority = $3, effect_default = $4, active = $5
		WHERE id = $1`, id, body, priority, effectDefault, active)
	return err
}

// DeletePolicy removes a policy.
func (q *Queries) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	return err
}

// ListActivePolicies returns every active policy, optionally filtered by
// type ("" for all types), for the authorization evaluator to gather
// applicable policies per request.
func (q *Queries) ListActivePolicies(ctx context.Context, typ string) ([]PolicyRow, error) {
	var rows pgx.Rows
	var err error
	if typ == "" {
		rows, err = q.db.Query(ctx, `SELECT `+policyColumns+` FROM policies WHERE active = true`)
	} else {
		rows, err = q.db.Query(ctx, `SELECT `+policyColumns+` FROM policies WHERE active = true AND type = $1`, typ)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PolicyRow
	for rows.Next() {
		r, err := scanPolicyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
