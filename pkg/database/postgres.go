package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConnector runs templated statements against a Postgres
// instance via pgx, one short-lived pool per call since credential
// operations are infrequent relative to secret reads.
type PostgresConnector struct{}

func (c *PostgresConnector) Exec(ctx context.Context, connURL string, statements []string, vars map[string]string) error {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return fmt.Errorf("database: connecting to postgres: %w", err)
	}
	defer pool.Close()

	for _, stmt := range statements {
		rendered := renderStatement(stmt, vars)
		if _, err := pool.Exec(ctx, rendered); err != nil {
			return fmt.Errorf("database: executing postgres statement: %w", err)
		}
	}
	return nil
}

func (c *PostgresConnector) Ping(ctx context.Context, connURL string) error {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return fmt.Errorf("database: connecting to postgres: %w", err)
	}
	defer pool.Close()
	return pool.Ping(ctx)
}
