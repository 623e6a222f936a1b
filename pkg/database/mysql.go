package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConnector runs templated statements against a MySQL instance via
// database/sql, using go-sql-driver/mysql as the driver.
type MySQLConnector struct{}

func (c *MySQLConnector) Exec(ctx context.Context, connURL string, statements []string, vars map[string]string) error {
	db, err := sql.Open("mysql", connURL)
	if err != nil {
		return fmt.Errorf("database: opening mysql connection: %w", err)
	}
	defer db.Close()

	for _, stmt := range statements {
		rendered := renderStatement(stmt, vars)
		if _, err := db.ExecContext(ctx, rendered); err != nil {
			return fmt.Errorf("database: executing mysql statement: %w", err)
		}
	}
	return nil
}

func (c *MySQLConnector) Ping(ctx context.Context, connURL string) error {
	db, err := sql.Open("mysql", connURL)
	if err != nil {
		return fmt.Errorf("database: opening mysql connection: %w", err)
	}
	defer db.Close()
	return db.PingContext(ctx)
}
