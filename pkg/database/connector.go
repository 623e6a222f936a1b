package database

import (
	"context"
	"strings"
	"time"
)

// Connector executes templated SQL/command statements against a target
// database plugin. Statements use {{name}}, {{password}}, and
// {{expiration}} placeholders, following Vault's database secrets
// engine convention, so creation_stmts/revocation_stmts/renew_stmts
// stay plugin-agnostic at the role-definition level.
type Connector interface {
	// Exec runs each statement against connURL after substituting vars.
	// Statements are executed in order; a failure aborts remaining
	// statements in the batch.
	Exec(ctx context.Context, connURL string, statements []string, vars map[string]string) error

	// Ping verifies connURL is reachable, used when configuring a
	// database so bad connection strings fail fast.
	Ping(ctx context.Context, connURL string) error
}

func renderStatement(stmt string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(stmt)
}

func expirationVar(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// registry maps a plugin name to its Connector implementation.
type registry map[string]Connector

func defaultRegistry() registry {
	return registry{
		"postgresql": &PostgresConnector{},
		"mysql":      &MySQLConnector{},
		"mongodb":    &MongoConnector{},
		"redis":      &RedisConnector{},
		"test":       &MemoryConnector{},
	}
}
