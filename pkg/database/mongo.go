package database

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoCreationStatement is the JSON document format for a MongoDB role's
// creation_stmts, following the same shape Vault's MongoDB plugin uses:
// a target database plus the roles to grant the generated user.
type mongoCreationStatement struct {
	DB    string   `json:"db"`
	Roles []string `json:"roles"`
}

// MongoConnector runs creation/revocation against a MongoDB deployment
// via the official driver's createUser/dropUser admin commands, since
// Mongo has no generic SQL statement surface.
type MongoConnector struct{}

func (c *MongoConnector) Exec(ctx context.Context, connURL string, statements []string, vars map[string]string) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connURL))
	if err != nil {
		return fmt.Errorf("database: connecting to mongodb: %w", err)
	}
	defer client.Disconnect(ctx)

	for _, stmt := range statements {
		rendered := renderStatement(stmt, vars)
		var decl mongoCreationStatement
		if err := json.Unmarshal([]byte(rendered), &decl); err != nil {
			return fmt.Errorf("database: parsing mongodb creation statement: %w", err)
		}

		cmd := bson.D{
			{Key: "createUser", Value: vars["name"]},
			{Key: "pwd", Value: vars["password"]},
			{Key: "roles", Value: rolesToBSON(decl.Roles)},
		}
		db := decl.DB
		if db == "" {
			db = "admin"
		}
		if err := client.Database(db).RunCommand(ctx, cmd).Err(); err != nil {
			return fmt.Errorf("database: running mongodb createUser: %w", err)
		}
	}
	return nil
}

func (c *MongoConnector) Ping(ctx context.Context, connURL string) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connURL))
	if err != nil {
		return fmt.Errorf("database: connecting to mongodb: %w", err)
	}
	defer client.Disconnect(ctx)
	return client.Ping(ctx, nil)
}

func rolesToBSON(roles []string) bson.A {
	out := make(bson.A, len(roles))
	for i, r := range roles {
		out[i] = r
	}
	return out
}
