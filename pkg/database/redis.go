package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConnector provisions dynamic credentials as Redis ACL users.
// Each statement is an ACL rule fragment (e.g. "~cache:* +get +set"),
// combined with generated username/password via ACL SETUSER.
type RedisConnector struct{}

func (c *RedisConnector) Exec(ctx context.Context, connURL string, statements []string, vars map[string]string) error {
	opts, err := redis.ParseURL(connURL)
	if err != nil {
		return fmt.Errorf("database: parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	for _, stmt := range statements {
		rendered := renderStatement(stmt, vars)
		args := []interface{}{"ACL", "SETUSER", vars["name"], "on", ">" + vars["password"]}
		for _, rule := range strings.Fields(rendered) {
			args = append(args, rule)
		}
		if err := client.Do(ctx, args...).Err(); err != nil {
			return fmt.Errorf("database: running redis ACL SETUSER: %w", err)
		}
	}
	return nil
}

func (c *RedisConnector) Ping(ctx context.Context, connURL string) error {
	opts, err := redis.ParseURL(connURL)
	if err != nil {
		return fmt.Errorf("database: parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	return client.Ping(ctx).Err()
}

