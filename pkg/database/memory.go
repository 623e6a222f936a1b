package database

import (
	"context"
	"errors"
	"sync"
)

// MemoryConnector is the "test" plugin: it records the statements it was
// asked to run without touching a network, so engine tests can exercise
// CreateRole/GenerateCredentials/RenewLease/RevokeLease without a live
// database of any kind.
type MemoryConnector struct {
	mu         sync.Mutex
	Executions []MemoryExecution
	FailNext   bool
}

// MemoryExecution records one Exec call for test assertions.
type MemoryExecution struct {
	ConnURL    string
	Statements []string
	Vars       map[string]string
}

func (c *MemoryConnector) Exec(ctx context.Context, connURL string, statements []string, vars map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailNext {
		c.FailNext = false
		return errMemoryConnectorFailure
	}
	c.Executions = append(c.Executions, MemoryExecution{ConnURL: connURL, Statements: statements, Vars: vars})
	return nil
}

func (c *MemoryConnector) Ping(ctx context.Context, connURL string) error {
	return nil
}

var errMemoryConnectorFailure = errors.New("memory connector: simulated failure")
