package database

import "context"

// RootRotator adapts Engine.RotateRootCredentials to lease.Rotator, so
// the lease manager can drive scheduled root-credential rotation
// without importing pkg/database's full surface.
type RootRotator struct {
	Engine *Engine
}

// Rotate rotates the root credential for the named database config.
func (r RootRotator) Rotate(ctx context.Context, target string) error {
	return r.Engine.RotateRootCredentials(ctx, target)
}
