package transit

import "context"

// KeyRotator adapts Engine.RotateKey to lease.Rotator, so the lease
// manager can drive scheduled transit key rotation without importing
// pkg/transit's full surface.
type KeyRotator struct {
	Engine *Engine
}

// Rotate rotates the named transit key to a new version.
func (r KeyRotator) Rotate(ctx context.Context, target string) error {
	_, err := r.Engine.RotateKey(ctx, target)
	return err
}
