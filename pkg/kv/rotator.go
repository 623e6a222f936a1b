package kv

import "context"

// RetentionRotator adapts Engine.PruneRetention to lease.Rotator, so the
// lease manager can periodically sweep retention on secrets that
// haven't been written to recently.
type RetentionRotator struct {
	Engine *Engine
}

// Rotate re-applies max_versions retention to the secret at target.
func (r RetentionRotator) Rotate(ctx context.Context, target string) error {
	return r.Engine.PruneRetention(ctx, target)
}
