// Package seal implements the seal/unseal state machine that gates every
// cryptographic operation in USP behind a Shamir-split Key Encryption Key
// (KEK) protecting an in-memory Data Master Key (DMK).
package seal

import (
	"context"
	"sync"
	"time"

	"github.com/usp-platform/usp/internal/crypto"
	"github.com/usp-platform/usp/internal/keyhierarchy"
	"github.com/usp-platform/usp/internal/usperr"
)

// State names a position in the seal lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSealed         State = "sealed"
	StateUnsealing      State = "unsealing"
	StateUnsealed       State = "unsealed"
)

const dmkAAD = "seal|dmk"

// Config is the persisted record produced by Init: share/threshold
// counts and the KEK-wrapped DMK. KEK shares themselves are never part
// of it — they exist only transiently during Init and Unsealing.
type Config struct {
	Shares       int
	Threshold    int
	EncryptedDMK []byte
	CreatedAt    time.Time
}

// ConfigStore is the narrow persistence seam SealController needs. The
// Store (C4) implements it; kept separate here to avoid a dependency
// cycle between seal and store.
type ConfigStore interface {
	LoadSealConfig(ctx context.Context) (*Config, error)
	SaveSealConfig(ctx context.Context, cfg *Config) error
}

// Status is the externally observable snapshot returned by Controller.Status.
// It never reveals collected share bytes.
type Status struct {
	State       State `json:"state"`
	Progress    int   `json:"progress"`
	Threshold   int   `json:"threshold"`
	Shares      int   `json:"shares"`
	Initialized bool  `json:"initialized"`
}

// Controller is the seal state machine. All methods are safe for
// concurrent use.
type Controller struct {
	mu sync.Mutex

	state     State
	config    *Config
	collected []crypto.Share

	hierarchy *keyhierarchy.Hierarchy
	store     ConfigStore
}

// NewController loads any existing SealConfig from store and starts in
// Sealed (if a config exists) or Uninitialized (if not).
func NewController(ctx context.Context, store ConfigStore) (*Controller, error) {
	c := &Controller{store: store, state: StateUninitialized}

	cfg, err := store.LoadSealConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		c.config = cfg
		c.state = StateSealed
	}
	return c, nil
}

// Init generates a fresh KEK and DMK, splits the KEK into n shares
// (threshold k), persists the KEK-wrapped DMK, and returns the shares.
// The shares are returned exactly once and never persisted.
func (c *Controller) Init(ctx context.Context, n, k int) ([]crypto.Share, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return nil, usperr.New(usperr.Unsupported, "already initialized")
	}

	kek, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, usperr.Wrap(usperr.Internal, "generating kek", err)
	}
	dmk, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, usperr.Wrap(usperr.Internal, "generating dmk", err)
	}

	encDMK, err := crypto.Seal(kek, dmk, []byte(dmkAAD))
	if err != nil {
		return nil, usperr.Wrap(usperr.Internal, "wrapping dmk", err)
	}

	shares, err := crypto.Split(kek, n, k)
	if err != nil {
		return nil, usperr.Wrap(usperr.ValidationFailed, "splitting kek", err)
	}

	cfg := &Config{Shares: n, Threshold: k, EncryptedDMK: encDMK, CreatedAt: time.Now().UTC()}
	if err := c.store.SaveSealConfig(ctx, cfg); err != nil {
		return nil, usperr.Wrap(usperr.Internal, "persisting seal config", err)
	}

	c.config = cfg
	c.state = StateSealed
	return shares, nil
}

// SubmitShare feeds one KEK share into the in-progress unseal. Once
// threshold shares are collected it attempts to recover the DMK; failure
// to decrypt encrypted_dmk is the sole integrity check on bad shares and
// resets the collected set.
func (c *Controller) SubmitShare(ctx context.Context, share crypto.Share) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUninitialized:
		return c.statusLocked(), usperr.New(usperr.Unsupported, "not initialized")
	case StateUnsealed:
		return c.statusLocked(), usperr.New(usperr.ValidationFailed, "already unsealed")
	}

	for _, s := range c.collected {
		if s.X == share.X {
			return c.statusLocked(), usperr.New(usperr.ValidationFailed, "duplicate share index")
		}
	}

	c.collected = append(c.collected, share)
	c.state = StateUnsealing

	if len(c.collected) < c.config.Threshold {
		return c.statusLocked(), nil
	}

	kek, err := crypto.Combine(c.collected)
	if err != nil {
		c.collected = nil
		c.state = StateSealed
		return c.statusLocked(), usperr.Wrap(usperr.ValidationFailed, "combining shares", err)
	}

	dmk, err := crypto.Open(kek, c.config.EncryptedDMK, []byte(dmkAAD))
	zero(kek)
	if err != nil {
		c.collected = nil
		c.state = StateSealed
		return c.statusLocked(), usperr.New(usperr.ValidationFailed, "shares did not recover dmk")
	}

	hierarchy, err := keyhierarchy.New(dmk)
	zero(dmk)
	if err != nil {
		c.collected = nil
		c.state = StateSealed
		return c.statusLocked(), usperr.Wrap(usperr.Internal, "building key hierarchy", err)
	}

	c.hierarchy = hierarchy
	c.collected = nil
	c.state = StateUnsealed
	return c.statusLocked(), nil
}

// Reset discards any shares collected so far and returns to Sealed. It
// is only valid while Unsealing.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnsealing {
		return usperr.New(usperr.ValidationFailed, "not unsealing")
	}
	c.collected = nil
	c.state = StateSealed
	return nil
}

// Seal discards the key hierarchy and returns to Sealed.
func (c *Controller) Seal(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnsealed {
		return usperr.New(usperr.ValidationFailed, "not unsealed")
	}
	c.hierarchy.Zeroize()
	c.hierarchy = nil
	c.state = StateSealed
	return nil
}

// Status returns the current snapshot; readable in any state.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	s := Status{State: c.state, Initialized: c.config != nil}
	if c.config != nil {
		s.Threshold = c.config.Threshold
		s.Shares = c.config.Shares
	}
	s.Progress = len(c.collected)
	return s
}

// Hierarchy returns the live key hierarchy, or Sealed if the controller
// is not Unsealed. Every engine that needs cryptographic material calls
// this at the start of each operation rather than caching the result.
func (c *Controller) Hierarchy() (*keyhierarchy.Hierarchy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnsealed {
		return nil, usperr.New(usperr.Sealed, "controller is sealed")
	}
	return c.hierarchy, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
