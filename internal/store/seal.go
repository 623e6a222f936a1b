package store

import (
	"context"
	"time"

	"github.com/usp-platform/usp/internal/seal"
)

// LoadSealConfig returns the single persisted SealConfig row, or nil if
// Init has never run. Implements seal.ConfigStore.
func (s *Store) LoadSealConfig(ctx context.Context) (*seal.Config, error) {
	row := s.pool.QueryRow(ctx, `SELECT shares, threshold, encrypted_dmk, created_at FROM seal_config WHERE id = 1`)

	var cfg seal.Config
	var createdAt time.Time
	if err := row.Scan(&cfg.Shares, &cfg.Threshold, &cfg.EncryptedDMK, &createdAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	cfg.CreatedAt = createdAt
	return &cfg, nil
}

// SaveSealConfig persists the one-and-only SealConfig row. Implements
// seal.ConfigStore.
func (s *Store) SaveSealConfig(ctx context.Context, cfg *seal.Config) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO seal_config (id, shares, threshold, encrypted_dmk, created_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			shares = EXCLUDED.shares,
			threshold = EXCLUDED.threshold,
			encrypted_dmk = EXCLUDED.encrypted_dmk,
			created_at = EXCLUDED.created_at`,
		cfg.Shares, cfg.Threshold, cfg.EncryptedDMK, cfg.CreatedAt)
	return err
}
