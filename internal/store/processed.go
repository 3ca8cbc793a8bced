package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// defaultProcessedKeys are platform service accounts no campaign should
// ever engage. Seeded into every campaign's processed set.
var defaultProcessedKeys = []string{
	domain.ProcessedKey("777000", ""),
	domain.ProcessedKey("", "spambot"),
	domain.ProcessedKey("", "botfather"),
}

// IsProcessed reports whether the peer key was already engaged for the
// campaign.
func (s *Store) IsProcessed(ctx context.Context, campaignID, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_clients WHERE campaign_id = $1 AND key = $2)`,
		campaignID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return exists, nil
}

// RecordProcessed marks a peer as engaged. Duplicate records are ignored.
func (s *Store) RecordProcessed(ctx context.Context, campaignID, key, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_clients (id, campaign_id, key, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (campaign_id, key) DO NOTHING
	`, uuid.New().String(), campaignID, key, reason)
	if err != nil {
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}

// SeedDefaultProcessed inserts the built-in never-engage entries for a
// campaign. Safe to call repeatedly.
func (s *Store) SeedDefaultProcessed(ctx context.Context, campaignID string) error {
	for _, key := range defaultProcessedKeys {
		if err := s.RecordProcessed(ctx, campaignID, key, "platform service account"); err != nil {
			return err
		}
	}
	return nil
}
