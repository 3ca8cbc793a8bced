package store

import (
	"context"
	"fmt"

	"github.com/ignite/outreach-engine/internal/domain"
)

const targetColumns = `
	id, campaign_id, COALESCE(peer_id,''), COALESCE(handle,''), COALESCE(first_name,''),
	status, COALESCE(identity_id,''), COALESCE(last_error,''), created_at, updated_at`

// ClaimPendingTargets atomically claims up to limit pending targets for an
// identity, moving them to processing so other replicas cannot re-claim
// them mid-send. SKIP LOCKED lets concurrent schedulers claim disjoint
// rows; claims that never send are released back to pending.
func (s *Store) ClaimPendingTargets(ctx context.Context, campaignID, identityID string, limit int) ([]*domain.Target, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE targets
		SET identity_id = $2, status = $5, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM targets
			WHERE campaign_id = $1 AND status = $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+targetColumns,
		campaignID, identityID, domain.TargetPending, limit, domain.TargetProcessing)
	if err != nil {
		return nil, fmt.Errorf("claim targets: %w", err)
	}
	defer rows.Close()

	var out []*domain.Target
	for rows.Next() {
		t := &domain.Target{}
		if err := rows.Scan(
			&t.ID, &t.CampaignID, &t.PeerID, &t.Handle, &t.FirstName,
			&t.Status, &t.IdentityID, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTarget records the outcome of an outreach attempt.
func (s *Store) MarkTarget(ctx context.Context, id string, status domain.TargetStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE targets
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("mark target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTargetReplied flips a sent target to replied when its peer writes
// back. Inbound from peers we never opened on matches no row, which is
// fine.
func (s *Store) MarkTargetReplied(ctx context.Context, campaignID, peerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE targets
		SET status = $3, updated_at = NOW()
		WHERE campaign_id = $1 AND peer_id = $2 AND status = $4
	`, campaignID, peerID, domain.TargetReplied, domain.TargetSent)
	if err != nil {
		return fmt.Errorf("mark target replied: %w", err)
	}
	return nil
}

// CountPendingTargets reports how many targets are still queued.
func (s *Store) CountPendingTargets(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM targets WHERE campaign_id = $1 AND status = $2`,
		campaignID, domain.TargetPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending targets: %w", err)
	}
	return n, nil
}
