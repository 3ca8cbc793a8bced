package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/outreach-engine/internal/domain"
)

const identityColumns = `
	id, campaign_id, handle, session_ref, COALESCE(proxy_route,''), status, reliability,
	sent_today, COALESCE(sent_date,''), total_sent, last_used,
	daily_limit_override, cooldown_until, COALESCE(last_error,''),
	created_at, updated_at`

func scanIdentity(row interface{ Scan(...interface{}) error }) (*domain.Identity, error) {
	i := &domain.Identity{}
	err := row.Scan(
		&i.ID, &i.CampaignID, &i.Handle, &i.SessionRef, &i.ProxyRoute, &i.Status, &i.Reliability,
		&i.SentToday, &i.SentDate, &i.TotalSent, &i.LastUsed,
		&i.DailyLimitOverride, &i.CooldownUntil, &i.LastError,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return i, nil
}

// GetIdentity loads one identity by id.
func (s *Store) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	i, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return i, nil
}

// ListIdentities returns all identities attached to a campaign.
func (s *Store) ListIdentities(ctx context.Context, campaignID string) ([]*domain.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE campaign_id = $1 ORDER BY created_at`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []*domain.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// SaveIdentitySafety writes back the mutable safety fields after a ledger
// decision.
func (s *Store) SaveIdentitySafety(ctx context.Context, i *domain.Identity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET status = $2, reliability = $3,
		    sent_today = $4, sent_date = $5, total_sent = $6, last_used = $7,
		    cooldown_until = $8, last_error = $9, updated_at = NOW()
		WHERE id = $1
	`, i.ID, i.Status, i.Reliability,
		i.SentToday, i.SentDate, i.TotalSent, i.LastUsed,
		i.CooldownUntil, i.LastError)
	if err != nil {
		return fmt.Errorf("save identity safety: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReactivateExpiredCooldowns flips identities whose cooldown has elapsed
// back to active. Operator pauses carry no cooldown_until and stay put.
// Returns how many rows changed.
func (s *Store) ReactivateExpiredCooldowns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET status = $1, cooldown_until = NULL, updated_at = NOW()
		WHERE status = $2 AND cooldown_until IS NOT NULL AND cooldown_until <= NOW()
	`, domain.IdentityActive, domain.IdentityPaused)
	if err != nil {
		return 0, fmt.Errorf("reactivate cooldowns: %w", err)
	}
	return res.RowsAffected()
}

// ClearIdentityCooldown removes a cooldown manually (operator action).
func (s *Store) ClearIdentityCooldown(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET status = $2, cooldown_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status != $3
	`, id, domain.IdentityActive, domain.IdentityBanned)
	if err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
