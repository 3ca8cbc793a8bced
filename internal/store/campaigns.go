package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/outreach-engine/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const campaignColumns = `
	id, name, status, prompt, COALESCE(opener_template,''), history_limit,
	positive_phrases, negative_phrases, COALESCE(destination_chat,''), forward_limit,
	fallback_enabled, COALESCE(fallback_text,''),
	pre_read_delay_min, pre_read_delay_max,
	reply_delay_min, reply_delay_max,
	rotation_delay_min, rotation_delay_max,
	dialog_wait_min, dialog_wait_max,
	sleep_windows, timezone_offset,
	daily_limit, cooldown_hours, bot_handle_prefixes, reply_only_if_opened,
	follow_up, messages_sent, messages_replied, leads_found,
	created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var followUp []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &c.Prompt, &c.OpenerTemplate, &c.HistoryLimit,
		pq.Array(&c.PositivePhrases), pq.Array(&c.NegativePhrases), &c.DestinationChat, &c.ForwardLimit,
		&c.FallbackEnabled, &c.FallbackText,
		&c.PreReadDelay.Min, &c.PreReadDelay.Max,
		&c.ReplyDelay.Min, &c.ReplyDelay.Max,
		&c.RotationDelay.Min, &c.RotationDelay.Max,
		&c.DialogWaitWindow.Min, &c.DialogWaitWindow.Max,
		pq.Array(&c.SleepWindows), &c.TimezoneOffset,
		&c.DailyLimit, &c.CooldownHours, pq.Array(&c.BotHandlePrefixes), &c.ReplyOnlyIfOpened,
		&followUp, &c.MessagesSent, &c.MessagesReplied, &c.LeadsFound,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(followUp) > 0 {
		if err := json.Unmarshal(followUp, &c.FollowUp); err != nil {
			return nil, fmt.Errorf("decode follow_up: %w", err)
		}
	}
	return c, nil
}

// GetCampaign loads one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListActiveCampaigns returns campaigns the scheduler should be driving.
func (s *Store) ListActiveCampaigns(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY created_at LIMIT $2`,
		domain.CampaignActive, limit)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCampaignStatus flips a campaign's lifecycle state.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpCampaignCounters adds to the rollup counters. Zero deltas are fine.
func (s *Store) BumpCampaignCounters(ctx context.Context, id string, sent, replied, leads int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET messages_sent = messages_sent + $2,
		    messages_replied = messages_replied + $3,
		    leads_found = leads_found + $4,
		    updated_at = NOW()
		WHERE id = $1
	`, id, sent, replied, leads)
	if err != nil {
		return fmt.Errorf("bump campaign counters: %w", err)
	}
	return nil
}
