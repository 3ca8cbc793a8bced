package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

const conversationColumns = `
	id, campaign_id, identity_id, COALESCE(peer_id,''), COALESCE(handle,''),
	status, lead_status, history,
	processed_at, follow_up_sent_at, last_inbound_at, last_outbound_at,
	created_at, updated_at`

func scanConversation(row interface{ Scan(...interface{}) error }) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	var history []byte
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.IdentityID, &c.PeerID, &c.Handle,
		&c.Status, &c.LeadStatus, &history,
		&c.ProcessedAt, &c.FollowUpSentAt, &c.LastInboundAt, &c.LastOutboundAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &c.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return c, nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// FindConversationByPeer looks up the thread between a campaign and a peer.
func (s *Store) FindConversationByPeer(ctx context.Context, campaignID, peerID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE campaign_id = $1 AND peer_id = $2`,
		campaignID, peerID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

// CreateConversation inserts a new thread record.
func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.ConversationActive
	}
	if c.LeadStatus == "" {
		c.LeadStatus = domain.LeadNone
	}
	history, err := json.Marshal(c.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, campaign_id, identity_id, peer_id, handle, status, lead_status, history,
			 last_inbound_at, last_outbound_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, c.ID, c.CampaignID, c.IdentityID, c.PeerID, c.Handle, c.Status, c.LeadStatus, history,
		c.LastInboundAt, c.LastOutboundAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// SaveConversation writes back the mutable thread state. History is stored
// whole; the scheduler mirrors the transport transcript into it.
func (s *Store) SaveConversation(ctx context.Context, c *domain.Conversation) error {
	history, err := json.Marshal(c.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = $2, lead_status = $3, history = $4,
		    processed_at = $5, follow_up_sent_at = $6,
		    last_inbound_at = $7, last_outbound_at = $8, updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.Status, c.LeadStatus, history,
		c.ProcessedAt, c.FollowUpSentAt, c.LastInboundAt, c.LastOutboundAt)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessed records a lead decision exactly once. Returns false when
// the conversation was already processed, in which case nothing changed.
func (s *Store) MarkProcessed(ctx context.Context, id string, lead domain.LeadStatus, status domain.ConversationStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET lead_status = $2, status = $3, processed_at = $4, updated_at = NOW()
		WHERE id = $1 AND processed_at IS NULL
	`, id, lead, status, at)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFollowUpSent stamps follow_up_sent_at once. Returns false when a
// follow-up was already recorded.
func (s *Store) MarkFollowUpSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET follow_up_sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND follow_up_sent_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark follow-up sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListFollowUpCandidates finds open threads where we spoke last, no
// follow-up has gone out, and the last outbound message is older than the
// cutoff.
func (s *Store) ListFollowUpCandidates(ctx context.Context, campaignID string, cutoff time.Time) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE campaign_id = $1
		  AND status = $2
		  AND lead_status = $3
		  AND processed_at IS NULL
		  AND follow_up_sent_at IS NULL
		  AND last_outbound_at IS NOT NULL
		  AND last_outbound_at <= $4
		  AND (last_inbound_at IS NULL OR last_inbound_at < last_outbound_at)
		ORDER BY last_outbound_at
	`, campaignID, domain.ConversationActive, domain.LeadNone, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list follow-up candidates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
