package lead

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/transport"
)

// Manager applies lead decisions exactly once per conversation.
type Manager struct {
	store *store.Store
	now   func() time.Time
}

// NewManager creates a lead manager over the store.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st, now: time.Now}
}

// Decide records the decision and performs the handoff. It is idempotent:
// a conversation whose processed_at is already set produces no side
// effects and returns false. Forwarding failures never undo the decision.
func (m *Manager) Decide(ctx context.Context, sess transport.Session, c *domain.Campaign, conv *domain.Conversation, status domain.LeadStatus) (bool, error) {
	if status == domain.LeadNone {
		return false, nil
	}

	convStatus := domain.ConversationHotLead
	if status == domain.LeadNegative {
		convStatus = domain.ConversationStopped
	}

	changed, err := m.store.MarkProcessed(ctx, conv.ID, status, convStatus, m.now())
	if err != nil {
		return false, fmt.Errorf("lead decide: %w", err)
	}
	if !changed {
		return false, nil
	}
	conv.LeadStatus = status
	conv.Status = convStatus

	// Structured event with the handle redacted; lead decisions end up in
	// shipped logs.
	logger.Info("lead decision recorded",
		"campaign_id", c.ID,
		"conversation_id", conv.ID,
		"handle", conv.Handle,
		"status", string(status),
	)

	if err := m.store.RecordProcessed(ctx, c.ID, domain.ProcessedKey(conv.PeerID, conv.Handle), string(status)); err != nil {
		log.Printf("[LeadManager] record processed client failed for %s: %v", conv.ID, err)
	}

	leads := 0
	if status == domain.LeadPositive {
		leads = 1
	}
	if err := m.store.BumpCampaignCounters(ctx, c.ID, 0, 0, leads); err != nil {
		log.Printf("[LeadManager] bump counters failed for %s: %v", c.ID, err)
	}

	if c.DestinationChat != "" && sess != nil {
		m.notify(ctx, sess, c, conv, status)
	}
	return true, nil
}

// notify forwards the conversation tail to the destination chat, falling
// back to a text dump when forwarding is not possible.
func (m *Manager) notify(ctx context.Context, sess transport.Session, c *domain.Campaign, conv *domain.Conversation, status domain.LeadStatus) {
	verdict := "LEAD"
	if status == domain.LeadNegative {
		verdict = "NOT A LEAD"
	}
	header := fmt.Sprintf("%s [%s] @%s (%s)", verdict, c.Name, strings.TrimPrefix(conv.Handle, "@"), conv.PeerID)

	if err := sess.SendToChat(ctx, c.DestinationChat, header); err != nil {
		log.Printf("[LeadManager] destination chat notify failed: %v", err)
	}

	peer := transport.Peer{ID: conv.PeerID, Handle: conv.Handle}
	limit := c.EffectiveForwardLimit()
	if err := sess.ForwardMessages(ctx, peer, c.DestinationChat, limit); err != nil {
		log.Printf("[LeadManager] forward failed, sending excerpt dump: %v", err)
		if dump := Excerpt(conv.History, limit); dump != "" {
			if err := sess.SendToChat(ctx, c.DestinationChat, dump); err != nil {
				log.Printf("[LeadManager] excerpt dump failed: %v", err)
			}
		}
	}
}

// Excerpt renders the last limit messages as a plain-text transcript.
func Excerpt(history []domain.Message, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	var b strings.Builder
	for _, msg := range history {
		who := "them"
		if msg.Role == domain.RoleAssistant {
			who = "us"
		}
		fmt.Fprintf(&b, "[%s] %s\n", who, msg.Text)
	}
	return strings.TrimSpace(b.String())
}
