package worker

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/transport"
)

func transportPeer(conv *domain.Conversation) transport.Peer {
	return transport.Peer{ID: conv.PeerID, Handle: conv.Handle}
}

const (
	// FollowUpSweepDelayMin and Max spread rescheduled reminders out so a
	// restart does not fire a whole campaign's backlog at once.
	FollowUpSweepDelayMin = 30 * time.Second
	FollowUpSweepDelayMax = 5 * time.Minute

	// followUpFireTimeout bounds one reminder send end to end.
	followUpFireTimeout = 2 * time.Minute
)

// sweepFollowUps re-arms reminder timers lost to a restart. Conversations
// whose last outbound message is older than the campaign's delay and that
// never got their reminder are scheduled with a short randomized delay.
func (s *OutreachScheduler) sweepFollowUps(ctx context.Context, c *domain.Campaign) {
	if !c.FollowUp.Enabled {
		return
	}

	cutoff := time.Now().Add(-time.Duration(c.FollowUp.DelayHours * float64(time.Hour)))
	candidates, err := s.store.ListFollowUpCandidates(ctx, c.ID, cutoff)
	if err != nil {
		log.Printf("[OutreachScheduler] follow-up sweep for campaign %s: %v", c.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}

	for _, conv := range candidates {
		if s.followUps.Pending(conv.ID) {
			continue
		}
		delay := FollowUpSweepDelayMin + s.pacer.Draw(domain.DelayRange{
			Min: 0,
			Max: int((FollowUpSweepDelayMax - FollowUpSweepDelayMin) / time.Second),
		})
		s.followUps.Schedule(conv.ID, delay)
	}
}

// fireFollowUp sends one reminder into a silent thread. It is the timer
// callback registered with the follow-up scheduler; MarkFollowUpSent is
// the once-only gate, so a duplicate timer is harmless.
func (s *OutreachScheduler) fireFollowUp(ctx context.Context, conversationID string) {
	ctx, cancel := context.WithTimeout(ctx, followUpFireTimeout)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		log.Printf("[OutreachScheduler] follow-up load %s: %v", conversationID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}

	lockHandle := s.lockIdentity(conv.IdentityID)
	lockHandle.Lock()
	defer lockHandle.Unlock()

	if !conv.Open() || conv.Decided() || conv.FollowUpSentAt != nil {
		return
	}
	// Only remind when we spoke last and have not already nudged twice.
	if conv.LastSender() != domain.RoleAssistant {
		return
	}
	if conv.TrailingAssistantRun() >= 2 {
		if _, err := s.store.MarkFollowUpSent(ctx, conv.ID, time.Now()); err != nil {
			log.Printf("[OutreachScheduler] %v", err)
		}
		return
	}

	c, err := s.store.GetCampaign(ctx, conv.CampaignID)
	if err != nil {
		log.Printf("[OutreachScheduler] follow-up campaign %s: %v", conv.CampaignID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}
	if !c.IsActive() || !c.FollowUp.Enabled {
		return
	}

	identity, err := s.store.GetIdentity(ctx, conv.IdentityID)
	if err != nil {
		log.Printf("[OutreachScheduler] follow-up identity %s: %v", conv.IdentityID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}
	if !s.ledger.Sendable(identity, c) {
		return
	}

	granted, err := s.ledger.Reserve(ctx, identity, c)
	if err != nil || !granted {
		if err != nil {
			log.Printf("[OutreachScheduler] follow-up reserve for %s: %v", identity.ID, err)
		}
		return
	}

	sess, err := s.sessions.Get(ctx, c.ID, identity)
	if err != nil {
		log.Printf("[OutreachScheduler] %v", err)
		atomic.AddInt64(&s.errorCount, 1)
		s.ledger.ReleaseReservation(ctx, identity)
		s.markIdentityError(ctx, identity, err)
		return
	}

	// Claim before sending: if another worker got here first, back off.
	now := time.Now()
	claimed, err := s.store.MarkFollowUpSent(ctx, conv.ID, now)
	if err != nil || !claimed {
		if err != nil {
			log.Printf("[OutreachScheduler] follow-up claim %s: %v", conv.ID, err)
		}
		s.ledger.ReleaseReservation(ctx, identity)
		return
	}

	res := s.composer.DraftFollowUp(ctx, c, conv.History)
	if res.Text == "" {
		s.ledger.ReleaseReservation(ctx, identity)
		return
	}

	peer := transportPeer(conv)
	if err := sess.SendMessage(ctx, peer, res.Text); err != nil {
		log.Printf("[OutreachScheduler] follow-up send %s: %v", conv.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
		if action, ferr := s.ledger.RecordFailure(ctx, identity, c, err); ferr != nil {
			log.Printf("[OutreachScheduler] %v", ferr)
		} else if action.IdentityDown {
			s.sessions.Close(identity.ID)
		}
		return
	}

	if err := s.ledger.RecordSuccess(ctx, identity); err != nil {
		log.Printf("[OutreachScheduler] %v", err)
	}

	conv.History = append(conv.History, domain.Message{Role: domain.RoleAssistant, Text: res.Text, Timestamp: now})
	conv.LastOutboundAt = &now
	conv.FollowUpSentAt = &now
	s.saveConversation(ctx, conv)
	atomic.AddInt64(&s.followUpsSent, 1)
	log.Printf("[OutreachScheduler] follow-up sent: conversation=%s", conv.ID)
}
