package worker

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/lead"
	"github.com/ignite/outreach-engine/internal/schedule"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/transport"
)

// inboundLoop drains the inbound queue. Each event is handled on its own
// goroutine so a slow dialog does not block events for other identities;
// the per-identity mutex keeps one identity's traffic serialized.
func (s *OutreachScheduler) inboundLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbound:
			s.wg.Add(1)
			go func(ev inboundEvent) {
				defer s.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[OutreachScheduler] panic handling inbound from %s: %v", ev.incoming.Peer.ID, r)
						atomic.AddInt64(&s.errorCount, 1)
					}
				}()
				s.handleInbound(s.ctx, ev)
			}(ev)
		}
	}
}

// handleInbound runs the reply state machine for one inbound message.
func (s *OutreachScheduler) handleInbound(ctx context.Context, ev inboundEvent) {
	lockHandle := s.lockIdentity(ev.identityID)
	lockHandle.Lock()
	defer lockHandle.Unlock()

	c, err := s.store.GetCampaign(ctx, ev.campaignID)
	if err != nil {
		log.Printf("[OutreachScheduler] load campaign %s: %v", ev.campaignID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}

	if lead.IsBotHandle(c, ev.incoming.Peer.Handle) {
		return
	}

	conv, created, err := s.findOrCreateConversation(ctx, c, ev)
	if err != nil {
		log.Printf("[OutreachScheduler] conversation for peer %s: %v", ev.incoming.Peer.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}

	firstInbound := conv.LastInboundAt == nil
	now := time.Now()
	conv.History = append(conv.History, ev.incoming.Message)
	conv.LastInboundAt = &now

	// A reply means the follow-up reminder is no longer wanted.
	s.followUps.Cancel(conv.ID)

	if firstInbound && !created {
		if err := s.store.BumpCampaignCounters(ctx, c.ID, 0, 1, 0); err != nil {
			log.Printf("[OutreachScheduler] %v", err)
		}
		if err := s.store.MarkTargetReplied(ctx, c.ID, conv.PeerID); err != nil {
			log.Printf("[OutreachScheduler] %v", err)
		}
	}

	if !s.shouldReply(c, conv, created) {
		s.saveConversation(ctx, conv)
		return
	}

	gate, gateErrs := schedule.NewGate(c.SleepWindows, c.TimezoneOffset)
	for _, e := range gateErrs {
		log.Printf("[OutreachScheduler] campaign %s sleep window: %v", c.ID, e)
	}
	if gate.Asleep(now) {
		s.saveConversation(ctx, conv)
		return
	}

	identity, err := s.store.GetIdentity(ctx, ev.identityID)
	if err != nil {
		log.Printf("[OutreachScheduler] load identity %s: %v", ev.identityID, err)
		atomic.AddInt64(&s.errorCount, 1)
		s.saveConversation(ctx, conv)
		return
	}

	sess, err := s.sessions.Get(ctx, c.ID, identity)
	if err != nil {
		log.Printf("[OutreachScheduler] %v", err)
		atomic.AddInt64(&s.errorCount, 1)
		s.markIdentityError(ctx, identity, err)
		s.saveConversation(ctx, conv)
		return
	}

	if err := s.pacer.Sleep(ctx, c.PreReadDelay); err != nil {
		s.saveConversation(ctx, conv)
		return
	}
	if err := sess.MarkRead(ctx, ev.incoming.Peer); err != nil {
		log.Printf("[OutreachScheduler] mark read for %s: %v", ev.incoming.Peer.ID, err)
	}

	s.syncHistory(ctx, sess, ev.incoming.Peer, conv)

	if s.applyStopHeuristics(conv) {
		s.saveConversation(ctx, conv)
		return
	}

	if !s.replyOnce(ctx, c, identity, sess, ev.incoming.Peer, conv) {
		return
	}

	// Hold the dialog open briefly: a peer who answers within the window
	// gets an immediate continuation without a fresh inbound event.
	for round := 0; round < maxDialogRounds; round++ {
		if err := s.pacer.Sleep(ctx, c.DialogWaitWindow); err != nil {
			return
		}
		if !s.absorbNewInbound(ctx, sess, ev.incoming.Peer, conv) {
			return
		}
		if s.applyStopHeuristics(conv) {
			s.saveConversation(ctx, conv)
			return
		}
		if !s.replyOnce(ctx, c, identity, sess, ev.incoming.Peer, conv) {
			return
		}
	}
}

// findOrCreateConversation resolves the thread for an inbound peer. Peers
// who message first (no prior opener) get a fresh conversation so the
// composer can still answer.
func (s *OutreachScheduler) findOrCreateConversation(ctx context.Context, c *domain.Campaign, ev inboundEvent) (*domain.Conversation, bool, error) {
	conv, err := s.store.FindConversationByPeer(ctx, c.ID, ev.incoming.Peer.ID)
	if err == nil {
		return conv, false, nil
	}
	if err != store.ErrNotFound {
		return nil, false, err
	}

	conv = &domain.Conversation{
		CampaignID: c.ID,
		IdentityID: ev.identityID,
		PeerID:     ev.incoming.Peer.ID,
		Handle:     ev.incoming.Peer.Handle,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// shouldReply applies the campaign guards that gate automatic replies.
func (s *OutreachScheduler) shouldReply(c *domain.Campaign, conv *domain.Conversation, created bool) bool {
	if !c.IsActive() {
		return false
	}
	if !conv.Open() || conv.Decided() {
		return false
	}
	if c.ReplyOnlyIfOpened && (created || conv.LastOutboundAt == nil) {
		return false
	}
	return true
}

// syncHistory replaces the stored transcript with the transport's view of
// the thread. The platform is authoritative: it includes messages sent by
// an operator from another device and inbound events the queue dropped.
func (s *OutreachScheduler) syncHistory(ctx context.Context, sess transport.Session, peer transport.Peer, conv *domain.Conversation) {
	history, err := sess.RecentMessages(ctx, peer, maxHistoryLen)
	if err != nil {
		log.Printf("[OutreachScheduler] history sync for %s: %v", peer.ID, err)
		return
	}
	if len(history) > 0 {
		conv.History = history
	}
}

// applyStopHeuristics closes threads that look like loops or runaways:
// three identical trailing inbound messages, or a transcript past the
// hard length cap. Returns true when the conversation was stopped.
func (s *OutreachScheduler) applyStopHeuristics(conv *domain.Conversation) bool {
	if len(conv.History) > maxHistoryLen {
		conv.Status = domain.ConversationStopped
		log.Printf("[OutreachScheduler] conversation %s stopped: history over %d messages", conv.ID, maxHistoryLen)
		return true
	}

	var inbound []string
	for i := len(conv.History) - 1; i >= 0 && len(inbound) < 3; i-- {
		if conv.History[i].Role == domain.RoleUser {
			inbound = append(inbound, conv.History[i].Text)
		}
	}
	if len(inbound) == 3 && inbound[0] == inbound[1] && inbound[1] == inbound[2] {
		conv.Status = domain.ConversationStopped
		log.Printf("[OutreachScheduler] conversation %s stopped: repeated inbound", conv.ID)
		return true
	}
	return false
}

// replyOnce drafts and sends one assistant turn. Returns false when the
// dialog should not continue (empty draft, send failure, cap reached).
// The conversation is persisted on every path.
func (s *OutreachScheduler) replyOnce(ctx context.Context, c *domain.Campaign, identity *domain.Identity, sess transport.Session, peer transport.Peer, conv *domain.Conversation) bool {
	res := s.composer.Draft(ctx, c, conv.History)
	if res.Text == "" {
		s.saveConversation(ctx, conv)
		return false
	}

	granted, err := s.ledger.Reserve(ctx, identity, c)
	if err != nil || !granted {
		if err != nil {
			log.Printf("[OutreachScheduler] reserve for %s: %v", identity.ID, err)
		}
		s.saveConversation(ctx, conv)
		return false
	}

	if err := s.pacer.Sleep(ctx, c.ReplyDelay); err != nil {
		s.ledger.ReleaseReservation(ctx, identity)
		s.saveConversation(ctx, conv)
		return false
	}

	if err := sess.SendMessage(ctx, peer, res.Text); err != nil {
		action, ferr := s.ledger.RecordFailure(ctx, identity, c, err)
		if ferr != nil {
			log.Printf("[OutreachScheduler] %v", ferr)
		}
		atomic.AddInt64(&s.errorCount, 1)
		if action.IdentityDown {
			s.sessions.Close(identity.ID)
		}
		if action.TargetOnly {
			conv.Status = domain.ConversationStopped
		}
		s.saveConversation(ctx, conv)
		return false
	}

	if err := s.ledger.RecordSuccess(ctx, identity); err != nil {
		log.Printf("[OutreachScheduler] %v", err)
	}

	now := time.Now()
	conv.History = append(conv.History, domain.Message{Role: domain.RoleAssistant, Text: res.Text, Timestamp: now})
	conv.LastOutboundAt = &now
	atomic.AddInt64(&s.repliesSent, 1)

	// The verdict is read from our own draft: the composer is instructed
	// to emit a trigger phrase when the peer qualifies (or clearly does
	// not), which keeps detection independent of peer phrasing.
	verdict := lead.Detect(c, res.Text)
	if verdict != domain.LeadNone {
		decided, err := s.leads.Decide(ctx, sess, c, conv, verdict)
		if err != nil {
			log.Printf("[OutreachScheduler] lead decision for %s: %v", conv.ID, err)
			atomic.AddInt64(&s.errorCount, 1)
		}
		if decided {
			atomic.AddInt64(&s.leadsDecided, 1)
		}
		s.saveConversation(ctx, conv)
		return false
	}

	if c.FollowUp.Enabled && conv.FollowUpSentAt == nil {
		delay := time.Duration(c.FollowUp.DelayHours * float64(time.Hour))
		s.followUps.Schedule(conv.ID, delay)
	}

	s.saveConversation(ctx, conv)
	return true
}

// absorbNewInbound polls the thread once and reports whether the peer said
// something new since our last turn.
func (s *OutreachScheduler) absorbNewInbound(ctx context.Context, sess transport.Session, peer transport.Peer, conv *domain.Conversation) bool {
	history, err := sess.RecentMessages(ctx, peer, maxHistoryLen)
	if err != nil {
		log.Printf("[OutreachScheduler] history poll for %s: %v", peer.ID, err)
		return false
	}
	if len(history) == 0 || history[len(history)-1].Role != domain.RoleUser {
		return false
	}
	if len(history) <= len(conv.History) {
		return false
	}
	conv.History = history
	now := time.Now()
	conv.LastInboundAt = &now
	s.followUps.Cancel(conv.ID)
	return true
}

func (s *OutreachScheduler) saveConversation(ctx context.Context, conv *domain.Conversation) {
	if err := s.store.SaveConversation(ctx, conv); err != nil {
		log.Printf("[OutreachScheduler] save conversation %s: %v", conv.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
	}
}
