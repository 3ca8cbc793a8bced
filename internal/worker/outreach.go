package worker

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ignite/outreach-engine/internal/compose"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/lead"
	"github.com/ignite/outreach-engine/internal/schedule"
	"github.com/ignite/outreach-engine/internal/transport"
)

// runOutreach opens conversations with pending targets, rotating through
// the campaign's sendable identities in ledger order.
func (s *OutreachScheduler) runOutreach(ctx context.Context, c *domain.Campaign, gate *schedule.Gate) {
	identities, err := s.ledger.SendableIdentities(ctx, c)
	if err != nil {
		log.Printf("[OutreachScheduler] campaign %s: %v", c.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}
	if len(identities) == 0 {
		return
	}

	pending, err := s.store.CountPendingTargets(ctx, c.ID)
	if err != nil {
		log.Printf("[OutreachScheduler] campaign %s: %v", c.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}
	if pending == 0 {
		return
	}

	for n, identity := range identities {
		if ctx.Err() != nil || gate.Asleep(time.Now()) {
			return
		}
		if n > 0 {
			if err := s.pacer.Sleep(ctx, c.RotationDelay); err != nil {
				return
			}
		}
		s.outreachWithIdentity(ctx, c, gate, identity)
	}
}

// outreachWithIdentity sends openers through one identity until its claim
// batch, its daily cap, or the quiet hours run out.
func (s *OutreachScheduler) outreachWithIdentity(ctx context.Context, c *domain.Campaign, gate *schedule.Gate, identity *domain.Identity) {
	lock := s.lockIdentity(identity.ID)
	lock.Lock()
	defer lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[OutreachScheduler] panic in outreach for identity %s: %v", identity.ID, r)
			atomic.AddInt64(&s.errorCount, 1)
		}
	}()

	if !s.proxyGate.Healthy(ctx, identity.ProxyRoute) {
		log.Printf("[OutreachScheduler] identity %s proxy route unhealthy, skipping", identity.ID)
		return
	}

	sess, err := s.sessions.Get(ctx, c.ID, identity)
	if err != nil {
		log.Printf("[OutreachScheduler] %v", err)
		atomic.AddInt64(&s.errorCount, 1)
		s.markIdentityError(ctx, identity, err)
		return
	}

	targets, err := s.store.ClaimPendingTargets(ctx, c.ID, identity.ID, TargetClaimBatch)
	if err != nil {
		log.Printf("[OutreachScheduler] claim targets for %s: %v", identity.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}

	for n, target := range targets {
		if ctx.Err() != nil || gate.Asleep(time.Now()) {
			s.releaseTargets(ctx, targets[n:])
			return
		}
		if !s.sendOpener(ctx, c, identity, sess, target) {
			// Identity is done for now; put unsent claims back.
			s.releaseTargets(ctx, targets[n+1:])
			return
		}
	}
}

// sendOpener contacts one target. Returns false when the identity should
// stop sending (cap reached, cooldown, ban); the target is released or
// marked accordingly before returning.
func (s *OutreachScheduler) sendOpener(ctx context.Context, c *domain.Campaign, identity *domain.Identity, sess transport.Session, target *domain.Target) bool {
	key := domain.ProcessedKey(target.PeerID, target.Handle)
	done, err := s.store.IsProcessed(ctx, c.ID, key)
	if err != nil {
		log.Printf("[OutreachScheduler] processed check for %s: %v", key, err)
		s.releaseTarget(ctx, target)
		return true
	}
	if done {
		s.markTarget(ctx, target, domain.TargetFailed, "already processed")
		return true
	}
	if lead.IsBotHandle(c, target.Handle) {
		s.markTarget(ctx, target, domain.TargetFailed, "bot handle")
		return true
	}

	granted, err := s.ledger.Reserve(ctx, identity, c)
	if err != nil {
		log.Printf("[OutreachScheduler] reserve for %s: %v", identity.ID, err)
		s.releaseTarget(ctx, target)
		return false
	}
	if !granted {
		log.Printf("[OutreachScheduler] identity %s daily cap reached", identity.ID)
		s.releaseTarget(ctx, target)
		return false
	}

	text, err := compose.RenderOpener(c.OpenerTemplate, rand.New(rand.NewSource(time.Now().UnixNano())), target.FirstName, target.Handle)
	if err != nil || text == "" {
		log.Printf("[OutreachScheduler] opener render for campaign %s: %v", c.ID, err)
		s.ledger.ReleaseReservation(ctx, identity)
		s.releaseTarget(ctx, target)
		return false
	}

	if err := s.pacer.Sleep(ctx, c.ReplyDelay); err != nil {
		s.ledger.ReleaseReservation(ctx, identity)
		s.releaseTarget(ctx, target)
		return false
	}

	peer := transport.Peer{ID: target.PeerID, Handle: target.Handle, FirstName: target.FirstName}
	if err := sess.SendMessage(ctx, peer, text); err != nil {
		return s.handleOpenerFailure(ctx, c, identity, target, err)
	}

	if err := s.ledger.RecordSuccess(ctx, identity); err != nil {
		log.Printf("[OutreachScheduler] %v", err)
	}

	now := time.Now()
	conv := &domain.Conversation{
		CampaignID:     c.ID,
		IdentityID:     identity.ID,
		PeerID:         target.PeerID,
		Handle:         target.Handle,
		History:        []domain.Message{{Role: domain.RoleAssistant, Text: text, Timestamp: now}},
		LastOutboundAt: &now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		log.Printf("[OutreachScheduler] create conversation for %s: %v", key, err)
	}
	if err := s.store.RecordProcessed(ctx, c.ID, key, "contacted"); err != nil {
		log.Printf("[OutreachScheduler] record processed for %s: %v", key, err)
	}
	s.markTarget(ctx, target, domain.TargetSent, "")
	if err := s.store.BumpCampaignCounters(ctx, c.ID, 1, 0, 0); err != nil {
		log.Printf("[OutreachScheduler] %v", err)
	}
	atomic.AddInt64(&s.openersSent, 1)
	log.Printf("[OutreachScheduler] opener sent: campaign=%s identity=%s target=%s", c.ID, identity.ID, target.ID)
	return true
}

// handleOpenerFailure maps a send failure onto the target and identity.
func (s *OutreachScheduler) handleOpenerFailure(ctx context.Context, c *domain.Campaign, identity *domain.Identity, target *domain.Target, sendErr error) bool {
	action, err := s.ledger.RecordFailure(ctx, identity, c, sendErr)
	if err != nil {
		log.Printf("[OutreachScheduler] %v", err)
	}
	atomic.AddInt64(&s.errorCount, 1)

	if action.TargetOnly {
		s.markTarget(ctx, target, domain.TargetFailed, sendErr.Error())
		return true
	}
	s.releaseTarget(ctx, target)
	if action.IdentityDown {
		// The ledger already set the cooldown; the identity sits out until
		// it expires, no need to block the worker here.
		s.sessions.Close(identity.ID)
		return false
	}
	return true
}

// markIdentityError benches an identity whose stored credentials stopped
// working. Other session errors are transient and leave the status alone.
func (s *OutreachScheduler) markIdentityError(ctx context.Context, identity *domain.Identity, cause error) {
	if !errors.Is(cause, ErrSessionUnauthorized) {
		return
	}
	identity.Status = domain.IdentityError
	identity.LastError = cause.Error()
	if err := s.store.SaveIdentitySafety(ctx, identity); err != nil {
		log.Printf("[OutreachScheduler] mark identity %s error: %v", identity.ID, err)
	}
}

func (s *OutreachScheduler) markTarget(ctx context.Context, target *domain.Target, status domain.TargetStatus, reason string) {
	if err := s.store.MarkTarget(ctx, target.ID, status, reason); err != nil {
		log.Printf("[OutreachScheduler] mark target %s: %v", target.ID, err)
	}
}

// releaseTarget puts an unsent claim back into the pending pool.
func (s *OutreachScheduler) releaseTarget(ctx context.Context, target *domain.Target) {
	if err := s.store.MarkTarget(ctx, target.ID, domain.TargetPending, ""); err != nil {
		log.Printf("[OutreachScheduler] release target %s: %v", target.ID, err)
	}
}

func (s *OutreachScheduler) releaseTargets(ctx context.Context, targets []*domain.Target) {
	for _, t := range targets {
		s.releaseTarget(ctx, t)
	}
}
