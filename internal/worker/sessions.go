package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/transport"
)

// Sessions hands out at most one open transport session per identity.
type Sessions interface {
	Get(ctx context.Context, campaignID string, identity *domain.Identity) (transport.Session, error)
	Close(identityID string)
	CloseAll()
}

// ErrSessionUnauthorized marks an identity whose stored credentials no
// longer work. The caller moves the identity to the error state instead
// of retrying it.
var ErrSessionUnauthorized = errors.New("session not authorized")

type inboundFunc func(campaignID, identityID string, inc transport.Incoming)

// sessionRegistry caches open sessions and wires their inbound streams
// into the scheduler's queue.
type sessionRegistry struct {
	factory   transport.Factory
	onInbound inboundFunc

	mu   sync.Mutex
	open map[string]transport.Session
}

func newSessionRegistry(factory transport.Factory, onInbound inboundFunc) *sessionRegistry {
	return &sessionRegistry{
		factory:   factory,
		onInbound: onInbound,
		open:      make(map[string]transport.Session),
	}
}

// Get returns the cached session for the identity, opening and
// authorizing one on first use.
func (r *sessionRegistry) Get(ctx context.Context, campaignID string, identity *domain.Identity) (transport.Session, error) {
	r.mu.Lock()
	if sess, ok := r.open[identity.ID]; ok {
		r.mu.Unlock()
		return sess, nil
	}
	r.mu.Unlock()

	sess, err := r.factory.Open(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", identity.ID, err)
	}

	identityID := identity.ID
	sess.OnIncoming(func(inc transport.Incoming) {
		r.onInbound(campaignID, identityID, inc)
	})

	if err := sess.Connect(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("connect session for %s: %w", identity.ID, err)
	}
	authorized, err := sess.IsAuthorized(ctx)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("authorize session for %s: %w", identity.ID, err)
	}
	if !authorized {
		sess.Close()
		return nil, fmt.Errorf("session for %s: %w", identity.ID, ErrSessionUnauthorized)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.open[identity.ID]; ok {
		// Lost the race; keep the first one.
		sess.Close()
		return existing, nil
	}
	r.open[identity.ID] = sess
	return sess, nil
}

// Close drops the cached session for one identity.
func (r *sessionRegistry) Close(identityID string) {
	r.mu.Lock()
	sess, ok := r.open[identityID]
	delete(r.open, identityID)
	r.mu.Unlock()
	if ok {
		if err := sess.Close(); err != nil {
			log.Printf("[Sessions] close %s: %v", identityID, err)
		}
	}
}

// CloseAll drops every cached session.
func (r *sessionRegistry) CloseAll() {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]transport.Session)
	r.mu.Unlock()
	for id, sess := range open {
		if err := sess.Close(); err != nil {
			log.Printf("[Sessions] close %s: %v", id, err)
		}
	}
}

// enqueueInbound routes an inbound message into the processing queue.
// The queue is bounded; overflow is dropped and picked up later by the
// history sync on the next pass.
func (s *OutreachScheduler) enqueueInbound(campaignID, identityID string, inc transport.Incoming) {
	select {
	case s.inbound <- inboundEvent{campaignID: campaignID, identityID: identityID, incoming: inc}:
	default:
		log.Printf("[OutreachScheduler] inbound queue full, dropping event for identity %s", identityID)
		atomic.AddInt64(&s.errorCount, 1)
	}
}
