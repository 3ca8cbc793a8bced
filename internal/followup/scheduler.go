// Package followup arms one cancellable delayed task per conversation.
// A new inbound message re-arms (superseding the pending task), a lead
// decision cancels, and firing is handed to a callback that re-checks
// eligibility against the store before sending anything.
package followup

import (
	"context"
	"log"
	"sync"
	"time"
)

// FireFunc runs when a follow-up timer elapses. Implementations must
// verify eligibility (thread still open, we spoke last, nothing sent yet)
// before acting: cancellation is advisory, and a task already past its
// timer can still invoke the callback after Cancel returns.
type FireFunc func(ctx context.Context, conversationID string)

type task struct {
	cancel context.CancelFunc
}

// Scheduler is the per-conversation follow-up registry.
type Scheduler struct {
	fire FireFunc

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a registry. Stop must be called on shutdown.
func NewScheduler(fire FireFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fire:    fire,
		tasks:   make(map[string]*task),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Schedule arms (or re-arms) the follow-up for a conversation. Any
// pending task for the same conversation is cancelled, so at most one
// live timer exists per thread and the newest delay wins. Schedule never
// blocks on the old task; callers may hold locks the firing callback
// also takes.
func (s *Scheduler) Schedule(conversationID string, delay time.Duration) {
	if prev := s.take(conversationID); prev != nil {
		prev.cancel()
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &task{cancel: cancel}
	s.tasks[conversationID] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, t, conversationID, delay)
}

func (s *Scheduler) run(ctx context.Context, t *task, conversationID string, delay time.Duration) {
	defer s.wg.Done()
	defer s.forget(conversationID, t)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	log.Printf("[FollowUp] timer elapsed for conversation %s", conversationID)
	s.fire(ctx, conversationID)
}

// Cancel drops the pending follow-up for a conversation, if any. It does
// not wait for the task goroutine: a fire already in flight proceeds and
// relies on the callback's own eligibility checks. Safe for unknown ids.
func (s *Scheduler) Cancel(conversationID string) {
	if t := s.take(conversationID); t != nil {
		t.cancel()
	}
}

// Pending reports whether a follow-up is currently armed.
func (s *Scheduler) Pending(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[conversationID]
	return ok
}

// Stop cancels every pending task and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// take removes and returns the registered task, if any.
func (s *Scheduler) take(conversationID string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[conversationID]
	delete(s.tasks, conversationID)
	return t
}

// forget clears the registry entry when a task ends on its own, without
// clobbering a newer task registered for the same conversation.
func (s *Scheduler) forget(conversationID string, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[conversationID] == t {
		delete(s.tasks, conversationID)
	}
}
