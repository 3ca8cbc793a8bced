package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/compose"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/followup"
	"github.com/ignite/outreach-engine/internal/lead"
	"github.com/ignite/outreach-engine/internal/pkg/distlock"
	"github.com/ignite/outreach-engine/internal/proxy"
	"github.com/ignite/outreach-engine/internal/safety"
	"github.com/ignite/outreach-engine/internal/schedule"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/transport"
)

// =============================================================================
// OUTREACH SCHEDULER WORKER
// =============================================================================
// This worker polls for active campaigns and drives each one: opening
// conversations with pending targets, replying to inbound messages, and
// nudging quiet threads. Identities rotate under the safety ledger's caps;
// quiet hours pause the campaign; per-campaign distributed locks keep two
// processes from driving the same campaign.

const (
	// DefaultPollInterval is how often to check for active campaigns
	DefaultPollInterval = 60 * time.Second

	// ReactivationInterval is how often expired cooldowns are swept
	ReactivationInterval = 10 * time.Minute

	// CampaignLockTTL bounds how long a crashed process holds a campaign
	CampaignLockTTL = 5 * time.Minute

	// TargetClaimBatch is how many pending targets one identity claims
	TargetClaimBatch = 5

	// inboundQueueSize bounds buffered inbound events before producers block
	inboundQueueSize = 256

	// maxHistoryLen force-stops runaway threads
	maxHistoryLen = 200

	// maxDialogRounds bounds the post-reply wait-and-reply loop per inbound
	maxDialogRounds = 3
)

// inboundEvent is one inbound message routed to the processing loop.
type inboundEvent struct {
	campaignID string
	identityID string
	incoming   transport.Incoming
}

// OutreachScheduler drives all active campaigns.
type OutreachScheduler struct {
	store     *store.Store
	db        *sql.DB
	ledger    *safety.Ledger
	proxyGate *proxy.HealthGate
	composer  *compose.Composer
	factory   transport.Factory
	leads     *lead.Manager
	followUps *followup.Scheduler
	pacer     *schedule.Pacer

	redisClient *redis.Client // optional; nil falls back to PG advisory locks

	workerID     string
	pollInterval time.Duration
	maxCampaigns int

	sessions Sessions

	inbound chan inboundEvent

	// identityLocks serializes all sending per identity.
	identityMu    sync.Mutex
	identityLocks map[string]*sync.Mutex

	// Stats
	campaignsPolled int64
	openersSent     int64
	repliesSent     int64
	followUpsSent   int64
	leadsDecided    int64
	errorCount      int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewOutreachScheduler creates the scheduler.
func NewOutreachScheduler(
	st *store.Store,
	ledger *safety.Ledger,
	gate *proxy.HealthGate,
	composer *compose.Composer,
	factory transport.Factory,
	cfg config.SchedulerConfig,
) *OutreachScheduler {
	hostname := getHostname()
	s := &OutreachScheduler{
		store:         st,
		db:            st.DB(),
		ledger:        ledger,
		proxyGate:     gate,
		composer:      composer,
		factory:       factory,
		leads:         lead.NewManager(st),
		pacer:         schedule.NewPacer(nil),
		workerID:      fmt.Sprintf("outreach-%s-%d", hostname, time.Now().UnixNano()%10000),
		pollInterval:  cfg.PollInterval(),
		maxCampaigns:  cfg.MaxCampaigns,
		inbound:       make(chan inboundEvent, inboundQueueSize),
		identityLocks: make(map[string]*sync.Mutex),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	s.sessions = newSessionRegistry(factory, s.enqueueInbound)
	s.followUps = followup.NewScheduler(s.fireFollowUp)
	return s
}

// SetRedisClient sets the Redis client for distributed locking. If unset,
// campaign locks fall back to PostgreSQL advisory locks.
func (s *OutreachScheduler) SetRedisClient(client *redis.Client) {
	s.redisClient = client
}

// Start launches the scheduler loops.
func (s *OutreachScheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[OutreachScheduler] Starting %s with poll interval: %v", s.workerID, s.pollInterval)

	s.wg.Add(1)
	go s.schedulerLoop()

	s.wg.Add(1)
	go s.reactivationLoop()

	s.wg.Add(1)
	go s.inboundLoop()

	return nil
}

// Stop gracefully stops the scheduler.
func (s *OutreachScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Printf("[OutreachScheduler] Stopping...")
	s.cancel()
	s.wg.Wait()
	s.followUps.Stop()
	s.sessions.CloseAll()
	log.Printf("[OutreachScheduler] Stopped. Openers: %d, Replies: %d, Follow-ups: %d, Leads: %d",
		atomic.LoadInt64(&s.openersSent), atomic.LoadInt64(&s.repliesSent),
		atomic.LoadInt64(&s.followUpsSent), atomic.LoadInt64(&s.leadsDecided))
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	WorkerID        string `json:"worker_id"`
	Running         bool   `json:"running"`
	CampaignsPolled int64  `json:"campaigns_polled"`
	OpenersSent     int64  `json:"openers_sent"`
	RepliesSent     int64  `json:"replies_sent"`
	FollowUpsSent   int64  `json:"follow_ups_sent"`
	LeadsDecided    int64  `json:"leads_decided"`
	Errors          int64  `json:"errors"`
}

// GetStats returns the current counters.
func (s *OutreachScheduler) GetStats() Stats {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	return Stats{
		WorkerID:        s.workerID,
		Running:         running,
		CampaignsPolled: atomic.LoadInt64(&s.campaignsPolled),
		OpenersSent:     atomic.LoadInt64(&s.openersSent),
		RepliesSent:     atomic.LoadInt64(&s.repliesSent),
		FollowUpsSent:   atomic.LoadInt64(&s.followUpsSent),
		LeadsDecided:    atomic.LoadInt64(&s.leadsDecided),
		Errors:          atomic.LoadInt64(&s.errorCount),
	}
}

// schedulerLoop polls for active campaigns and drives each one.
func (s *OutreachScheduler) schedulerLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollCampaigns()
		}
	}
}

// reactivationLoop sweeps expired identity cooldowns.
func (s *OutreachScheduler) reactivationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(ReactivationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			if _, err := s.ledger.ReactivateExpired(ctx); err != nil {
				log.Printf("[OutreachScheduler] reactivation sweep failed: %v", err)
				atomic.AddInt64(&s.errorCount, 1)
			}
			cancel()
		}
	}
}

// pollCampaigns runs one scheduling pass over all active campaigns.
func (s *OutreachScheduler) pollCampaigns() {
	ctx, cancel := context.WithTimeout(s.ctx, s.pollInterval)
	defer cancel()

	campaigns, err := s.store.ListActiveCampaigns(ctx, s.maxCampaigns)
	if err != nil {
		log.Printf("[OutreachScheduler] Error fetching active campaigns: %v", err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}

	for _, c := range campaigns {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.driveCampaign(c)
		atomic.AddInt64(&s.campaignsPolled, 1)
	}
}

// driveCampaign runs one outreach pass for a campaign under its lock.
// Panics are contained so one broken campaign cannot take the loop down.
func (s *OutreachScheduler) driveCampaign(c *domain.Campaign) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[OutreachScheduler] panic driving campaign %s: %v", c.ID, r)
			atomic.AddInt64(&s.errorCount, 1)
		}
	}()

	ctx := s.ctx

	lock := distlock.NewLock(s.redisClient, s.db, "outreach:campaign:"+c.ID, CampaignLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[OutreachScheduler] lock error for campaign %s: %v", c.ID, err)
		atomic.AddInt64(&s.errorCount, 1)
		return
	}
	if !acquired {
		// Another process is driving this campaign.
		return
	}
	defer lock.Release(ctx)

	// A slow pass can outlive the initial lease, and an expired lock would
	// let a second replica reclaim the same targets mid-send. Renew it in
	// the background until the pass finishes.
	if ext, ok := lock.(distlock.Extender); ok {
		stopExtend := make(chan struct{})
		defer close(stopExtend)
		go func() {
			ticker := time.NewTicker(CampaignLockTTL / 2)
			defer ticker.Stop()
			for {
				select {
				case <-stopExtend:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := ext.Extend(ctx, CampaignLockTTL); err != nil {
						log.Printf("[OutreachScheduler] lock extend for campaign %s: %v", c.ID, err)
					}
				}
			}
		}()
	}

	gate, gateErrs := schedule.NewGate(c.SleepWindows, c.TimezoneOffset)
	for _, gerr := range gateErrs {
		log.Printf("[OutreachScheduler] campaign %s: %v", c.ID, gerr)
	}
	if gate.Asleep(time.Now()) {
		log.Printf("[OutreachScheduler] campaign %s inside quiet hours until %s, skipping pass",
			c.ID, gate.NextWake(time.Now()).Format("15:04"))
		return
	}

	if err := s.store.SeedDefaultProcessed(ctx, c.ID); err != nil {
		log.Printf("[OutreachScheduler] seed processed failed for %s: %v", c.ID, err)
	}

	s.runOutreach(ctx, c, gate)
	s.sweepFollowUps(ctx, c)
}

// lockIdentity returns the mutex serializing sends for one identity.
func (s *OutreachScheduler) lockIdentity(identityID string) *sync.Mutex {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	m, ok := s.identityLocks[identityID]
	if !ok {
		m = &sync.Mutex{}
		s.identityLocks[identityID] = m
	}
	return m
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
