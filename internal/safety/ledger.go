// Package safety owns the identity ledger: which identity a campaign may
// send through next, daily caps, reliability scoring, and cooldowns.
// Postgres is the source of truth; Redis holds the same-day counter so
// concurrent sends cannot blow past a cap between read and write.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/transport"
)

// ErrNoIdentity means no identity on the campaign can send right now.
var ErrNoIdentity = errors.New("no sendable identity")

// Lua script for the atomic daily-cap reservation.
// Checks the counter BEFORE incrementing; only increments when under cap.
const dailyCapLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")

if current + 1 > limit then
    return {0, current}  -- denied
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}  -- allowed
`

// Counter keys live 25h so a rolled-over day cannot read yesterday's value.
const dailyCapTTLSeconds = 25 * 60 * 60

// Ledger makes all safety decisions for identities.
type Ledger struct {
	store       *store.Store
	redisClient *redis.Client
	capScript   *redis.Script

	defaultDailyLimit    int
	defaultCooldownHours int

	// Local reservation fallback when Redis is not configured.
	mu         sync.Mutex
	localCount map[string]int // "<identityID>:<date>" -> reserved

	now func() time.Time
}

// NewLedger creates a ledger over the store with in-process reservations.
func NewLedger(st *store.Store, defaultDailyLimit, defaultCooldownHours int) *Ledger {
	return &Ledger{
		store:                st,
		capScript:            redis.NewScript(dailyCapLuaScript),
		defaultDailyLimit:    defaultDailyLimit,
		defaultCooldownHours: defaultCooldownHours,
		localCount:           make(map[string]int),
		now:                  time.Now,
	}
}

// SetRedisClient switches daily-cap reservations to Redis so multiple
// processes share one counter.
func (l *Ledger) SetRedisClient(client *redis.Client) {
	l.redisClient = client
}

func (l *Ledger) dailyLimit(i *domain.Identity, c *domain.Campaign) int {
	campaignLimit := c.DailyLimit
	if campaignLimit <= 0 {
		campaignLimit = l.defaultDailyLimit
	}
	return i.DailyLimit(l.now(), campaignLimit)
}

// rollover resets the day counter when the stored date is stale.
func (l *Ledger) rollover(i *domain.Identity) {
	today := l.now().UTC().Format("2006-01-02")
	if i.SentDate != today {
		i.SentDate = today
		i.SentToday = 0
	}
}

// Sendable reports whether the identity may send for the campaign right
// now, after lazy date rollover.
func (l *Ledger) Sendable(i *domain.Identity, c *domain.Campaign) bool {
	if i.Status == domain.IdentityBanned || i.Status == domain.IdentityError {
		return false
	}
	if i.Status == domain.IdentityPaused {
		if i.CooldownUntil == nil || i.InCooldown(l.now()) {
			// Operator pauses have no expiry; cooldowns wait it out.
			return false
		}
		// Cooldown elapsed but the reactivation sweep hasn't run yet.
		i.Status = domain.IdentityActive
		i.CooldownUntil = nil
	}
	l.rollover(i)
	return i.SentToday < l.dailyLimit(i, c)
}

// SendableIdentities returns every identity that may send for the
// campaign, best first: highest priority score, ties broken by longest
// idle (never-used identities count as idle forever).
func (l *Ledger) SendableIdentities(ctx context.Context, c *domain.Campaign) ([]*domain.Identity, error) {
	identities, err := l.store.ListIdentities(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list sendable identities: %w", err)
	}

	var sendable []*domain.Identity
	for _, i := range identities {
		if l.Sendable(i, c) {
			sendable = append(sendable, i)
		}
	}

	sort.SliceStable(sendable, func(a, b int) bool {
		sa, sb := sendable[a].PriorityScore(), sendable[b].PriorityScore()
		if sa != sb {
			return sa > sb
		}
		return idleSince(sendable[a]).Before(idleSince(sendable[b]))
	})
	return sendable, nil
}

// SelectIdentity picks the single best sendable identity for the campaign.
func (l *Ledger) SelectIdentity(ctx context.Context, c *domain.Campaign) (*domain.Identity, error) {
	sendable, err := l.SendableIdentities(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(sendable) == 0 {
		return nil, ErrNoIdentity
	}
	return sendable[0], nil
}

func idleSince(i *domain.Identity) time.Time {
	if i.LastUsed == nil {
		return time.Time{}
	}
	return *i.LastUsed
}

// Reserve atomically claims one send slot against the identity's daily
// cap. A denied reservation means the cap is exhausted for today.
func (l *Ledger) Reserve(ctx context.Context, i *domain.Identity, c *domain.Campaign) (bool, error) {
	l.rollover(i)
	limit := l.dailyLimit(i, c)
	date := i.SentDate

	if l.redisClient != nil {
		key := fmt.Sprintf("safety:sent:%s:%s", i.ID, date)
		result, err := l.capScript.Run(ctx, l.redisClient, []string{key}, limit, dailyCapTTLSeconds).Result()
		if err != nil {
			log.Printf("[SafetyLedger] redis reservation failed, using local counter: %v", err)
		} else {
			vals, ok := result.([]interface{})
			if ok && len(vals) == 2 {
				allowed, _ := vals[0].(int64)
				return allowed == 1, nil
			}
			return false, fmt.Errorf("unexpected reservation result: %v", result)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := i.ID + ":" + date
	reserved := l.localCount[key]
	if i.SentToday+reserved+1 > limit {
		return false, nil
	}
	l.localCount[key] = reserved + 1
	return true, nil
}

// ReleaseReservation undoes a reservation whose send never happened.
func (l *Ledger) ReleaseReservation(ctx context.Context, i *domain.Identity) {
	date := i.SentDate
	if l.redisClient != nil {
		key := fmt.Sprintf("safety:sent:%s:%s", i.ID, date)
		if err := l.redisClient.Decr(ctx, key).Err(); err != nil {
			log.Printf("[SafetyLedger] release reservation failed: %v", err)
		}
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := i.ID + ":" + date
	if l.localCount[key] > 0 {
		l.localCount[key]--
	}
}

// RecordSuccess bumps counters and reliability after a delivered message.
func (l *Ledger) RecordSuccess(ctx context.Context, i *domain.Identity) error {
	l.rollover(i)
	i.SentToday++
	i.TotalSent++
	now := l.now()
	i.LastUsed = &now
	if i.Reliability < 100 {
		i.Reliability++
	}
	i.LastError = ""

	l.mu.Lock()
	key := i.ID + ":" + i.SentDate
	if l.localCount[key] > 0 {
		l.localCount[key]--
	}
	l.mu.Unlock()

	if err := l.store.SaveIdentitySafety(ctx, i); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// FailureAction tells the caller how to proceed after a send failure.
type FailureAction struct {
	// Wait is the platform-signaled pause applied as a cooldown (rate limit).
	Wait time.Duration
	// IdentityDown means stop using this identity for now (cooldown or ban).
	IdentityDown bool
	// TargetOnly means only this peer failed; the identity is fine.
	TargetOnly bool
}

// RecordFailure classifies a send error and updates the identity.
//
//	rate-limited  -> cooldown for exactly the signaled wait, no demotion
//	abuse-flagged -> cooldown + reliability demotion
//	banned        -> terminal
//	forbidden     -> target-only, identity untouched
//	other         -> logged only
func (l *Ledger) RecordFailure(ctx context.Context, i *domain.Identity, c *domain.Campaign, sendErr error) (FailureAction, error) {
	l.ReleaseReservation(ctx, i)
	kind := transport.Classify(sendErr)
	i.LastError = sendErr.Error()

	var action FailureAction
	switch kind {
	case transport.KindRateLimited:
		action.Wait = transport.RetryAfter(sendErr)
		if action.Wait > 0 {
			until := l.now().Add(action.Wait)
			i.Status = domain.IdentityPaused
			i.CooldownUntil = &until
			action.IdentityDown = true
		}
		log.Printf("[SafetyLedger] identity %s rate limited for %s", i.ID, action.Wait)

	case transport.KindAbuseFlagged:
		hours := c.EffectiveCooldownHours()
		if hours <= 0 {
			hours = l.defaultCooldownHours
		}
		until := l.now().Add(time.Duration(hours) * time.Hour)
		i.Status = domain.IdentityPaused
		i.CooldownUntil = &until
		i.Reliability -= 10
		if i.Reliability < 0 {
			i.Reliability = 0
		}
		action.IdentityDown = true
		log.Printf("[SafetyLedger] identity %s flagged for abuse, cooling down %dh", i.ID, hours)

	case transport.KindBanned:
		i.Status = domain.IdentityBanned
		i.CooldownUntil = nil
		action.IdentityDown = true
		log.Printf("[SafetyLedger] identity %s banned permanently", i.ID)

	case transport.KindForbidden:
		action.TargetOnly = true
		log.Printf("[SafetyLedger] identity %s: peer unreachable: %v", i.ID, sendErr)

	default:
		log.Printf("[SafetyLedger] identity %s: send failed: %v", i.ID, sendErr)
	}

	if err := l.store.SaveIdentitySafety(ctx, i); err != nil {
		return action, fmt.Errorf("record failure: %w", err)
	}
	return action, nil
}

// ReactivateExpired wakes identities whose cooldown has elapsed.
func (l *Ledger) ReactivateExpired(ctx context.Context) (int64, error) {
	n, err := l.store.ReactivateExpiredCooldowns(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[SafetyLedger] reactivated %d identities from cooldown", n)
	}
	return n, nil
}
