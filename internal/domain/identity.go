package domain

import "time"

// IdentityStatus enumerates the lifecycle states of a sending identity.
type IdentityStatus string

const (
	IdentityActive IdentityStatus = "active"
	// IdentityPaused covers both operator pauses and safety cooldowns;
	// CooldownUntil distinguishes the two. Cooldown pauses expire back
	// to active, operator pauses do not.
	IdentityPaused IdentityStatus = "paused"
	IdentityError  IdentityStatus = "error"
	IdentityBanned IdentityStatus = "banned"
)

// Identity is a messaging account the scheduler sends through. Each identity
// carries its own session credentials, optional proxy route, and a safety
// profile (reliability score, daily counters, cooldown state).
type Identity struct {
	ID          string         `json:"id" db:"id"`
	CampaignID  string         `json:"campaign_id" db:"campaign_id"`
	Handle      string         `json:"handle" db:"handle"`
	SessionRef  string         `json:"session_ref" db:"session_ref"`
	ProxyRoute  string         `json:"proxy_route" db:"proxy_route"`
	Status      IdentityStatus `json:"status" db:"status"`
	Reliability int            `json:"reliability" db:"reliability"`

	// Daily counters. SentToday is only meaningful when SentDate equals the
	// current date; the ledger rolls it over lazily.
	SentToday int        `json:"sent_today" db:"sent_today"`
	SentDate  string     `json:"sent_date" db:"sent_date"` // YYYY-MM-DD
	TotalSent int        `json:"total_sent" db:"total_sent"`
	LastUsed  *time.Time `json:"last_used" db:"last_used"`

	// DailyLimitOverride, when > 0, replaces the maturity-derived cap.
	DailyLimitOverride int `json:"daily_limit_override" db:"daily_limit_override"`

	CooldownUntil *time.Time `json:"cooldown_until" db:"cooldown_until"`
	LastError     string     `json:"last_error" db:"last_error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// AgeDays returns whole days since the identity was created.
func (i *Identity) AgeDays(now time.Time) int {
	return int(now.Sub(i.CreatedAt).Hours() / 24)
}

// Maturity tiers: fresh identities get the smallest daily cap, warming
// identities a moderate one, proven identities the campaign cap.
const (
	MaturityNewSentMax     = 50
	MaturityNewAgeDays     = 3
	MaturityWarmingSentMax = 200
	MaturityWarmingAgeDays = 7

	DailyLimitNew     = 10
	DailyLimitWarming = 20
)

// DailyLimit resolves the effective per-day send cap for the identity.
// campaignLimit is the cap for proven identities.
func (i *Identity) DailyLimit(now time.Time, campaignLimit int) int {
	if i.DailyLimitOverride > 0 {
		return i.DailyLimitOverride
	}
	age := i.AgeDays(now)
	if i.TotalSent < MaturityNewSentMax || age < MaturityNewAgeDays {
		return DailyLimitNew
	}
	if i.TotalSent < MaturityWarmingSentMax || age < MaturityWarmingAgeDays {
		return DailyLimitWarming
	}
	return campaignLimit
}

// PriorityScore orders identities for selection: reliability dominates,
// lifetime volume breaks near-ties, capped so ancient accounts don't
// permanently outrank healthy newer ones.
func (i *Identity) PriorityScore() int {
	sent := i.TotalSent
	if sent > 1000 {
		sent = 1000
	}
	return i.Reliability*10 + sent
}

// InCooldown reports whether the identity is cooling down at the given time.
func (i *Identity) InCooldown(now time.Time) bool {
	return i.CooldownUntil != nil && now.Before(*i.CooldownUntil)
}
