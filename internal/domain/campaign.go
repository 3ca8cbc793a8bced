package domain

import "time"

// CampaignStatus enumerates the lifecycle states of an outreach campaign.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// DelayRange is a uniform delay window in seconds. The scheduler draws from
// it and adds jitter so pacing never looks mechanical.
type DelayRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Normalized returns the range with Min <= Max and non-negative bounds.
func (r DelayRange) Normalized() DelayRange {
	if r.Min < 0 {
		r.Min = 0
	}
	if r.Max < r.Min {
		r.Max = r.Min
	}
	return r
}

// FollowUpPolicy controls the single nudge sent to conversations that
// went quiet after we spoke last.
type FollowUpPolicy struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	DelayHours   float64 `json:"delay_hours" yaml:"delay_hours"`
	Prompt       string  `json:"prompt" yaml:"prompt"`
	ReminderText string  `json:"reminder_text" yaml:"reminder_text"`
}

// Campaign bundles everything the scheduler needs to drive one outreach
// effort: the conversation prompt, opener template, pacing, quiet hours,
// lead triggers, and rollup counters.
type Campaign struct {
	ID     string         `json:"id" db:"id"`
	Name   string         `json:"name" db:"name"`
	Status CampaignStatus `json:"status" db:"status"`

	Prompt         string `json:"prompt" db:"prompt"`
	OpenerTemplate string `json:"opener_template" db:"opener_template"`
	HistoryLimit   int    `json:"history_limit" db:"history_limit"`

	// Lead detection and forwarding.
	PositivePhrases []string `json:"positive_phrases" db:"positive_phrases"`
	NegativePhrases []string `json:"negative_phrases" db:"negative_phrases"`
	DestinationChat string   `json:"destination_chat" db:"destination_chat"`
	ForwardLimit    int      `json:"forward_limit" db:"forward_limit"`

	// Composer failure handling.
	FallbackEnabled bool   `json:"fallback_enabled" db:"fallback_enabled"`
	FallbackText    string `json:"fallback_text" db:"fallback_text"`

	// Pacing. All ranges are seconds.
	PreReadDelay     DelayRange `json:"pre_read_delay" db:"pre_read_delay"`
	ReplyDelay       DelayRange `json:"reply_delay" db:"reply_delay"`
	RotationDelay    DelayRange `json:"rotation_delay" db:"rotation_delay"`
	DialogWaitWindow DelayRange `json:"dialog_wait_window" db:"dialog_wait_window"`

	// Quiet hours, "HH:MM-HH:MM" local to TimezoneOffset hours from UTC.
	SleepWindows   []string `json:"sleep_windows" db:"sleep_windows"`
	TimezoneOffset int      `json:"timezone_offset" db:"timezone_offset"`

	// Safety.
	DailyLimit        int      `json:"daily_limit" db:"daily_limit"`
	CooldownHours     int      `json:"cooldown_hours" db:"cooldown_hours"`
	BotHandlePrefixes []string `json:"bot_handle_prefixes" db:"bot_handle_prefixes"`
	ReplyOnlyIfOpened bool     `json:"reply_only_if_opened" db:"reply_only_if_opened"`

	FollowUp FollowUpPolicy `json:"follow_up" db:"follow_up"`

	// Rollup counters, maintained by the store.
	MessagesSent    int `json:"messages_sent" db:"messages_sent"`
	MessagesReplied int `json:"messages_replied" db:"messages_replied"`
	LeadsFound      int `json:"leads_found" db:"leads_found"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the scheduler should be driving this campaign.
func (c *Campaign) IsActive() bool { return c.Status == CampaignActive }

// EffectiveCooldownHours returns the abuse cooldown, defaulting to 5 hours
// when the campaign doesn't set one.
func (c *Campaign) EffectiveCooldownHours() int {
	if c.CooldownHours > 0 {
		return c.CooldownHours
	}
	return 5
}

// EffectiveForwardLimit bounds how many trailing messages get forwarded on
// a lead decision.
func (c *Campaign) EffectiveForwardLimit() int {
	if c.ForwardLimit > 0 {
		return c.ForwardLimit
	}
	return 5
}

// EffectiveHistoryLimit bounds how much history the composer sees.
func (c *Campaign) EffectiveHistoryLimit() int {
	if c.HistoryLimit > 0 {
		return c.HistoryLimit
	}
	return 10
}
