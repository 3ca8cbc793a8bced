// Package lead detects campaign trigger phrases in drafted replies and
// hands decided threads off: forwarding the conversation excerpt to the
// destination chat and recording the peer as processed.
package lead

import (
	"strings"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Detect scans text for the campaign's trigger phrases. Positive phrases
// win over negative ones. Matching is case-insensitive substring. Returns
// LeadNone when nothing matches.
func Detect(c *domain.Campaign, text string) domain.LeadStatus {
	lower := strings.ToLower(text)
	for _, p := range c.PositivePhrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return domain.LeadPositive
		}
	}
	for _, p := range c.NegativePhrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return domain.LeadNegative
		}
	}
	return domain.LeadNone
}

// IsBotHandle reports whether the handle matches one of the campaign's
// bot prefixes, which the scheduler never engages with.
func IsBotHandle(c *domain.Campaign, handle string) bool {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if h == "" {
		return false
	}
	for _, prefix := range c.BotHandlePrefixes {
		if prefix != "" && strings.HasPrefix(h, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
